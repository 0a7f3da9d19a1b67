package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/synapsehq/synapse/pkg/manager"
	"github.com/synapsehq/synapse/pkg/store"
	"github.com/synapsehq/synapse/pkg/worker"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, manager.ErrNoTask) {
		return echo.NewHTTPError(http.StatusNotFound, "project has no task")
	}
	if errors.Is(err, store.ErrConflict) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}

	// A worker already turned its failure into a status code; mirror it.
	var statusErr *worker.StatusError
	if errors.As(err, &statusErr) {
		return echo.NewHTTPError(statusErr.Code, statusErr.Message)
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
