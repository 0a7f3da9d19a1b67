package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// heartbeatHandler authenticates a worker with its own per-worker token and
// records the beat. Operator tokens carry no weight here.
func (s *Server) heartbeatHandler(c *echo.Context) error {
	header := c.Request().Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || presented == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}

	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Project == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project is required")
	}

	ctx := c.Request().Context()
	w, err := s.db.GetWorkerByProject(ctx, req.Project)
	if err != nil {
		return mapServiceError(err)
	}
	expected, err := s.prov.WorkerToken(w)
	if err != nil {
		return mapServiceError(err)
	}
	if !tokenEqual(presented, expected) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	if err := s.db.TouchWorkerHeartbeat(ctx, w.ID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
