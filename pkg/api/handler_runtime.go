package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/synapsehq/synapse/pkg/events"
)

func (s *Server) supervisorHandler(c *echo.Context) error {
	var req SupervisorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !events.ValidAction(req.Action) {
		return echo.NewHTTPError(http.StatusBadRequest, "action must be pause, resume, stop or restart")
	}
	if err := s.mgr.SupervisorControl(c.Request().Context(), c.Param("name"), req.Action); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"forwarded": true})
}

func (s *Server) memoryHandler(c *echo.Context) error {
	files, err := s.mgr.Memory(c.Request().Context(), c.Param("name"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"files": files})
}

func (s *Server) logsHandler(c *echo.Context) error {
	lines := 100
	if raw := c.QueryParam("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "lines must be a positive integer")
		}
		lines = n
	}
	out, err := s.mgr.Logs(c.Request().Context(), c.Param("name"), lines)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"lines": out})
}

func (s *Server) messageHandler(c *echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if err := s.mgr.SendMessage(c.Request().Context(), c.Param("name"), req.Message); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"delivered": true})
}

func (s *Server) listDirectivesHandler(c *echo.Context) error {
	directives, err := s.mgr.Directives(c.Request().Context(), c.Param("name"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"directives": directives})
}

func (s *Server) addDirectiveHandler(c *echo.Context) error {
	var req DirectiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	d, err := s.mgr.AddDirective(c.Request().Context(), c.Param("name"), req.Text)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (s *Server) removeDirectiveHandler(c *echo.Context) error {
	err := s.mgr.RemoveDirective(c.Request().Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}
