package api

import (
	"encoding/json"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/synapsehq/synapse/pkg/task"
)

func (s *Server) putTaskHandler(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	var t task.Task
	if err := json.Unmarshal(body, &t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid task document")
	}
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	installed, err := s.mgr.PutTask(c.Request().Context(), c.Param("name"), &t)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, installed)
}

func (s *Server) getTaskHandler(c *echo.Context) error {
	t, err := s.mgr.GetTask(c.Request().Context(), c.Param("name"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) stopTaskHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	t, err := s.mgr.GetTask(ctx, name)
	if err != nil {
		return mapServiceError(err)
	}
	t.Stop(task.ReasonOperator)
	if _, err := s.mgr.PutTask(ctx, name, t); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// resumeTaskHandler reopens a stopped task. A completed task stays completed;
// replacing the task document is the way to start over after completion.
func (s *Server) resumeTaskHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	t, err := s.mgr.GetTask(ctx, name)
	if err != nil {
		return mapServiceError(err)
	}
	t.Resume()
	if _, err := s.mgr.PutTask(ctx, name, t); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) respondTaskHandler(c *echo.Context) error {
	var req RespondRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.QuestionID == "" || req.Answer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question_id and answer are required")
	}

	ctx := c.Request().Context()
	name := c.Param("name")
	t, err := s.mgr.GetTask(ctx, name)
	if err != nil {
		return mapServiceError(err)
	}
	if err := t.AnswerQuestion(req.QuestionID, req.Answer); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if _, err := s.mgr.PutTask(ctx, name, t); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, t)
}
