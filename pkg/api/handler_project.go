package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/synapsehq/synapse/pkg/store"
)

func (s *Server) createProjectHandler(c *echo.Context) error {
	var req CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := store.ValidateProjectName(req.Name); err != nil {
		return mapServiceError(err)
	}

	p := &store.Project{
		Name:         req.Name,
		Status:       store.ProjectCreating,
		InstanceType: req.InstanceType,
	}
	p.SetMCPServers(req.MCPServers)

	if req.LLMAPIKey != "" {
		cipher, err := s.box.Encrypt(req.LLMAPIKey)
		if err != nil {
			return mapServiceError(err)
		}
		p.CredentialCipher = cipher
	}
	if len(req.ExtraEnv) > 0 {
		cipher, err := s.sealExtraEnv(req.ExtraEnv)
		if err != nil {
			return mapServiceError(err)
		}
		p.ExtraEnvCipher = cipher
	}

	ctx := c.Request().Context()
	if err := s.db.CreateProject(ctx, p); err != nil {
		return mapServiceError(err)
	}

	if s.cfg.Remote && req.InstanceType != "" {
		if _, err := s.prov.Provision(ctx, p.Name, req.InstanceType); err != nil {
			slog.Error("Worker provisioning failed", "project", p.Name, "error", err)
			_ = s.db.UpdateProjectStatus(ctx, p.Name, store.ProjectError)
			return mapServiceError(err)
		}
		_ = s.db.UpdateProjectStatus(ctx, p.Name, store.ProjectProvisioning)
	}
	go s.bringOnline(p.Name)

	resp, err := s.projectResponse(ctx, p)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) listProjectsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	projects, err := s.db.ListProjects(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	out := make([]ProjectResponse, 0, len(projects))
	for i := range projects {
		resp, err := s.projectResponse(ctx, &projects[i])
		if err != nil {
			return mapServiceError(err)
		}
		out = append(out, *resp)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getProjectHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	p, err := s.db.GetProject(ctx, c.Param("name"))
	if err != nil {
		return mapServiceError(err)
	}
	resp, err := s.projectResponse(ctx, p)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// deleteProjectHandler tears everything down: container and its volume,
// then the worker instance, then the rows. Teardown of remote pieces is
// best-effort so a dead worker cannot wedge deletion.
func (s *Server) deleteProjectHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	if _, err := s.db.GetProject(ctx, name); err != nil {
		return mapServiceError(err)
	}

	if err := s.mgr.DestroyContainer(ctx, name, true); err != nil {
		slog.Warn("Container teardown failed during delete", "project", name, "error", err)
	}
	if err := s.prov.Terminate(ctx, name); err != nil {
		slog.Warn("Worker termination failed during delete", "project", name, "error", err)
	}
	if err := s.db.DeleteProject(ctx, name); err != nil {
		return mapServiceError(err)
	}
	slog.Info("Project deleted", "project", name)
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}

// restartProjectHandler recreates the container. The environment is
// recomposed, so rotated secrets and config take effect here.
func (s *Server) restartProjectHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	if _, err := s.db.GetProject(ctx, name); err != nil {
		return mapServiceError(err)
	}
	if err := s.mgr.CreateContainer(ctx, name); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"restarted": true})
}

func (s *Server) resizeProjectHandler(c *echo.Context) error {
	var req ResizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.InstanceType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "instance_type is required")
	}

	ctx := c.Request().Context()
	name := c.Param("name")
	if _, err := s.db.GetProject(ctx, name); err != nil {
		return mapServiceError(err)
	}
	if err := s.db.UpdateProjectStatus(ctx, name, store.ProjectResizing); err != nil {
		return mapServiceError(err)
	}
	if err := s.db.UpdateProjectInstanceType(ctx, name, req.InstanceType); err != nil {
		return mapServiceError(err)
	}

	go s.resize(name, req.InstanceType)
	return c.JSON(http.StatusAccepted, map[string]bool{"resizing": true})
}

// resize runs in the background: stop-modify-start the worker when there is
// one, then recreate the container against the new capacity.
func (s *Server) resize(name, instanceType string) {
	ctx, cancel := context.WithTimeout(context.Background(), onlineTimeout)
	defer cancel()

	_, err := s.db.GetWorkerByProject(ctx, name)
	switch {
	case err == nil:
		if rerr := s.prov.Resize(ctx, name, instanceType); rerr != nil {
			slog.Error("Worker resize failed", "project", name, "error", rerr)
			_ = s.db.UpdateProjectStatus(ctx, name, store.ProjectError)
			return
		}
	case !errors.Is(err, store.ErrNotFound):
		slog.Error("Worker lookup failed during resize", "project", name, "error", err)
		return
	}

	if err := s.mgr.CreateContainer(ctx, name); err != nil {
		slog.Error("Container recreate failed after resize", "project", name, "error", err)
	}
}

func (s *Server) execHandler(c *echo.Context) error {
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Command == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command is required")
	}
	result, err := s.mgr.Exec(c.Request().Context(), c.Param("name"), req.Command, req.TimeoutSeconds)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) updateConfigHandler(c *echo.Context) error {
	var req UpdateConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	p, err := s.db.GetProject(ctx, c.Param("name"))
	if err != nil {
		return mapServiceError(err)
	}

	credentialCipher := p.CredentialCipher
	if req.LLMAPIKey != "" {
		credentialCipher, err = s.box.Encrypt(req.LLMAPIKey)
		if err != nil {
			return mapServiceError(err)
		}
	}
	extraEnvCipher := p.ExtraEnvCipher
	if req.ExtraEnv != nil {
		extraEnvCipher, err = s.sealExtraEnv(req.ExtraEnv)
		if err != nil {
			return mapServiceError(err)
		}
	}
	if err := s.db.UpdateProjectSecrets(ctx, p.Name, credentialCipher, extraEnvCipher); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"updated": true})
}

// projectResponse synthesizes the externally visible status: a worker mid
// transition speaks for the project.
func (s *Server) projectResponse(ctx context.Context, p *store.Project) (*ProjectResponse, error) {
	resp := &ProjectResponse{
		Name:         p.Name,
		Status:       p.Status,
		InstanceType: p.InstanceType,
		MCPServers:   p.MCPServers(),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	w, err := s.db.GetWorkerByProject(ctx, p.Name)
	if errors.Is(err, store.ErrNotFound) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	resp.Worker = &WorkerResponse{
		ID:            w.ID,
		Status:        w.Status,
		InstanceType:  w.InstanceType,
		Region:        w.Region,
		PrivateIP:     w.PrivateIP,
		PublicIP:      w.PublicIP,
		LastHeartbeat: w.LastHeartbeat,
	}
	if w.Status != store.WorkerReady && w.Status != store.WorkerTerminated {
		resp.Status = w.Status
	}
	return resp, nil
}

func (s *Server) sealExtraEnv(extra map[string]string) (string, error) {
	data, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	return s.box.Encrypt(string(data))
}
