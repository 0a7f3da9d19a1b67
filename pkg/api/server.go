// Package api is the control plane's HTTP surface. Every operator route
// requires a bearer token; workers authenticate heartbeats with their own
// per-worker token.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/synapsehq/synapse/pkg/manager"
	"github.com/synapsehq/synapse/pkg/provision"
	"github.com/synapsehq/synapse/pkg/secretbox"
	"github.com/synapsehq/synapse/pkg/store"
)

// Budget for a project coming online in the background after create or
// resize: worker boot plus container pull plus gateway startup.
const (
	onlineTimeout = 15 * time.Minute
	onlinePoll    = 5 * time.Second
)

// Config configures the control plane server.
type Config struct {
	Addr string

	// Image is the agent container image projects run.
	Image string

	// Remote enables worker provisioning. Without it every project runs on
	// the local Docker daemon.
	Remote bool
}

// Server wires the store, the secret box, the provisioner and the container
// manager behind the operator API.
type Server struct {
	cfg  Config
	db   *store.Store
	box  *secretbox.Box
	prov *provision.Provisioner
	mgr  *manager.Manager

	echo *echo.Echo
	http *http.Server
}

// NewServer builds the control plane server and registers its routes.
func NewServer(cfg Config, db *store.Store, box *secretbox.Box, prov *provision.Provisioner, mgr *manager.Manager) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	e := echo.New()
	s := &Server{
		cfg:  cfg,
		db:   db,
		box:  box,
		prov: prov,
		mgr:  mgr,
		echo: e,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           e,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	e.GET("/api/health", s.healthHandler)
	e.POST("/api/workers/heartbeat", s.heartbeatHandler)

	g := e.Group("/api", s.requireToken)
	g.POST("/projects", s.createProjectHandler)
	g.GET("/projects", s.listProjectsHandler)
	g.GET("/projects/:name", s.getProjectHandler)
	g.DELETE("/projects/:name", s.deleteProjectHandler)
	g.POST("/projects/:name/restart", s.restartProjectHandler)
	g.POST("/projects/:name/resize", s.resizeProjectHandler)
	g.POST("/projects/:name/exec", s.execHandler)
	g.PUT("/projects/:name/config", s.updateConfigHandler)

	g.PUT("/projects/:name/secrets", s.putSecretHandler)
	g.GET("/projects/:name/secrets", s.listSecretsHandler)
	g.DELETE("/projects/:name/secrets/:key", s.deleteSecretHandler)

	g.POST("/projects/:name/task", s.putTaskHandler)
	g.GET("/projects/:name/task", s.getTaskHandler)
	g.POST("/projects/:name/task/stop", s.stopTaskHandler)
	g.POST("/projects/:name/task/resume", s.resumeTaskHandler)
	g.POST("/projects/:name/task/respond", s.respondTaskHandler)

	g.POST("/projects/:name/supervisor", s.supervisorHandler)
	g.GET("/projects/:name/memory", s.memoryHandler)
	g.GET("/projects/:name/logs", s.logsHandler)
	g.POST("/projects/:name/message", s.messageHandler)

	g.GET("/projects/:name/directives", s.listDirectivesHandler)
	g.POST("/projects/:name/directives", s.addDirectiveHandler)
	g.DELETE("/projects/:name/directives/:id", s.removeDirectiveHandler)

	g.GET("/projects/:name/chat", s.chatHandler)
	return s
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Control plane listening", "addr", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	if err := s.db.Health(); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "healthy"})
}

// bringOnline runs after create and resize: wait for the project's worker if
// one is provisioning, then start the container. Failures land on the project
// row as status error, so the operator sees them on the next GET.
func (s *Server) bringOnline(projectName string) {
	ctx, cancel := context.WithTimeout(context.Background(), onlineTimeout)
	defer cancel()

	for {
		w, err := s.db.GetWorkerByProject(ctx, projectName)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			slog.Error("Worker lookup failed", "project", projectName, "error", err)
			return
		}
		if w.Status == store.WorkerReady {
			break
		}
		if w.Status == store.WorkerError || w.Status == store.WorkerTerminated {
			slog.Error("Worker never became ready", "project", projectName, "worker_status", w.Status)
			_ = s.db.UpdateProjectStatus(ctx, projectName, store.ProjectError)
			return
		}
		select {
		case <-ctx.Done():
			slog.Error("Timed out waiting for worker", "project", projectName)
			_ = s.db.UpdateProjectStatus(context.WithoutCancel(ctx), projectName, store.ProjectError)
			return
		case <-time.After(onlinePoll):
		}
	}

	if err := s.mgr.CreateContainer(ctx, projectName); err != nil {
		slog.Error("Container start failed", "project", projectName, "error", err)
	}
}
