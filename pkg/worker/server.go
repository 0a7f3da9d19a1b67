package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/synapsehq/synapse/pkg/gateway"
	"github.com/synapsehq/synapse/pkg/sandbox"
	"github.com/synapsehq/synapse/pkg/task"
	"github.com/synapsehq/synapse/pkg/workspace"
)

// Gateway probe budget after container creation. If the gateway never comes
// up the container is torn down again so a broken image does not linger.
const (
	gatewayReadyTimeout = 120 * time.Second
	gatewayProbeEvery   = 2 * time.Second
	defaultGatewayPort  = 7777
)

const defaultExecTimeout = 60 * time.Second

// Config configures the worker server.
type Config struct {
	Project string
	Token   string
	Addr    string

	// GatewayPort is where the in-container gateway listens.
	GatewayPort int

	// Sandbox is injected; defaults to the Docker adapter in main.
	Sandbox sandbox.Sandbox
}

// Server is the worker's HTTP surface. Every route except /health requires
// the worker's bearer token.
type Server struct {
	cfg       Config
	host      HostCaps
	echo      *echo.Echo
	http      *http.Server
	startedAt time.Time

	httpClient *http.Client

	mu       sync.Mutex
	lastSpec *sandbox.Spec
}

// NewServer builds the worker server.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":7070"
	}
	if cfg.GatewayPort == 0 {
		cfg.GatewayPort = defaultGatewayPort
	}
	e := echo.New()
	s := &Server{
		cfg:        cfg,
		host:       DetectHost(),
		echo:       e,
		startedAt:  time.Now(),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           e,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	e.Use(s.authMiddleware)

	e.GET("/health", s.healthHandler)
	e.POST("/container/create", s.createHandler)
	e.POST("/container/restart", s.restartHandler)
	e.POST("/container/destroy", s.destroyHandler)
	e.POST("/exec", s.execHandler)
	e.POST("/task", s.putTaskHandler)
	e.GET("/task", s.getTaskHandler)
	e.GET("/memory", s.memoryHandler)
	e.GET("/logs", s.logsHandler)
	e.POST("/message", s.messageHandler)
	e.POST("/supervisor/control", s.controlHandler)
	e.GET("/gateway", s.gatewayRelayHandler)
	return s
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
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

// authMiddleware enforces the worker bearer token on everything but /health.
// Tokens are compared through their digests so length differences leak
// nothing.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if c.Request().URL.Path == "/health" {
			return next(c)
		}
		header := c.Request().Header.Get("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !tokenEqual(presented, s.cfg.Token) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
		}
		return next(c)
	}
}

func tokenEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

func (s *Server) healthHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	running := false
	if err := s.cfg.Sandbox.Health(ctx); err == nil {
		running = true
	}
	var gw json.RawMessage
	if running {
		gw = s.probeGatewayHealth(ctx)
	}
	return c.JSON(http.StatusOK, HealthResponse{
		OK:             true,
		Project:        s.cfg.Project,
		SandboxRunning: running,
		Gateway:        gw,
		UptimeSeconds:  time.Since(s.startedAt).Seconds(),
	})
}

// probeGatewayHealth fetches the in-container gateway's health body. Nil on
// any failure; the health report still goes out without it.
func (s *Server) probeGatewayHealth(ctx context.Context) json.RawMessage {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ip, err := s.cfg.Sandbox.IP(pctx)
	if err != nil {
		return nil
	}
	url := fmt.Sprintf("http://%s:%d/health", ip, s.cfg.GatewayPort)
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode != http.StatusOK || !json.Valid(body) {
		return nil
	}
	return body
}

func (s *Server) createHandler(c *echo.Context) error {
	var req CreateContainerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Image == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "image is required")
	}

	cpus, memMB := Clamp(req.CPUs, req.MemoryMB, s.host)
	spec := sandbox.Spec{
		Project:       s.cfg.Project,
		Image:         req.Image,
		Env:           req.Env,
		CPULimit:      cpus,
		MemoryLimitMB: memMB,
	}

	ctx := c.Request().Context()
	id, err := s.cfg.Sandbox.Create(ctx, spec)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	ip, err := s.waitGatewayReady(ctx)
	if err != nil {
		slog.Error("Gateway never became healthy, destroying container", "project", s.cfg.Project, "error", err)
		_ = s.cfg.Sandbox.Destroy(context.WithoutCancel(ctx), false)
		return echo.NewHTTPError(http.StatusBadGateway, "gateway did not become healthy: "+err.Error())
	}

	s.mu.Lock()
	s.lastSpec = &spec
	s.mu.Unlock()

	return c.JSON(http.StatusOK, CreateContainerResponse{
		ContainerID:     id,
		IP:              ip,
		AppliedCPUs:     cpus,
		AppliedMemoryMB: memMB,
	})
}

func (s *Server) restartHandler(c *echo.Context) error {
	s.mu.Lock()
	spec := s.lastSpec
	s.mu.Unlock()
	if spec == nil {
		return echo.NewHTTPError(http.StatusConflict, "no container has been created on this worker")
	}

	ctx := c.Request().Context()
	id, err := s.cfg.Sandbox.Create(ctx, *spec)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	ip, err := s.waitGatewayReady(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "gateway did not become healthy: "+err.Error())
	}
	return c.JSON(http.StatusOK, CreateContainerResponse{
		ContainerID:     id,
		IP:              ip,
		AppliedCPUs:     spec.CPULimit,
		AppliedMemoryMB: spec.MemoryLimitMB,
	})
}

func (s *Server) destroyHandler(c *echo.Context) error {
	var req DestroyContainerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.cfg.Sandbox.Destroy(c.Request().Context(), req.RemoveVolume); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"destroyed": true})
}

func (s *Server) execHandler(c *echo.Context) error {
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Command == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command is required")
	}
	timeout := defaultExecTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	result, err := s.cfg.Sandbox.Exec(c.Request().Context(), []string{"sh", "-c", req.Command}, timeout)
	if err != nil && result.ExitCode != -1 {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, ExecResponse{ExecResult: result})
}

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
	data, err := json.MarshalIndent(&t, "", "  ")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := s.writeWorkspaceFile(c.Request().Context(), workspace.TaskFile, data); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, &t)
}

func (s *Server) getTaskHandler(c *echo.Context) error {
	content, exists, err := s.readWorkspaceFile(c.Request().Context(), workspace.TaskFile)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if !exists {
		return echo.NewHTTPError(http.StatusNotFound, "no task")
	}
	var t task.Task
	if err := json.Unmarshal([]byte(content), &t); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "task document is corrupt")
	}
	return c.JSON(http.StatusOK, &t)
}

func (s *Server) memoryHandler(c *echo.Context) error {
	files := make(map[string]string, len(workspace.MemoryFiles))
	for _, name := range workspace.MemoryFiles {
		content, exists, err := s.readWorkspaceFile(c.Request().Context(), name)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		if !exists {
			content = ""
		}
		files[name] = content
	}
	return c.JSON(http.StatusOK, MemoryResponse{Files: files})
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
	cmd := fmt.Sprintf("tail -n %d %s 2>/dev/null || true", lines, workspace.LogPath(workspace.DefaultRoot))
	result, err := s.cfg.Sandbox.Exec(c.Request().Context(), []string{"sh", "-c", cmd}, 10*time.Second)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	var out []string
	for _, l := range strings.Split(strings.TrimRight(result.Stdout, "\n"), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return c.JSON(http.StatusOK, LogsResponse{Lines: out})
}

func (s *Server) messageHandler(c *echo.Context) error {
	return s.proxyGateway(c, "/send-message")
}

func (s *Server) controlHandler(c *echo.Context) error {
	return s.proxyGateway(c, "/supervisor/control")
}

// gatewayRelayHandler bridges an inbound WebSocket to the in-container
// gateway, so the control plane never needs a route into the container
// network.
func (s *Server) gatewayRelayHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	ip, err := s.cfg.Sandbox.IP(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "sandbox not reachable: "+err.Error())
	}

	client, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	upstream, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s:%d/ws", ip, s.cfg.GatewayPort), nil)
	if err != nil {
		client.Close(websocket.StatusInternalError, "gateway unreachable")
		return nil
	}

	gateway.Relay(ctx, client, upstream)
	return nil
}

// proxyGateway forwards the request body to the gateway over plain HTTP and
// mirrors the response.
func (s *Server) proxyGateway(c *echo.Context, path string) error {
	ctx := c.Request().Context()
	ip, err := s.cfg.Sandbox.IP(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "sandbox not reachable: "+err.Error())
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	url := fmt.Sprintf("http://%s:%d%s", ip, s.cfg.GatewayPort, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "gateway unreachable: "+err.Error())
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.Blob(resp.StatusCode, "application/json", payload)
}

// waitGatewayReady polls the gateway health endpoint until it answers or the
// budget runs out, returning the sandbox IP.
func (s *Server) waitGatewayReady(ctx context.Context) (string, error) {
	deadline := time.Now().Add(gatewayReadyTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		ip, err := s.cfg.Sandbox.IP(ctx)
		if err == nil {
			url := fmt.Sprintf("http://%s:%d/health", ip, s.cfg.GatewayPort)
			req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if rerr == nil {
				resp, derr := s.httpClient.Do(req)
				if derr == nil {
					resp.Body.Close()
					if resp.StatusCode == http.StatusOK {
						return ip, nil
					}
					err = fmt.Errorf("gateway health returned %d", resp.StatusCode)
				} else {
					err = derr
				}
			}
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(gatewayProbeEvery):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("timed out")
	}
	return "", lastErr
}

// readWorkspaceFile fetches one workspace file through sandbox exec. A
// non-zero exit means the file does not exist.
func (s *Server) readWorkspaceFile(ctx context.Context, name string) (string, bool, error) {
	path := workspace.DefaultRoot + "/" + name
	result, err := s.cfg.Sandbox.Exec(ctx, []string{"cat", path}, 10*time.Second)
	if err != nil {
		return "", false, err
	}
	if result.ExitCode != 0 {
		return "", false, nil
	}
	return result.Stdout, true, nil
}

// writeWorkspaceFile writes a file atomically inside the sandbox. Content
// travels base64-encoded so shell quoting cannot corrupt it.
func (s *Server) writeWorkspaceFile(ctx context.Context, name string, data []byte) error {
	path := workspace.DefaultRoot + "/" + name
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("echo %s | base64 -d > %s.tmp && mv %s.tmp %s", encoded, path, path, path)
	result, err := s.cfg.Sandbox.Exec(ctx, []string{"sh", "-c", cmd}, 15*time.Second)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("write %s: exit %d: %s", name, result.ExitCode, result.Stderr)
	}
	return nil
}
