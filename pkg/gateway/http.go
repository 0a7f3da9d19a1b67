package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/synapsehq/synapse/pkg/events"
)

// Server exposes the gateway over HTTP: the client WebSocket plus the
// side-channels used by the worker and, in local mode, the control plane.
type Server struct {
	gw   *Gateway
	echo *echo.Echo
	http *http.Server
}

// NewServer builds the gateway HTTP server on addr.
func NewServer(gw *Gateway, addr string) *Server {
	e := echo.New()
	s := &Server{
		gw:   gw,
		echo: e,
		http: &http.Server{
			Addr:              addr,
			Handler:           e,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)
	e.POST("/send-message", s.sendMessageHandler)
	e.POST("/supervisor/control", s.supervisorControlHandler)
	return s
}

// Handler exposes the route tree, for relays and tests that mount the
// gateway behind their own listener.
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

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.gw.Status())
}

// wsHandler upgrades to WebSocket and hands the connection to the hub.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// The gateway only listens on the container network; origin checks
		// happen at the control plane edge.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.gw.HandleConnection(c.Request().Context(), conn)
	return nil
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

type sendMessageResponse struct {
	Delivered bool `json:"delivered"`
}

func (s *Server) sendMessageHandler(c *echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if err := s.gw.SendMessage(c.Request().Context(), req.Message); err != nil {
		if errors.Is(err, ErrEngineNotConnected) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, sendMessageResponse{Delivered: true})
}

type controlRequest struct {
	Action string `json:"action"`
}

type controlResponse struct {
	Forwarded bool `json:"forwarded"`
}

func (s *Server) supervisorControlHandler(c *echo.Context) error {
	var req controlRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !events.ValidAction(req.Action) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown action: "+req.Action)
	}
	return c.JSON(http.StatusOK, controlResponse{Forwarded: s.gw.SupervisorControl(req.Action)})
}
