package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/synapsehq/synapse/pkg/events"
)

// Reconnect backoff bounds for the engine session.
const (
	reconnectInitial = 2 * time.Second
	reconnectMax     = 30 * time.Second
)

// protocolVersion is the single engine protocol revision we speak.
const protocolVersion = 1

// EngineSession owns the one WebSocket to the LLM engine. It authenticates,
// binds the project's chat session, submits messages, and normalizes engine
// events into the gateway's history. There is never more than one live
// session per gateway.
type EngineSession struct {
	gw         *Gateway
	url        string
	password   string
	token      string
	sessionKey string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]bool
}

// NewEngineSession builds the session from the gateway's configuration.
func NewEngineSession(gw *Gateway) *EngineSession {
	cfg := gw.Config()
	return &EngineSession{
		gw:         gw,
		url:        cfg.EngineURL,
		password:   cfg.EnginePassword,
		token:      cfg.EngineToken,
		sessionKey: fmt.Sprintf("main:webchat:%s-%s", cfg.SessionKeyPrefix, cfg.Project),
		pending:    make(map[string]bool),
	}
}

// SessionKey returns the chat session identifier bound on connect.
func (s *EngineSession) SessionKey() string { return s.sessionKey }

// Run maintains the engine connection until ctx is cancelled, reconnecting
// with exponential backoff. The backoff resets after each successful
// handshake so a stable engine gets a fast reconnect on a transient drop.
func (s *EngineSession) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitial
	bo.MaxInterval = reconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.connect(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			slog.Warn("Engine connect failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		s.setConn(conn)
		s.gw.SetOCConnected(true)
		slog.Info("Engine session established", "session", s.sessionKey)

		err = s.readLoop(ctx, conn)
		s.setConn(nil)
		s.gw.SetOCConnected(false)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Engine session lost", "error", err)
	}
}

// Send submits one chat message. Busy state flips only when the engine
// acknowledges the request id.
func (s *EngineSession) Send(ctx context.Context, content string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrEngineNotConnected
	}

	id := uuid.New().String()
	req := engineRequest{
		Type:   "req",
		ID:     id,
		Method: "chat.send",
		Params: engineChatParams{Session: s.sessionKey, Message: content},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pending[id] = true
	s.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return fmt.Errorf("engine send: %w", err)
	}
	return nil
}

func (s *EngineSession) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	if conn == nil {
		s.pending = make(map[string]bool)
	}
}

// connect dials the engine and performs the challenge handshake.
func (s *EngineSession) connect(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := s.handshake(dctx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}
	return conn, nil
}

func (s *EngineSession) handshake(ctx context.Context, conn *websocket.Conn) error {
	var challenge engineFrame
	if err := readFrame(ctx, conn, &challenge); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Type != "connect.challenge" {
		return fmt.Errorf("unexpected frame %q before challenge", challenge.Type)
	}

	auth := map[string]string{}
	if s.password != "" {
		auth["password"] = s.password
	} else if s.token != "" {
		auth["token"] = s.token
	}
	req := connectRequest{
		Type:     "connect",
		Client:   "synapse-gateway",
		Protocol: protocolRange{Min: protocolVersion, Max: protocolVersion},
		Role:     "operator",
		Auth:     auth,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write connect: %w", err)
	}

	var reply engineFrame
	if err := readFrame(ctx, conn, &reply); err != nil {
		return fmt.Errorf("read connect reply: %w", err)
	}
	if reply.Type != "connect.ok" {
		if reply.Error != nil {
			return fmt.Errorf("engine rejected connect: %s", reply.Error.Message)
		}
		return fmt.Errorf("unexpected connect reply %q", reply.Type)
	}
	return nil
}

// readLoop processes engine frames until the connection drops.
func (s *EngineSession) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame engineFrame
		if err := readFrame(ctx, conn, &frame); err != nil {
			return err
		}
		switch frame.Type {
		case "res":
			s.handleResponse(frame)
		case "event":
			if frame.Event == nil {
				continue
			}
			s.handleEvent(*frame.Event)
		default:
			slog.Debug("Ignoring engine frame", "frame_type", frame.Type)
		}
	}
}

func (s *EngineSession) handleResponse(frame engineFrame) {
	s.mu.Lock()
	known := s.pending[frame.ID]
	delete(s.pending, frame.ID)
	s.mu.Unlock()
	if !known {
		return
	}
	if frame.OK {
		s.gw.SetAgentBusy(true)
		return
	}
	msg := "request rejected"
	if frame.Error != nil {
		msg = frame.Error.Message
	}
	slog.Warn("Engine rejected chat.send", "request_id", frame.ID, "error", msg)
	s.gw.Ingest(events.Event{Type: events.TypeError, Message: msg})
}

func (s *EngineSession) handleEvent(ev engineEvent) {
	s.gw.Ingest(normalizeEvent(ev)...)
	switch ev.Kind {
	case "chat.final", "chat.error", "chat.aborted":
		s.gw.SetAgentBusy(false)
	}
}

// normalizeEvent maps one engine event to the public event stream. A tool
// start expands to tool_start plus tool_use so clients can render the
// invocation before its input finishes streaming elsewhere.
func normalizeEvent(ev engineEvent) []events.Event {
	switch ev.Kind {
	case "chat.delta":
		return []events.Event{{Type: events.TypeTextDelta, Text: ev.Text}}
	case "chat.tool":
		switch ev.Phase {
		case "start":
			return []events.Event{
				{Type: events.TypeToolStart, Tool: ev.Tool},
				{Type: events.TypeToolUse, Tool: ev.Tool, Input: string(ev.Input)},
			}
		case "result":
			return []events.Event{{Type: events.TypeToolResult, Tool: ev.Tool, Output: ev.Output}}
		}
	case "chat.final", "chat.aborted":
		return []events.Event{{Type: events.TypeDone}}
	case "chat.error":
		return []events.Event{{Type: events.TypeError, Message: ev.Message, Code: ev.Code}}
	}
	slog.Debug("Ignoring engine event", "kind", ev.Kind)
	return nil
}

func readFrame(ctx context.Context, conn *websocket.Conn, out *engineFrame) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.New("malformed engine frame")
	}
	return nil
}

// Engine wire types.

type engineFrame struct {
	Type  string       `json:"type"`
	ID    string       `json:"id,omitempty"`
	OK    bool         `json:"ok,omitempty"`
	Error *engineError `json:"error,omitempty"`
	Event *engineEvent `json:"event,omitempty"`
}

type engineError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type engineEvent struct {
	Kind    string          `json:"kind"`
	Text    string          `json:"text,omitempty"`
	Phase   string          `json:"phase,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
}

type engineRequest struct {
	Type   string           `json:"type"`
	ID     string           `json:"id"`
	Method string           `json:"method"`
	Params engineChatParams `json:"params"`
}

type engineChatParams struct {
	Session string `json:"session"`
	Message string `json:"message"`
}

type connectRequest struct {
	Type     string            `json:"type"`
	Client   string            `json:"client"`
	Protocol protocolRange     `json:"protocol"`
	Role     string            `json:"role"`
	Auth     map[string]string `json:"auth,omitempty"`
}

type protocolRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}
