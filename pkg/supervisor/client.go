package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/synapsehq/synapse/pkg/events"
)

// Incoming is a gateway frame decoded for the supervisor's needs. Frames it
// has no use for (history replay, status echoes of its own state) are still
// surfaced so the loop can observe presence.
type Incoming struct {
	Kind string

	Event  events.Event
	Action string

	Humans              int
	SupervisorConnected bool
	AgentBusy           bool
	OCConnected         bool

	Task json.RawMessage
}

// Incoming kinds.
const (
	KindEvent    = "event"
	KindControl  = "control"
	KindPresence = "presence"
	KindStatus   = "status"
	KindTask     = "task"
)

// Client is the supervisor's connection to the gateway. It identifies itself
// with the supervisor role on connect and decodes the frame stream onto a
// channel the turn loop selects on.
type Client struct {
	conn   *websocket.Conn
	frames chan Incoming
}

// Dial connects to the gateway and identifies as the supervisor.
func Dial(ctx context.Context, url string) (*Client, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("supervisor: dial gateway: %w", err)
	}

	identify, _ := json.Marshal(map[string]string{
		"type": events.FrameIdentify,
		"role": string(events.RoleSupervisor),
	})
	if err := conn.Write(dctx, websocket.MessageText, identify); err != nil {
		conn.Close(websocket.StatusInternalError, "identify failed")
		return nil, fmt.Errorf("supervisor: identify: %w", err)
	}

	return &Client{conn: conn, frames: make(chan Incoming, 64)}, nil
}

// Frames returns the decoded frame stream. Closed when the connection drops.
func (c *Client) Frames() <-chan Incoming { return c.frames }

// Run reads frames until the connection drops, then closes Frames.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.frames)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		in, ok := decodeIncoming(data)
		if !ok {
			continue
		}
		select {
		case c.frames <- in:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send submits a prompt as a user message.
func (c *Client) Send(ctx context.Context, content string) error {
	data, err := json.Marshal(map[string]string{
		"type":    events.FrameUserMessage,
		"content": content,
	})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// Close tears the connection down.
func (c *Client) Close() {
	c.conn.Close(websocket.StatusNormalClosure, "")
}

type gatewayFrame struct {
	Type string `json:"type"`

	Text    string `json:"text,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Input   string `json:"input,omitempty"`
	Output  string `json:"output,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	Action string `json:"action,omitempty"`

	Humans              int  `json:"humans"`
	HumanCount          int  `json:"humanCount"`
	SupervisorConnected bool `json:"supervisorConnected"`
	AgentBusy           bool `json:"agentBusy"`
	OCConnected         bool `json:"ocConnected"`

	Task json.RawMessage `json:"task,omitempty"`
}

func decodeIncoming(data []byte) (Incoming, bool) {
	var f gatewayFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Incoming{}, false
	}
	switch events.Type(f.Type) {
	case events.TypeTextDelta, events.TypeToolStart, events.TypeToolUse, events.TypeToolResult, events.TypeDone, events.TypeError:
		return Incoming{Kind: KindEvent, Event: events.Event{
			Type:    events.Type(f.Type),
			Text:    f.Text,
			Tool:    f.Tool,
			Input:   f.Input,
			Output:  f.Output,
			Message: f.Message,
			Code:    f.Code,
		}}, true
	}
	switch f.Type {
	case events.FrameSupervisorControl:
		return Incoming{Kind: KindControl, Action: f.Action}, true
	case events.FrameClientChange:
		return Incoming{Kind: KindPresence, Humans: f.Humans, SupervisorConnected: f.SupervisorConnected}, true
	case events.FrameStatus:
		return Incoming{
			Kind:        KindStatus,
			Humans:      f.HumanCount,
			AgentBusy:   f.AgentBusy,
			OCConnected: f.OCConnected,
		}, true
	case events.FrameTaskStatus:
		return Incoming{Kind: KindTask, Task: f.Task}, true
	}
	return Incoming{}, false
}
