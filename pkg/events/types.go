// Package events defines the wire envelope between the gateway and its
// downstream clients (supervisor, humans, the control-plane relay).
//
// Every server→client frame and client→server frame is a closed tagged
// variant discriminated by the "type" field. Unknown types at ingress are
// dropped with a debug log, never an error or a panic.
package events

import (
	"encoding/json"
	"log/slog"
)

// Event is one observable LLM-engine occurrence, normalized by the gateway
// from its upstream session. Events are value types: the history ring stores
// copies and clients receive snapshots.
type Event struct {
	Type Type `json:"type"`

	// text_delta
	Text string `json:"text,omitempty"`

	// tool_start / tool_use / tool_result
	Tool   string `json:"tool,omitempty"`
	Input  string `json:"input,omitempty"` // JSON-encoded tool input
	Output string `json:"output,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Type discriminates Event variants.
type Type string

// Event types emitted by the gateway.
const (
	TypeTextDelta  Type = "text_delta"
	TypeToolStart  Type = "tool_start"
	TypeToolUse    Type = "tool_use"
	TypeToolResult Type = "tool_result"
	TypeDone       Type = "done"
	TypeError      Type = "error"
)

// Control frame types (server→client unless noted).
const (
	FrameHistory           = "history"
	FrameStatus            = "status"
	FrameClientChange      = "client_change"
	FrameTaskStatus        = "task_status"
	FrameSupervisorControl = "supervisor_control"

	// client→server
	FrameIdentify    = "identify"
	FrameUserMessage = "user_message"
)

// Role classifies a downstream gateway client.
type Role string

// Client roles.
const (
	RoleSupervisor Role = "supervisor"
	RoleHuman      Role = "human"
	RoleUnknown    Role = "unknown"
)

// Supervisor control actions forwarded through the gateway.
const (
	ActionPause   = "pause"
	ActionResume  = "resume"
	ActionStop    = "stop"
	ActionRestart = "restart"
)

// ValidAction reports whether s is a recognized supervisor control action.
func ValidAction(s string) bool {
	switch s {
	case ActionPause, ActionResume, ActionStop, ActionRestart:
		return true
	}
	return false
}

// HistoryFrame carries the full event ring to a newly connected client.
type HistoryFrame struct {
	Type   string  `json:"type"` // always FrameHistory
	Events []Event `json:"events"`
}

// StatusFrame is sent once after the history on connect.
type StatusFrame struct {
	Type                string `json:"type"` // always FrameStatus
	AgentBusy           bool   `json:"agentBusy"`
	HumanCount          int    `json:"humanCount"`
	SupervisorConnected bool   `json:"supervisorConnected"`
	OCConnected         bool   `json:"ocConnected"`
}

// ClientChangeFrame is broadcast whenever the human/supervisor counts change.
type ClientChangeFrame struct {
	Type                string `json:"type"` // always FrameClientChange
	Humans              int    `json:"humans"`
	SupervisorConnected bool   `json:"supervisorConnected"`
}

// TaskStatusFrame carries the current task document. The task payload is
// opaque to the envelope; the gateway forwards whatever is on disk.
type TaskStatusFrame struct {
	Type string          `json:"type"` // always FrameTaskStatus
	Task json.RawMessage `json:"task"`
}

// SupervisorControlFrame instructs the supervisor to pause, resume, stop, or
// restart. Produced by the gateway's HTTP control side-channel.
type SupervisorControlFrame struct {
	Type   string `json:"type"` // always FrameSupervisorControl
	Action string `json:"action"`
}

// ClientFrame is the decoded form of a client→server message.
type ClientFrame struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`    // identify
	Content string `json:"content,omitempty"` // user_message
}

// DecodeClientFrame parses a client→server frame. Returns ok=false for
// malformed JSON or unrecognized types; the caller drops those.
func DecodeClientFrame(data []byte) (ClientFrame, bool) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Debug("Dropping malformed client frame", "error", err)
		return ClientFrame{}, false
	}
	switch f.Type {
	case FrameIdentify, FrameUserMessage:
		return f, true
	default:
		slog.Debug("Dropping unknown client frame", "frame_type", f.Type)
		return ClientFrame{}, false
	}
}

// ParseRole maps a client-supplied role string to a Role, defaulting to
// RoleUnknown for anything unrecognized.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleSupervisor, RoleHuman:
		return Role(s)
	}
	return RoleUnknown
}
