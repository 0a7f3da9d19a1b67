package worker

import (
	"encoding/json"

	"github.com/synapsehq/synapse/pkg/sandbox"
)

// CreateContainerRequest asks the worker to bring up the project sandbox.
// Env arrives fully composed; the worker applies it as-is.
type CreateContainerRequest struct {
	Image    string            `json:"image"`
	Env      map[string]string `json:"env"`
	CPUs     float64           `json:"cpus"`
	MemoryMB int               `json:"memory_mb"`
}

// CreateContainerResponse reports the applied limits, which may be smaller
// than requested on an undersized host.
type CreateContainerResponse struct {
	ContainerID     string  `json:"container_id"`
	IP              string  `json:"ip"`
	AppliedCPUs     float64 `json:"applied_cpus"`
	AppliedMemoryMB int     `json:"applied_memory_mb"`
}

// DestroyContainerRequest tears the sandbox down. The workspace volume is
// kept unless RemoveVolume is set.
type DestroyContainerRequest struct {
	RemoveVolume bool `json:"remove_volume"`
}

// ExecRequest runs a shell command inside the sandbox.
type ExecRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// MessageRequest carries a chat message for the agent.
type MessageRequest struct {
	Message string `json:"message"`
}

// ControlRequest carries a supervisor control action.
type ControlRequest struct {
	Action string `json:"action"`
}

// HealthResponse is the worker's own health report. Gateway carries the
// in-container gateway's health body verbatim, or null when the sandbox is
// down or the gateway unreachable.
type HealthResponse struct {
	OK             bool            `json:"ok"`
	Project        string          `json:"project"`
	SandboxRunning bool            `json:"sandboxRunning"`
	Gateway        json.RawMessage `json:"gateway"`
	UptimeSeconds  float64         `json:"uptimeSeconds"`
}

// LogsResponse returns supervisor log lines, oldest first.
type LogsResponse struct {
	Lines []string `json:"lines"`
}

// MemoryResponse maps memory file names to their contents.
type MemoryResponse struct {
	Files map[string]string `json:"files"`
}

// ExecResponse wraps a sandbox exec result.
type ExecResponse struct {
	sandbox.ExecResult
}
