package api

import "time"

// CreateProjectRequest is the body for POST /api/projects.
type CreateProjectRequest struct {
	Name         string            `json:"name"`
	InstanceType string            `json:"instance_type,omitempty"`
	LLMAPIKey    string            `json:"llm_api_key,omitempty"`
	ExtraEnv     map[string]string `json:"extra_env,omitempty"`
	MCPServers   []string          `json:"mcp_servers,omitempty"`
}

// UpdateConfigRequest rotates a project's sealed configuration. Empty fields
// are left untouched; the new values take effect on the next restart.
type UpdateConfigRequest struct {
	LLMAPIKey string            `json:"llm_api_key,omitempty"`
	ExtraEnv  map[string]string `json:"extra_env,omitempty"`
}

// ResizeRequest is the body for POST /api/projects/:name/resize.
type ResizeRequest struct {
	InstanceType string `json:"instance_type"`
}

// ExecRequest runs one shell command in the project's sandbox.
type ExecRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// PutSecretRequest upserts one named secret.
type PutSecretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RespondRequest answers a question the agent asked.
type RespondRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// MessageRequest delivers a chat message to the agent.
type MessageRequest struct {
	Message string `json:"message"`
}

// SupervisorRequest forwards one control action to the supervisor.
type SupervisorRequest struct {
	Action string `json:"action"`
}

// DirectiveRequest adds one standing operator directive.
type DirectiveRequest struct {
	Text string `json:"text"`
}

// HeartbeatRequest is the body workers POST to /api/workers/heartbeat.
type HeartbeatRequest struct {
	Project string `json:"project"`
}

// ProjectResponse is a project row with its status synthesized from the
// worker when one is mid-transition.
type ProjectResponse struct {
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	InstanceType string    `json:"instance_type,omitempty"`
	MCPServers   []string  `json:"mcp_servers,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Worker *WorkerResponse `json:"worker,omitempty"`
}

// WorkerResponse summarizes a project's dedicated instance. The sealed token
// never leaves the store.
type WorkerResponse struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	InstanceType  string     `json:"instance_type"`
	Region        string     `json:"region,omitempty"`
	PrivateIP     string     `json:"private_ip,omitempty"`
	PublicIP      string     `json:"public_ip,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// SecretResponse lists a secret's key and timestamps, never its value.
type SecretResponse struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
