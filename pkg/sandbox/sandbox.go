// Package sandbox abstracts the local execution unit hosting one project's
// agent: a container with a named workspace volume that survives restarts
// and resizes, released only on project destroy.
package sandbox

import (
	"context"
	"time"
)

// ExecResult is the outcome of one command run inside the sandbox. Stdout is
// populated on failure too; the agent inspects failure output.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Spec describes the sandbox to create.
type Spec struct {
	Project       string
	Image         string
	Env           map[string]string
	CPULimit      float64
	MemoryLimitMB int
}

// Sandbox is the capability set consumed by the worker agent and, in local
// mode, by the control plane directly.
type Sandbox interface {
	// Create brings the sandbox online, creating or reusing the named
	// workspace volume, and returns the sandbox id.
	Create(ctx context.Context, spec Spec) (string, error)

	// Destroy tears the sandbox down. Idempotent. The workspace volume is
	// removed only when removeVolume is true.
	Destroy(ctx context.Context, removeVolume bool) error

	// Exec runs argv inside the sandbox with a timeout.
	Exec(ctx context.Context, argv []string, timeout time.Duration) (ExecResult, error)

	// IP returns the sandbox's internal address, where the gateway listens.
	IP(ctx context.Context) (string, error)

	// Health probes sandbox liveness.
	Health(ctx context.Context) error
}
