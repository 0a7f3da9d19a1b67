package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/synapsehq/synapse/pkg/provision"
	"github.com/synapsehq/synapse/pkg/sandbox"
	"github.com/synapsehq/synapse/pkg/secretbox"
	"github.com/synapsehq/synapse/pkg/store"
	"github.com/synapsehq/synapse/pkg/task"
	"github.com/synapsehq/synapse/pkg/worker"
)

// ErrNoTask is returned when a project's workspace has no task document.
var ErrNoTask = errors.New("no task")

// Gateway probe budget after a local container create.
const (
	defaultProbeTimeout = 120 * time.Second
	defaultProbeEvery   = 2 * time.Second
)

// agent is the operation surface shared by remote workers and local
// sandboxes.
type agent interface {
	CreateContainer(ctx context.Context, req worker.CreateContainerRequest) (worker.CreateContainerResponse, error)
	DestroyContainer(ctx context.Context, removeVolume bool) error
	Exec(ctx context.Context, command string, timeoutSeconds int) (sandbox.ExecResult, error)
	PutTask(ctx context.Context, t *task.Task) (*task.Task, error)
	GetTask(ctx context.Context) (*task.Task, error)
	Memory(ctx context.Context) (map[string]string, error)
	Logs(ctx context.Context, lines int) ([]string, error)
	SendMessage(ctx context.Context, message string) error
	SupervisorControl(ctx context.Context, action string) error
	DialGateway(ctx context.Context) (*websocket.Conn, error)
}

// SandboxFactory builds a local sandbox handle for a project.
type SandboxFactory func(project string) (sandbox.Sandbox, error)

// Config configures the manager.
type Config struct {
	// Image is the agent container image.
	Image string

	GatewayPort int
	WorkerPort  int

	// InstanceTable maps instance types to capacity. Nil means the default.
	InstanceTable map[string]InstanceSpec

	// HostSpec is the local machine's capacity, used in local mode.
	HostSpec InstanceSpec

	// ProbeTimeout and ProbeEvery bound the local gateway readiness wait.
	ProbeTimeout time.Duration
	ProbeEvery   time.Duration

	// Sandboxes builds local sandbox handles. Defaults to the Docker adapter.
	Sandboxes SandboxFactory
}

// Manager routes project container operations to a remote worker or the
// local daemon. A project runs remotely exactly when it has a live, ready
// worker; everything else falls back to local mode.
type Manager struct {
	cfg  Config
	db   *store.Store
	box  *secretbox.Box
	prov *provision.Provisioner
}

// New builds a manager.
func New(cfg Config, db *store.Store, box *secretbox.Box, prov *provision.Provisioner) *Manager {
	if cfg.GatewayPort == 0 {
		cfg.GatewayPort = 7777
	}
	if cfg.WorkerPort == 0 {
		cfg.WorkerPort = 7070
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.ProbeEvery == 0 {
		cfg.ProbeEvery = defaultProbeEvery
	}
	if cfg.HostSpec == (InstanceSpec{}) {
		host := worker.DetectHost()
		cfg.HostSpec = InstanceSpec{CPUs: float64(host.CPUs), MemoryMB: host.MemoryMB}
	}
	if cfg.Sandboxes == nil {
		cfg.Sandboxes = func(project string) (sandbox.Sandbox, error) {
			return sandbox.NewDocker(project)
		}
	}
	return &Manager{cfg: cfg, db: db, box: box, prov: prov}
}

// Remote reports whether the project currently routes to a worker.
func (m *Manager) Remote(ctx context.Context, projectName string) bool {
	w, err := m.db.GetWorkerByProject(ctx, projectName)
	return err == nil && w.Status == store.WorkerReady
}

// agentFor resolves the operation surface for a project.
func (m *Manager) agentFor(ctx context.Context, projectName string) (agent, error) {
	w, err := m.db.GetWorkerByProject(ctx, projectName)
	if err == nil && w.Status == store.WorkerReady {
		token, terr := m.prov.WorkerToken(w)
		if terr != nil {
			return nil, fmt.Errorf("manager: unseal worker token: %w", terr)
		}
		return worker.NewClient(fmt.Sprintf("http://%s:%d", w.PrivateIP, m.cfg.WorkerPort), token), nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sb, err := m.cfg.Sandboxes(projectName)
	if err != nil {
		return nil, fmt.Errorf("manager: local sandbox: %w", err)
	}
	return newLocalAgent(sb, m.cfg.GatewayPort, m.cfg.ProbeTimeout, m.cfg.ProbeEvery), nil
}

// CreateContainer composes the environment and brings the project's sandbox
// online, tracking the transition on the project row. Restart is the same
// operation: the environment is recomposed so rotated secrets take effect.
func (m *Manager) CreateContainer(ctx context.Context, projectName string) error {
	p, err := m.db.GetProject(ctx, projectName)
	if err != nil {
		return err
	}
	if err := m.db.UpdateProjectStatus(ctx, projectName, store.ProjectBootstrapping); err != nil {
		return err
	}

	secrets, err := loadSecrets(ctx, m.db, projectName)
	if err != nil {
		return m.failProject(ctx, projectName, err)
	}
	spec := m.specFor(ctx, p)
	env, err := ComposeEnv(m.box, p, secrets, spec, m.hostFor(ctx, p))
	if err != nil {
		return m.failProject(ctx, projectName, err)
	}

	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return m.failProject(ctx, projectName, err)
	}
	resp, err := a.CreateContainer(ctx, worker.CreateContainerRequest{
		Image:    m.cfg.Image,
		Env:      env,
		CPUs:     spec.CPUs,
		MemoryMB: spec.MemoryMB,
	})
	if err != nil {
		return m.failProject(ctx, projectName, err)
	}

	slog.Info("Container online",
		"project", projectName,
		"container_id", resp.ContainerID,
		"cpus", resp.AppliedCPUs,
		"memory_mb", resp.AppliedMemoryMB)
	return m.db.UpdateProjectStatus(ctx, projectName, store.ProjectRunning)
}

// DestroyContainer tears the project's sandbox down.
func (m *Manager) DestroyContainer(ctx context.Context, projectName string, removeVolume bool) error {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return err
	}
	return a.DestroyContainer(ctx, removeVolume)
}

// Exec runs a command in the project's sandbox.
func (m *Manager) Exec(ctx context.Context, projectName, command string, timeoutSeconds int) (sandbox.ExecResult, error) {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	return a.Exec(ctx, command, timeoutSeconds)
}

// PutTask installs a task document in the project's workspace.
func (m *Manager) PutTask(ctx context.Context, projectName string, t *task.Task) (*task.Task, error) {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return a.PutTask(ctx, t)
}

// GetTask reads the project's current task document.
func (m *Manager) GetTask(ctx context.Context, projectName string) (*task.Task, error) {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return a.GetTask(ctx)
}

// Memory reads the project's memory files.
func (m *Manager) Memory(ctx context.Context, projectName string) (map[string]string, error) {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return a.Memory(ctx)
}

// Logs tails the project's supervisor log.
func (m *Manager) Logs(ctx context.Context, projectName string, lines int) ([]string, error) {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return a.Logs(ctx, lines)
}

// SendMessage delivers a chat message to the project's agent.
func (m *Manager) SendMessage(ctx context.Context, projectName, message string) error {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return err
	}
	return a.SendMessage(ctx, message)
}

// SupervisorControl forwards a control action to the project's supervisor.
func (m *Manager) SupervisorControl(ctx context.Context, projectName, action string) error {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return err
	}
	return a.SupervisorControl(ctx, action)
}

// DialGateway opens a WebSocket to the project's gateway for relaying.
func (m *Manager) DialGateway(ctx context.Context, projectName string) (*websocket.Conn, error) {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return a.DialGateway(ctx)
}

// specFor resolves the container capacity for a project.
func (m *Manager) specFor(ctx context.Context, p *store.Project) InstanceSpec {
	if m.Remote(ctx, p.Name) {
		return SpecFor(p.InstanceType, m.cfg.InstanceTable)
	}
	// Local mode: never ask for more than the machine has.
	spec := SpecFor(p.InstanceType, m.cfg.InstanceTable)
	if m.cfg.HostSpec.CPUs > 0 && spec.CPUs > m.cfg.HostSpec.CPUs {
		spec.CPUs = m.cfg.HostSpec.CPUs
	}
	if m.cfg.HostSpec.MemoryMB > 0 && spec.MemoryMB > m.cfg.HostSpec.MemoryMB {
		spec.MemoryMB = m.cfg.HostSpec.MemoryMB
	}
	return spec
}

// hostFor resolves the machine capacity behind a project's sandbox.
func (m *Manager) hostFor(ctx context.Context, p *store.Project) InstanceSpec {
	if m.Remote(ctx, p.Name) {
		return SpecFor(p.InstanceType, m.cfg.InstanceTable)
	}
	return m.cfg.HostSpec
}

func (m *Manager) failProject(ctx context.Context, projectName string, err error) error {
	if uerr := m.db.UpdateProjectStatus(context.WithoutCancel(ctx), projectName, store.ProjectError); uerr != nil {
		slog.Error("Failed to mark project errored", "project", projectName, "error", uerr)
	}
	return err
}
