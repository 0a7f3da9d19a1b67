// Package gateway implements the in-sandbox hub between the LLM engine and
// every downstream consumer: the supervisor process, humans connected through
// the control plane relay, and the worker's HTTP side-channels. One gateway
// serves exactly one project.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/synapsehq/synapse/pkg/events"
	"github.com/synapsehq/synapse/pkg/workspace"
)

// ErrEngineNotConnected is returned when a message is submitted before the
// engine session is established.
var ErrEngineNotConnected = errors.New("engine not connected yet, please wait")

// writeTimeout bounds a single WebSocket send to one client.
const writeTimeout = 10 * time.Second

// sendQueueSize is the per-client outbound buffer. A client that cannot drain
// this many frames is disconnected rather than allowed to stall the hub.
const sendQueueSize = 256

// taskPollInterval is how often the task document's mtime is checked.
const taskPollInterval = 2 * time.Second

// InstanceInfo describes the resources the sandbox runs with, surfaced on the
// health endpoint so the supervisor can reason about its own capacity.
type InstanceInfo struct {
	Type         string  `json:"type"`
	CPUs         float64 `json:"cpus"`
	MemoryMB     int     `json:"memoryMb"`
	HostCPUs     int     `json:"hostCpus"`
	HostMemoryMB int     `json:"hostMemoryMb"`
}

// Config carries everything the gateway needs at startup.
type Config struct {
	Project          string
	SessionKeyPrefix string
	EngineURL        string
	EnginePassword   string
	EngineToken      string
	WorkspaceRoot    string
	Instance         InstanceInfo
}

// Status is the gateway's health snapshot.
type Status struct {
	OK                  bool            `json:"ok"`
	OCConnected         bool            `json:"ocConnected"`
	AgentBusy           bool            `json:"agentBusy"`
	Clients             int             `json:"clients"`
	Humans              int             `json:"humans"`
	SupervisorConnected bool            `json:"supervisorConnected"`
	Task                json.RawMessage `json:"task,omitempty"`
	Instance            InstanceInfo    `json:"instance"`
	UptimeSeconds       float64         `json:"uptimeSeconds"`
}

// Upstream submits a user message to the engine session. Implemented by
// EngineSession; tests substitute a fake.
type Upstream interface {
	Send(ctx context.Context, content string) error
}

// Gateway is the fan-out hub. All state transitions (history append, client
// registration, broadcast) happen under one mutex so every client observes
// the same total event order with no gaps or duplicates.
type Gateway struct {
	cfg       Config
	startedAt time.Time

	mu          sync.Mutex
	clients     map[string]*hubClient
	history     *History
	agentBusy   bool
	ocConnected bool
	lastTask    json.RawMessage
	up          Upstream
}

// hubClient is one downstream WebSocket connection. Frames are enqueued onto
// send under the gateway mutex and drained by a dedicated writer goroutine.
type hubClient struct {
	id     string
	role   events.Role
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a gateway hub with an empty history.
func New(cfg Config) *Gateway {
	if cfg.SessionKeyPrefix == "" {
		cfg.SessionKeyPrefix = "syn"
	}
	return &Gateway{
		cfg:       cfg,
		startedAt: time.Now(),
		clients:   make(map[string]*hubClient),
		history:   NewHistory(HistoryCap),
	}
}

// Config returns the gateway's startup configuration.
func (g *Gateway) Config() Config { return g.cfg }

// SetUpstream wires the engine session. Called once during startup, before
// any client connects.
func (g *Gateway) SetUpstream(u Upstream) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.up = u
}

// SetOCConnected records engine session liveness. A drop clears agentBusy:
// with no session there is nothing in flight. Changes are broadcast so the
// supervisor can hold prompting until the engine is back.
func (g *Gateway) SetOCConnected(connected bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ocConnected == connected {
		return
	}
	g.ocConnected = connected
	if !connected {
		g.agentBusy = false
	}
	g.broadcastStatusLocked()
}

// SetAgentBusy records whether the engine is processing a prompt.
func (g *Gateway) SetAgentBusy(busy bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.agentBusy == busy {
		return
	}
	g.agentBusy = busy
	g.broadcastStatusLocked()
}

// Ingest appends normalized engine events to the history and broadcasts them
// to every connected client. Append precedes broadcast so a client connecting
// concurrently sees each event exactly once.
func (g *Gateway) Ingest(evs ...events.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ev := range evs {
		g.history.Append(ev)
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("Failed to marshal event", "event_type", ev.Type, "error", err)
			continue
		}
		for _, c := range g.clients {
			g.enqueueLocked(c, data)
		}
	}
}

// Status returns a consistent snapshot for the health endpoint.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	humans, supervisor := g.countsLocked()
	return Status{
		OK:                  true,
		OCConnected:         g.ocConnected,
		AgentBusy:           g.agentBusy,
		Clients:             len(g.clients),
		Humans:              humans,
		SupervisorConnected: supervisor,
		Task:                g.lastTask,
		Instance:            g.cfg.Instance,
		UptimeSeconds:       time.Since(g.startedAt).Seconds(),
	}
}

// SendMessage submits a human or supervisor message to the engine. The
// returned error is ErrEngineNotConnected until the engine session is up.
func (g *Gateway) SendMessage(ctx context.Context, content string) error {
	g.mu.Lock()
	up, connected := g.up, g.ocConnected
	g.mu.Unlock()
	if !connected || up == nil {
		return ErrEngineNotConnected
	}
	return up.Send(ctx, content)
}

// SupervisorControl forwards a control action to every connected supervisor
// client. Returns false when no supervisor is connected.
func (g *Gateway) SupervisorControl(action string) bool {
	frame := events.SupervisorControlFrame{Type: events.FrameSupervisorControl, Action: action}
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	forwarded := false
	for _, c := range g.clients {
		if c.role == events.RoleSupervisor {
			g.enqueueLocked(c, data)
			forwarded = true
		}
	}
	return forwarded
}

// HandleConnection owns one downstream WebSocket for its lifetime. The
// connect sequence (history, status, current task) is enqueued atomically
// with registration, then the read loop runs until the peer disconnects.
// Blocks until the connection closes.
func (g *Gateway) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &hubClient{
		id:     uuid.New().String(),
		role:   events.RoleUnknown,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	g.mu.Lock()
	g.clients[c.id] = c
	g.enqueueJSONLocked(c, events.HistoryFrame{Type: events.FrameHistory, Events: g.history.Snapshot()})
	humans, supervisor := g.countsLocked()
	g.enqueueJSONLocked(c, events.StatusFrame{
		Type:                events.FrameStatus,
		AgentBusy:           g.agentBusy,
		HumanCount:          humans,
		SupervisorConnected: supervisor,
		OCConnected:         g.ocConnected,
	})
	if g.lastTask != nil {
		g.enqueueJSONLocked(c, events.TaskStatusFrame{Type: events.FrameTaskStatus, Task: g.lastTask})
	}
	g.mu.Unlock()

	go g.writeLoop(c)
	defer g.unregister(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frame, ok := events.DecodeClientFrame(data)
		if !ok {
			continue
		}
		switch frame.Type {
		case events.FrameIdentify:
			g.identify(c, events.ParseRole(frame.Role))
		case events.FrameUserMessage:
			if err := g.SendMessage(ctx, frame.Content); err != nil {
				g.sendError(c, err)
			}
		}
	}
}

// WatchTask polls the task document and broadcasts a task_status frame on
// every content change. Blocks until ctx is cancelled.
func (g *Gateway) WatchTask(ctx context.Context) {
	path := workspace.TaskPath(g.cfg.WorkspaceRoot)
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.ModTime().After(lastMod) {
			continue
		}
		lastMod = info.ModTime()
		data, err := os.ReadFile(path)
		if err != nil || !json.Valid(data) {
			continue
		}
		g.PublishTask(data)
	}
}

// PublishTask records the current task document and broadcasts it.
func (g *Gateway) PublishTask(task json.RawMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastTask = task
	frame := events.TaskStatusFrame{Type: events.FrameTaskStatus, Task: task}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	for _, c := range g.clients {
		g.enqueueLocked(c, data)
	}
}

func (g *Gateway) identify(c *hubClient, role events.Role) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.role == role {
		return
	}
	c.role = role
	g.broadcastClientChangeLocked()
	slog.Info("Client identified", "connection_id", c.id, "role", role)
}

func (g *Gateway) sendError(c *hubClient, err error) {
	data, merr := json.Marshal(events.Event{Type: events.TypeError, Message: err.Error()})
	if merr != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enqueueLocked(c, data)
}

func (g *Gateway) unregister(c *hubClient) {
	g.mu.Lock()
	if _, ok := g.clients[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.id)
	close(c.send)
	hadRole := c.role != events.RoleUnknown
	if hadRole {
		g.broadcastClientChangeLocked()
	}
	g.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "")
	slog.Debug("Client disconnected", "connection_id", c.id, "role", c.role)
}

// countsLocked returns the human count and supervisor presence.
func (g *Gateway) countsLocked() (humans int, supervisor bool) {
	for _, c := range g.clients {
		switch c.role {
		case events.RoleHuman:
			humans++
		case events.RoleSupervisor:
			supervisor = true
		}
	}
	return humans, supervisor
}

// broadcastStatusLocked pushes a fresh status frame to every client after an
// engine-side transition (session up/down, busy flips).
func (g *Gateway) broadcastStatusLocked() {
	humans, supervisor := g.countsLocked()
	frame := events.StatusFrame{
		Type:                events.FrameStatus,
		AgentBusy:           g.agentBusy,
		HumanCount:          humans,
		SupervisorConnected: supervisor,
		OCConnected:         g.ocConnected,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	for _, c := range g.clients {
		g.enqueueLocked(c, data)
	}
}

func (g *Gateway) broadcastClientChangeLocked() {
	humans, supervisor := g.countsLocked()
	frame := events.ClientChangeFrame{
		Type:                events.FrameClientChange,
		Humans:              humans,
		SupervisorConnected: supervisor,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	for _, c := range g.clients {
		g.enqueueLocked(c, data)
	}
}

func (g *Gateway) enqueueJSONLocked(c *hubClient, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal frame", "error", err)
		return
	}
	g.enqueueLocked(c, data)
}

// enqueueLocked hands a frame to the client's writer. A full queue means the
// client has stopped draining; it is cancelled and the writer cleans up.
func (g *Gateway) enqueueLocked(c *hubClient, data []byte) {
	select {
	case c.send <- data:
	default:
		slog.Warn("Dropping slow client", "connection_id", c.id, "role", c.role)
		c.cancel()
	}
}

func (g *Gateway) writeLoop(c *hubClient) {
	for {
		select {
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}
