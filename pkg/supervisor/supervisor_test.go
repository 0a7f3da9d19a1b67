package supervisor

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsehq/synapse/pkg/events"
	"github.com/synapsehq/synapse/pkg/gateway"
	"github.com/synapsehq/synapse/pkg/task"
	"github.com/synapsehq/synapse/pkg/workspace"
)

func TestMemoryTracker(t *testing.T) {
	root := t.TempDir()
	var m memoryTracker

	// First observation records the baseline.
	assert.False(t, m.Observe(root, ClassProductive))
	assert.False(t, m.Observe(root, ClassProductive))
	assert.False(t, m.Observe(root, ClassProductive))
	assert.True(t, m.Observe(root, ClassProductive))

	// Stalled turns do not accumulate.
	m = memoryTracker{}
	m.Observe(root, ClassProductive)
	assert.False(t, m.Observe(root, ClassEmpty))
	assert.False(t, m.Observe(root, ClassEmpty))
	assert.False(t, m.Observe(root, ClassEmpty))

	// A write resets the counter.
	m = memoryTracker{}
	m.Observe(root, ClassProductive)
	m.Observe(root, ClassProductive)
	require.NoError(t, os.WriteFile(filepath.Join(root, workspace.ShortTermMemoryFile), []byte("notes"), 0o644))
	assert.False(t, m.Observe(root, ClassProductive))
}

func TestDecodeIncoming(t *testing.T) {
	in, ok := decodeIncoming([]byte(`{"type":"tool_use","tool":"bash","input":"{}"}`))
	require.True(t, ok)
	assert.Equal(t, KindEvent, in.Kind)
	assert.Equal(t, events.TypeToolUse, in.Event.Type)
	assert.Equal(t, "bash", in.Event.Tool)

	in, ok = decodeIncoming([]byte(`{"type":"supervisor_control","action":"pause"}`))
	require.True(t, ok)
	assert.Equal(t, KindControl, in.Kind)
	assert.Equal(t, "pause", in.Action)

	in, ok = decodeIncoming([]byte(`{"type":"client_change","humans":2,"supervisorConnected":true}`))
	require.True(t, ok)
	assert.Equal(t, KindPresence, in.Kind)
	assert.Equal(t, 2, in.Humans)

	in, ok = decodeIncoming([]byte(`{"type":"task_status","task":{"id":"t1"}}`))
	require.True(t, ok)
	assert.Equal(t, KindTask, in.Kind)
	assert.Equal(t, json.RawMessage(`{"id":"t1"}`), in.Task)

	_, ok = decodeIncoming([]byte(`{"type":"history","events":[]}`))
	assert.False(t, ok)
	_, ok = decodeIncoming([]byte(`not json`))
	assert.False(t, ok)
}

func TestApplyControl(t *testing.T) {
	root := t.TempDir()
	s := New(Config{WorkspaceRoot: root, GatewayURL: "ws://unused"})

	require.NoError(t, s.applyControl(events.ActionPause))
	assert.True(t, s.paused)
	require.NoError(t, s.applyControl(events.ActionResume))
	assert.False(t, s.paused)

	// Restart exits the process; the watchdog respawns a clean supervisor.
	assert.ErrorIs(t, s.applyControl(events.ActionRestart), ErrRestartRequested)

	tk := task.New("demo")
	require.NoError(t, task.Save(workspace.TaskPath(root), tk))
	assert.ErrorIs(t, s.applyControl(events.ActionStop), ErrStopRequested)
	loaded, err := task.Load(workspace.TaskPath(root))
	require.NoError(t, err)
	assert.Equal(t, task.StatusStopped, loaded.Status)
	assert.Equal(t, task.ReasonOperator, loaded.CompletionReason)
}

func TestEscalate(t *testing.T) {
	s := New(Config{GatewayURL: "ws://unused", WorkspaceRoot: t.TempDir()})
	s.needFull = false

	// Only the consecutive-empty streak escalates; idle and error turns that
	// push NonProductive up do not.
	s.streaks = Streaks{NonProductive: escalateFullAfter, Idle: escalateFullAfter}
	s.escalate()
	assert.False(t, s.needFull)

	s.streaks = Streaks{NonProductive: escalateFullAfter - 1, Empty: escalateFullAfter - 1}
	s.escalate()
	assert.False(t, s.needFull)

	s.streaks = Streaks{NonProductive: escalateFullAfter, Empty: escalateFullAfter}
	s.escalate()
	assert.True(t, s.needFull)

	s.needFull = false
	s.streaks = Streaks{NonProductive: escalateReinitAfter, Empty: escalateReinitAfter}
	s.escalate()
	assert.True(t, s.needFull)
	assert.Equal(t, Streaks{}, s.streaks)
}

func TestHandleBackgroundTracksEngineStatus(t *testing.T) {
	s := New(Config{GatewayURL: "ws://unused", WorkspaceRoot: t.TempDir()})

	require.NoError(t, s.handleBackground(Incoming{Kind: KindStatus, Humans: 1, OCConnected: true, AgentBusy: true}))
	assert.Equal(t, 1, s.humans)
	assert.True(t, s.ocConnected)
	assert.True(t, s.agentBusy)

	require.NoError(t, s.handleBackground(Incoming{Kind: KindStatus, OCConnected: true}))
	assert.Equal(t, 0, s.humans)
	assert.False(t, s.agentBusy)
}

func TestConfirmCompletion_RevertsOnFailedVerify(t *testing.T) {
	root := t.TempDir()
	s := New(Config{WorkspaceRoot: root, GatewayURL: "ws://unused"})
	s.cfg.Exec = func(_ context.Context, _ string, _ time.Duration) (string, int, error) {
		return "5\n", 0, nil
	}

	tk := task.New("demo")
	tk.Type = task.TypeMeasurable
	tk.Goal = task.Goal{VerifyCommand: "echo 5", TargetValue: floatPtr(10), Direction: task.DirectionAbove}
	tk.Status = task.StatusCompleted
	path := workspace.TaskPath(root)
	require.NoError(t, task.Save(path, tk))

	s.confirmCompletion(context.Background(), tk, path)

	loaded, err := task.Load(path)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, loaded.Status)
	assert.Nil(t, loaded.CompletedAt)
	require.NotNil(t, loaded.Progress.LatestMetric)
	assert.Equal(t, 5.0, *loaded.Progress.LatestMetric)
	assert.True(t, s.verifyFailed)
}

func TestConfirmCompletion_ArchivesOnPass(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, workspace.ShortTermMemoryFile), []byte("notes"), 0o644))

	s := New(Config{WorkspaceRoot: root, GatewayURL: "ws://unused"})
	s.cfg.Exec = func(_ context.Context, _ string, _ time.Duration) (string, int, error) {
		return "42\n", 0, nil
	}

	tk := task.New("demo")
	tk.Type = task.TypeMeasurable
	tk.Goal = task.Goal{VerifyCommand: "echo 42", TargetValue: floatPtr(10), Direction: task.DirectionAbove}
	tk.Status = task.StatusCompleted
	path := workspace.TaskPath(root)
	require.NoError(t, task.Save(path, tk))

	s.confirmCompletion(context.Background(), tk, path)

	loaded, err := task.Load(path)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, loaded.Status)
	assert.NotNil(t, loaded.CompletedAt)
	assert.Equal(t, "goal_met", loaded.CompletionReason)
	assert.False(t, s.verifyFailed)

	archived := filepath.Join(root, workspace.ArchiveDir, tk.ID, workspace.ShortTermMemoryFile)
	_, err = os.Stat(archived)
	assert.NoError(t, err)
}

func TestConfirmCompletion_NoVerifyCommandAccepts(t *testing.T) {
	root := t.TempDir()
	s := New(Config{WorkspaceRoot: root, GatewayURL: "ws://unused"})

	tk := task.New("demo")
	tk.Status = task.StatusCompleted
	path := workspace.TaskPath(root)
	require.NoError(t, task.Save(path, tk))

	s.confirmCompletion(context.Background(), tk, path)

	loaded, err := task.Load(path)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, loaded.Status)
	assert.NotNil(t, loaded.CompletedAt)
}

// scriptedEngine acks every message with one tool call and a short summary.
type scriptedEngine struct {
	gw *gateway.Gateway
}

func (e *scriptedEngine) Send(_ context.Context, _ string) error {
	e.gw.SetAgentBusy(true)
	go func() {
		e.gw.Ingest(
			events.Event{Type: events.TypeToolStart, Tool: "bash"},
			events.Event{Type: events.TypeToolUse, Tool: "bash", Input: `{"cmd":"make test"}`},
			events.Event{Type: events.TypeToolResult, Tool: "bash", Output: "ok"},
			events.Event{Type: events.TypeTextDelta, Text: "ran the tests, all green"},
			events.Event{Type: events.TypeDone},
		)
		e.gw.SetAgentBusy(false)
	}()
	return nil
}

// silentEngine records sends without ever producing events.
type silentEngine struct {
	sent chan string
}

func (e *silentEngine) Send(_ context.Context, content string) error {
	e.sent <- content
	return nil
}

func TestSupervisorHoldsPromptingUntilEngineConnects(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, task.Save(workspace.TaskPath(root), task.New("demo")))

	gw := gateway.New(gateway.Config{Project: "demo", WorkspaceRoot: root})
	up := &silentEngine{sent: make(chan string, 1)}
	gw.SetUpstream(up)

	ts := httptest.NewServer(gateway.NewServer(gw, "127.0.0.1:0").Handler())
	defer ts.Close()

	sup := New(Config{
		GatewayURL:     strings.Replace(ts.URL, "http", "ws", 1) + "/ws",
		WorkspaceRoot:  root,
		PresenceSettle: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	// Engine down: no prompt may go out.
	select {
	case msg := <-up.sent:
		t.Fatalf("prompt sent while engine disconnected: %q", msg)
	case <-time.After(1500 * time.Millisecond):
	}

	// Engine up: the status broadcast releases the first prompt.
	gw.SetOCConnected(true)
	select {
	case <-up.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("no prompt after engine connected")
	}
}

func TestSupervisorCompletesATurn(t *testing.T) {
	root := t.TempDir()
	tk := task.New("demo")
	tk.Goal.Description = "keep the build green"
	require.NoError(t, task.Save(workspace.TaskPath(root), tk))

	gw := gateway.New(gateway.Config{Project: "demo", WorkspaceRoot: root})
	gw.SetUpstream(&scriptedEngine{gw: gw})
	gw.SetOCConnected(true)

	ts := httptest.NewServer(gateway.NewServer(gw, "127.0.0.1:0").Handler())
	defer ts.Close()

	sup := New(Config{
		GatewayURL:     strings.Replace(ts.URL, "http", "ws", 1) + "/ws",
		WorkspaceRoot:  root,
		PresenceSettle: 50 * time.Millisecond,
		TurnTimeout:    5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	require.Eventually(t, func() bool {
		lines, err := workspace.TailLog(root, 1)
		return err == nil && len(lines) == 1 && strings.Contains(lines[0], "class=productive")
	}, 10*time.Second, 100*time.Millisecond)

	loaded, err := task.Load(workspace.TaskPath(root))
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Progress.TurnsCompleted)
}
