package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsehq/synapse/pkg/events"
)

func TestHistory_AppendAndEvict(t *testing.T) {
	h := NewHistory(3)
	assert.Empty(t, h.Snapshot())

	for i := 1; i <= 5; i++ {
		h.Append(events.Event{Type: events.TypeTextDelta, Text: fmt.Sprintf("e%d", i)})
	}

	snap := h.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "e3", snap[0].Text)
	assert.Equal(t, "e5", snap[2].Text)
}

func TestNormalizeEvent(t *testing.T) {
	tests := []struct {
		name string
		in   engineEvent
		want []events.Type
	}{
		{"delta", engineEvent{Kind: "chat.delta", Text: "hi"}, []events.Type{events.TypeTextDelta}},
		{"tool start", engineEvent{Kind: "chat.tool", Phase: "start", Tool: "bash"}, []events.Type{events.TypeToolStart, events.TypeToolUse}},
		{"tool result", engineEvent{Kind: "chat.tool", Phase: "result", Tool: "bash", Output: "ok"}, []events.Type{events.TypeToolResult}},
		{"final", engineEvent{Kind: "chat.final"}, []events.Type{events.TypeDone}},
		{"aborted", engineEvent{Kind: "chat.aborted"}, []events.Type{events.TypeDone}},
		{"error", engineEvent{Kind: "chat.error", Message: "boom"}, []events.Type{events.TypeError}},
		{"unknown", engineEvent{Kind: "chat.mystery"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeEvent(tt.in)
			require.Len(t, got, len(tt.want))
			for i, typ := range tt.want {
				assert.Equal(t, typ, got[i].Type)
			}
		})
	}
}

func TestSubstituteCloseCode(t *testing.T) {
	assert.Equal(t, websocket.StatusNormalClosure, SubstituteCloseCode(websocket.StatusNormalClosure))
	assert.Equal(t, websocket.StatusCode(4401), SubstituteCloseCode(websocket.StatusCode(4401)))
	assert.Equal(t, websocket.StatusCode(3000), SubstituteCloseCode(websocket.StatusCode(3000)))
	assert.Equal(t, websocket.StatusNormalClosure, SubstituteCloseCode(websocket.StatusGoingAway))
	assert.Equal(t, websocket.StatusNormalClosure, SubstituteCloseCode(websocket.StatusInternalError))
}

func TestTruncateReason(t *testing.T) {
	long := strings.Repeat("x", 200)
	assert.Len(t, TruncateReason(long), maxCloseReason)
	assert.Equal(t, "short", TruncateReason("short"))
}

// fakeUpstream records submitted messages.
type fakeUpstream struct {
	sent chan string
	err  error
}

func (f *fakeUpstream) Send(_ context.Context, content string) error {
	if f.err != nil {
		return f.err
	}
	f.sent <- content
	return nil
}

func newTestServer(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	gw := New(Config{Project: "demo", WorkspaceRoot: t.TempDir()})
	srv := NewServer(gw, "127.0.0.1:0")
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)
	return gw, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readRaw(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectSequence(t *testing.T) {
	gw, ts := newTestServer(t)
	gw.Ingest(
		events.Event{Type: events.TypeTextDelta, Text: "hello"},
		events.Event{Type: events.TypeDone},
	)

	conn := dialWS(t, ts)

	history := readRaw(t, conn)
	assert.Equal(t, events.FrameHistory, history["type"])
	assert.Len(t, history["events"], 2)

	status := readRaw(t, conn)
	assert.Equal(t, events.FrameStatus, status["type"])
	assert.Equal(t, false, status["agentBusy"])
	assert.Equal(t, false, status["ocConnected"])
}

func TestHistoryCapOverWire(t *testing.T) {
	gw, ts := newTestServer(t)
	for i := 0; i < 75; i++ {
		gw.Ingest(events.Event{Type: events.TypeTextDelta, Text: fmt.Sprintf("e%d", i)})
	}

	conn := dialWS(t, ts)
	history := readRaw(t, conn)
	evs := history["events"].([]any)
	require.Len(t, evs, HistoryCap)
	first := evs[0].(map[string]any)
	assert.Equal(t, "e25", first["text"])
}

func TestLiveEventDelivery(t *testing.T) {
	gw, ts := newTestServer(t)
	conn := dialWS(t, ts)
	readRaw(t, conn) // history
	readRaw(t, conn) // status

	gw.Ingest(events.Event{Type: events.TypeToolStart, Tool: "bash"})
	frame := readRaw(t, conn)
	assert.Equal(t, string(events.TypeToolStart), frame["type"])
	assert.Equal(t, "bash", frame["tool"])
}

func TestIdentifyBroadcastsClientChange(t *testing.T) {
	_, ts := newTestServer(t)

	human := dialWS(t, ts)
	readRaw(t, human)
	readRaw(t, human)

	sendJSON(t, human, map[string]string{"type": events.FrameIdentify, "role": "human"})
	change := readRaw(t, human)
	assert.Equal(t, events.FrameClientChange, change["type"])
	assert.Equal(t, float64(1), change["humans"])
	assert.Equal(t, false, change["supervisorConnected"])

	supervisor := dialWS(t, ts)
	readRaw(t, supervisor)
	readRaw(t, supervisor)
	sendJSON(t, supervisor, map[string]string{"type": events.FrameIdentify, "role": "supervisor"})

	change = readRaw(t, human)
	assert.Equal(t, events.FrameClientChange, change["type"])
	assert.Equal(t, true, change["supervisorConnected"])
}

func TestUserMessageBeforeEngine(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)
	readRaw(t, conn)
	readRaw(t, conn)

	sendJSON(t, conn, map[string]string{"type": events.FrameUserMessage, "content": "hi"})
	frame := readRaw(t, conn)
	assert.Equal(t, string(events.TypeError), frame["type"])
	assert.Contains(t, frame["message"], "not connected")
}

func TestUserMessageForwarding(t *testing.T) {
	gw, ts := newTestServer(t)
	up := &fakeUpstream{sent: make(chan string, 1)}
	gw.SetUpstream(up)
	gw.SetOCConnected(true)

	conn := dialWS(t, ts)
	readRaw(t, conn)
	readRaw(t, conn)

	sendJSON(t, conn, map[string]string{"type": events.FrameUserMessage, "content": "deploy it"})
	select {
	case msg := <-up.sent:
		assert.Equal(t, "deploy it", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("message never reached upstream")
	}
}

func TestSupervisorControlForwarding(t *testing.T) {
	gw, ts := newTestServer(t)

	assert.False(t, gw.SupervisorControl(events.ActionPause))

	conn := dialWS(t, ts)
	readRaw(t, conn)
	readRaw(t, conn)
	sendJSON(t, conn, map[string]string{"type": events.FrameIdentify, "role": "supervisor"})
	readRaw(t, conn) // client_change

	require.Eventually(t, func() bool {
		return gw.SupervisorControl(events.ActionPause)
	}, 3*time.Second, 50*time.Millisecond)

	frame := readRaw(t, conn)
	assert.Equal(t, events.FrameSupervisorControl, frame["type"])
	assert.Equal(t, events.ActionPause, frame["action"])
}

func TestStatusSnapshot(t *testing.T) {
	gw := New(Config{Project: "demo", Instance: InstanceInfo{Type: "c5.xlarge", CPUs: 4, MemoryMB: 8192}})
	gw.SetOCConnected(true)
	gw.SetAgentBusy(true)

	st := gw.Status()
	assert.True(t, st.OK)
	assert.True(t, st.OCConnected)
	assert.True(t, st.AgentBusy)
	assert.Equal(t, "c5.xlarge", st.Instance.Type)

	// Engine drop clears busy.
	gw.SetOCConnected(false)
	st = gw.Status()
	assert.False(t, st.OCConnected)
	assert.False(t, st.AgentBusy)
}

func TestEngineTransitionsBroadcastStatus(t *testing.T) {
	gw, ts := newTestServer(t)
	conn := dialWS(t, ts)
	readRaw(t, conn) // history
	readRaw(t, conn) // status

	gw.SetOCConnected(true)
	frame := readRaw(t, conn)
	assert.Equal(t, events.FrameStatus, frame["type"])
	assert.Equal(t, true, frame["ocConnected"])

	gw.SetAgentBusy(true)
	frame = readRaw(t, conn)
	assert.Equal(t, events.FrameStatus, frame["type"])
	assert.Equal(t, true, frame["agentBusy"])

	// Idempotent transitions stay silent.
	gw.SetAgentBusy(true)
	gw.SetAgentBusy(false)
	frame = readRaw(t, conn)
	assert.Equal(t, events.FrameStatus, frame["type"])
	assert.Equal(t, false, frame["agentBusy"])
}

func TestPublishTask(t *testing.T) {
	gw, ts := newTestServer(t)
	conn := dialWS(t, ts)
	readRaw(t, conn)
	readRaw(t, conn)

	gw.PublishTask(json.RawMessage(`{"id":"t1","status":"running"}`))
	frame := readRaw(t, conn)
	assert.Equal(t, events.FrameTaskStatus, frame["type"])
	task := frame["task"].(map[string]any)
	assert.Equal(t, "t1", task["id"])

	// A client connecting after publication gets the task on connect.
	late := dialWS(t, ts)
	readRaw(t, late)
	readRaw(t, late)
	frame = readRaw(t, late)
	assert.Equal(t, events.FrameTaskStatus, frame["type"])
}
