package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synapsehq/synapse/pkg/gateway"
	"github.com/synapsehq/synapse/pkg/manager"
	"github.com/synapsehq/synapse/pkg/provision"
	"github.com/synapsehq/synapse/pkg/sandbox"
	"github.com/synapsehq/synapse/pkg/secretbox"
	"github.com/synapsehq/synapse/pkg/store"
	"github.com/synapsehq/synapse/pkg/task"
	"github.com/synapsehq/synapse/pkg/workspace"
)

const testToken = "operator-token-for-tests"

// fakeSandbox is an in-memory Sandbox with a tiny filesystem that understands
// the exec shapes the control plane issues.
type fakeSandbox struct {
	mu      sync.Mutex
	running bool
	ip      string
	files   map[string]string
}

var (
	writePattern = regexp.MustCompile(`^echo (\S+) \| base64 -d > (\S+)\.tmp && mv \S+\.tmp (\S+)$`)
	tailPattern  = regexp.MustCompile(`^tail -n (\d+) (\S+)`)
	catPattern   = regexp.MustCompile(`^cat (\S+)$`)
)

func newFakeSandbox(ip string) *fakeSandbox {
	return &fakeSandbox{ip: ip, files: make(map[string]string)}
}

func (f *fakeSandbox) Create(_ context.Context, _ sandbox.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return "cafebabe", nil
}

func (f *fakeSandbox) Destroy(_ context.Context, removeVolume bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	if removeVolume {
		f.files = make(map[string]string)
	}
	return nil
}

func (f *fakeSandbox) Exec(_ context.Context, argv []string, _ time.Duration) (sandbox.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if argv[0] == "cat" {
		content, ok := f.files[argv[1]]
		if !ok {
			return sandbox.ExecResult{ExitCode: 1, Stderr: "No such file"}, nil
		}
		return sandbox.ExecResult{Stdout: content}, nil
	}

	cmd := argv[len(argv)-1]
	if m := catPattern.FindStringSubmatch(cmd); m != nil {
		content, ok := f.files[m[1]]
		if !ok {
			return sandbox.ExecResult{ExitCode: 1, Stderr: "No such file"}, nil
		}
		return sandbox.ExecResult{Stdout: content}, nil
	}
	if m := writePattern.FindStringSubmatch(cmd); m != nil {
		data, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil {
			return sandbox.ExecResult{ExitCode: 1, Stderr: "bad base64"}, nil
		}
		f.files[m[3]] = string(data)
		return sandbox.ExecResult{}, nil
	}
	if m := tailPattern.FindStringSubmatch(cmd); m != nil {
		n, _ := strconv.Atoi(m[1])
		content := f.files[m[2]]
		lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
		if len(lines) > n {
			lines = lines[len(lines)-n:]
		}
		return sandbox.ExecResult{Stdout: strings.Join(lines, "\n") + "\n"}, nil
	}
	return sandbox.ExecResult{Stdout: "ran: " + cmd}, nil
}

func (f *fakeSandbox) IP(_ context.Context) (string, error) {
	return f.ip, nil
}

func (f *fakeSandbox) Health(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return fmt.Errorf("not running")
	}
	return nil
}

// fakeUpstream stands in for the engine connection behind the gateway.
type fakeUpstream struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeUpstream) Send(_ context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return nil
}

type testEnv struct {
	ts *httptest.Server
	db *store.Store
	sb *fakeSandbox
	up *fakeUpstream
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "synapse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	box, err := secretbox.New("test-master-secret")
	require.NoError(t, err)
	require.NoError(t, db.InsertToken(context.Background(), store.HashToken(testToken)))

	gw := gateway.New(gateway.Config{Project: "demo"})
	up := &fakeUpstream{}
	gw.SetUpstream(up)
	gw.SetOCConnected(true)
	gwTS := httptest.NewServer(gateway.NewServer(gw, "").Handler())
	t.Cleanup(gwTS.Close)
	u, err := url.Parse(gwTS.URL)
	require.NoError(t, err)
	gwPort, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	sb := newFakeSandbox(u.Hostname())
	prov := provision.New(provision.Config{}, db, nil, box)
	mgr := manager.New(manager.Config{
		Image:        "synapse-agent:latest",
		GatewayPort:  gwPort,
		HostSpec:     manager.InstanceSpec{CPUs: 4, MemoryMB: 8192},
		ProbeTimeout: 2 * time.Second,
		ProbeEvery:   20 * time.Millisecond,
		Sandboxes: func(string) (sandbox.Sandbox, error) {
			return sb, nil
		},
	}, db, box, prov)

	srv := NewServer(Config{Image: "synapse-agent:latest"}, db, box, prov, mgr)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, db: db, sb: sb, up: up}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, payload
}

func (e *testEnv) createProject(t *testing.T, name string) {
	t.Helper()
	code, _ := e.do(t, http.MethodPost, "/api/projects", testToken, CreateProjectRequest{Name: name})
	require.Equal(t, http.StatusCreated, code)
}

func TestHealthIsOpen(t *testing.T) {
	e := newTestEnv(t)
	code, body := e.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "healthy")
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	code, _ := e.do(t, http.MethodGet, "/api/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.do(t, http.MethodGet, "/api/projects", "not-the-token", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.do(t, http.MethodGet, "/api/projects", testToken, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestProjectLifecycle(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, http.MethodPost, "/api/projects", testToken, CreateProjectRequest{Name: "demo"})
	require.Equal(t, http.StatusCreated, code)
	var created ProjectResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "demo", created.Name)

	// The container comes online in the background.
	require.Eventually(t, func() bool {
		code, body := e.do(t, http.MethodGet, "/api/projects/demo", testToken, nil)
		if code != http.StatusOK {
			return false
		}
		var p ProjectResponse
		return json.Unmarshal(body, &p) == nil && p.Status == store.ProjectRunning
	}, 5*time.Second, 50*time.Millisecond)

	code, _ = e.do(t, http.MethodPost, "/api/projects", testToken, CreateProjectRequest{Name: "demo"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, http.MethodPost, "/api/projects", testToken, CreateProjectRequest{Name: "Not_Valid"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodGet, "/api/projects", testToken, nil)
	require.Equal(t, http.StatusOK, code)
	var list []ProjectResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	code, _ = e.do(t, http.MethodDelete, "/api/projects/demo", testToken, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodGet, "/api/projects/demo", testToken, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSecretsNeverReturnValues(t *testing.T) {
	e := newTestEnv(t)
	e.createProject(t, "demo")

	code, _ := e.do(t, http.MethodPut, "/api/projects/demo/secrets", testToken,
		PutSecretRequest{Key: "GITHUB_TOKEN", Value: "hunter2"})
	require.Equal(t, http.StatusOK, code)

	code, body := e.do(t, http.MethodGet, "/api/projects/demo/secrets", testToken, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "GITHUB_TOKEN")
	assert.NotContains(t, string(body), "hunter2")

	code, _ = e.do(t, http.MethodPut, "/api/projects/demo/secrets", testToken,
		PutSecretRequest{Key: "bad key!", Value: "x"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodDelete, "/api/projects/demo/secrets/GITHUB_TOKEN", testToken, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodDelete, "/api/projects/demo/secrets/GITHUB_TOKEN", testToken, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTaskFlow(t *testing.T) {
	e := newTestEnv(t)
	e.createProject(t, "demo")

	code, _ := e.do(t, http.MethodGet, "/api/projects/demo/task", testToken, nil)
	assert.Equal(t, http.StatusNotFound, code)

	doc := task.Task{
		Name: "reduce latency",
		Questions: []task.Question{{
			ID:       "q1",
			Text:     "Which region first?",
			Priority: task.PriorityBlocking,
			AskedAt:  time.Now().UTC(),
		}},
	}
	code, body := e.do(t, http.MethodPost, "/api/projects/demo/task", testToken, doc)
	require.Equal(t, http.StatusOK, code)
	var installed task.Task
	require.NoError(t, json.Unmarshal(body, &installed))
	assert.NotEmpty(t, installed.ID)
	assert.Equal(t, task.StatusRunning, installed.Status)

	code, body = e.do(t, http.MethodPost, "/api/projects/demo/task/stop", testToken, nil)
	require.Equal(t, http.StatusOK, code)
	var stopped task.Task
	require.NoError(t, json.Unmarshal(body, &stopped))
	assert.Equal(t, task.StatusStopped, stopped.Status)
	assert.Equal(t, task.ReasonOperator, stopped.CompletionReason)

	code, body = e.do(t, http.MethodPost, "/api/projects/demo/task/resume", testToken, nil)
	require.Equal(t, http.StatusOK, code)
	var resumed task.Task
	require.NoError(t, json.Unmarshal(body, &resumed))
	assert.Equal(t, task.StatusRunning, resumed.Status)

	code, body = e.do(t, http.MethodPost, "/api/projects/demo/task/respond", testToken,
		RespondRequest{QuestionID: "q1", Answer: "us-east-1"})
	require.Equal(t, http.StatusOK, code)
	var answered task.Task
	require.NoError(t, json.Unmarshal(body, &answered))
	require.Len(t, answered.Questions, 1)
	assert.Equal(t, "us-east-1", answered.Questions[0].Answer)
	assert.True(t, answered.Questions[0].Answered())

	code, _ = e.do(t, http.MethodPost, "/api/projects/demo/task/respond", testToken,
		RespondRequest{QuestionID: "nope", Answer: "x"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMessageAndSupervisorControl(t *testing.T) {
	e := newTestEnv(t)
	e.createProject(t, "demo")

	code, _ := e.do(t, http.MethodPost, "/api/projects/demo/message", testToken,
		MessageRequest{Message: "status update please"})
	assert.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool {
		e.up.mu.Lock()
		defer e.up.mu.Unlock()
		return len(e.up.sent) == 1
	}, 2*time.Second, 20*time.Millisecond)

	code, _ = e.do(t, http.MethodPost, "/api/projects/demo/message", testToken,
		MessageRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/api/projects/demo/supervisor", testToken,
		SupervisorRequest{Action: "pause"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, http.MethodPost, "/api/projects/demo/supervisor", testToken,
		SupervisorRequest{Action: "self-destruct"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDirectives(t *testing.T) {
	e := newTestEnv(t)
	e.createProject(t, "demo")

	code, body := e.do(t, http.MethodPost, "/api/projects/demo/directives", testToken,
		DirectiveRequest{Text: "prefer small commits"})
	require.Equal(t, http.StatusCreated, code)
	var d workspace.Directive
	require.NoError(t, json.Unmarshal(body, &d))
	assert.NotEmpty(t, d.ID)

	code, body = e.do(t, http.MethodGet, "/api/projects/demo/directives", testToken, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "prefer small commits")

	code, _ = e.do(t, http.MethodDelete, "/api/projects/demo/directives/"+d.ID, testToken, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodDelete, "/api/projects/demo/directives/"+d.ID, testToken, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWorkerHeartbeat(t *testing.T) {
	e := newTestEnv(t)
	e.createProject(t, "demo")

	box, err := secretbox.New("test-master-secret")
	require.NoError(t, err)
	sealed, err := box.Encrypt("worker-token-plain")
	require.NoError(t, err)
	require.NoError(t, e.db.CreateWorker(context.Background(), &store.Worker{
		ID:          "i-0001",
		ProjectName: "demo",
		Status:      store.WorkerProvisioning,
		WorkerToken: sealed,
	}))

	code, _ := e.do(t, http.MethodPost, "/api/workers/heartbeat", "worker-token-plain",
		HeartbeatRequest{Project: "demo"})
	assert.Equal(t, http.StatusOK, code)

	w, err := e.db.GetWorker(context.Background(), "i-0001")
	require.NoError(t, err)
	assert.NotNil(t, w.LastHeartbeat)

	code, _ = e.do(t, http.MethodPost, "/api/workers/heartbeat", "wrong-token",
		HeartbeatRequest{Project: "demo"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.do(t, http.MethodPost, "/api/workers/heartbeat", "worker-token-plain",
		HeartbeatRequest{Project: "ghost"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestChatRelay(t *testing.T) {
	e := newTestEnv(t)
	e.createProject(t, "demo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(e.ts.URL, "http://", "ws://", 1) +
		"/api/projects/demo/chat?token=" + testToken
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "history", frame.Type)
}

func TestChatRelayRejectsBadToken(t *testing.T) {
	e := newTestEnv(t)
	e.createProject(t, "demo")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wsURL := strings.Replace(e.ts.URL, "http://", "ws://", 1) +
		"/api/projects/demo/chat?token=wrong"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}
