package manager

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/synapsehq/synapse/pkg/sandbox"
	"github.com/synapsehq/synapse/pkg/task"
	"github.com/synapsehq/synapse/pkg/worker"
	"github.com/synapsehq/synapse/pkg/workspace"
)

// localAgent gives the control plane the same operation surface over a local
// sandbox that worker.Client gives over a remote one.
type localAgent struct {
	sb          sandbox.Sandbox
	gatewayPort int
	http        *http.Client

	probeTimeout time.Duration
	probeEvery   time.Duration
}

func newLocalAgent(sb sandbox.Sandbox, gatewayPort int, probeTimeout, probeEvery time.Duration) *localAgent {
	return &localAgent{
		sb:           sb,
		gatewayPort:  gatewayPort,
		http:         &http.Client{Timeout: 15 * time.Second},
		probeTimeout: probeTimeout,
		probeEvery:   probeEvery,
	}
}

func (a *localAgent) CreateContainer(ctx context.Context, req worker.CreateContainerRequest) (worker.CreateContainerResponse, error) {
	spec := sandbox.Spec{
		Image:         req.Image,
		Env:           req.Env,
		CPULimit:      req.CPUs,
		MemoryLimitMB: req.MemoryMB,
	}
	id, err := a.sb.Create(ctx, spec)
	if err != nil {
		return worker.CreateContainerResponse{}, err
	}
	ip, err := a.waitGateway(ctx)
	if err != nil {
		_ = a.sb.Destroy(context.WithoutCancel(ctx), false)
		return worker.CreateContainerResponse{}, fmt.Errorf("gateway did not become healthy: %w", err)
	}
	return worker.CreateContainerResponse{
		ContainerID:     id,
		IP:              ip,
		AppliedCPUs:     req.CPUs,
		AppliedMemoryMB: req.MemoryMB,
	}, nil
}

func (a *localAgent) DestroyContainer(ctx context.Context, removeVolume bool) error {
	return a.sb.Destroy(ctx, removeVolume)
}

func (a *localAgent) Exec(ctx context.Context, command string, timeoutSeconds int) (sandbox.ExecResult, error) {
	timeout := 60 * time.Second
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	return a.sb.Exec(ctx, []string{"sh", "-c", command}, timeout)
}

func (a *localAgent) PutTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := a.writeFile(ctx, workspace.TaskFile, data); err != nil {
		return nil, err
	}
	return t, nil
}

func (a *localAgent) GetTask(ctx context.Context) (*task.Task, error) {
	content, exists, err := a.readFile(ctx, workspace.TaskFile)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNoTask
	}
	var t task.Task
	if err := json.Unmarshal([]byte(content), &t); err != nil {
		return nil, fmt.Errorf("manager: task document is corrupt: %w", err)
	}
	return &t, nil
}

func (a *localAgent) Memory(ctx context.Context) (map[string]string, error) {
	files := make(map[string]string, len(workspace.MemoryFiles))
	for _, name := range workspace.MemoryFiles {
		content, exists, err := a.readFile(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			content = ""
		}
		files[name] = content
	}
	return files, nil
}

func (a *localAgent) Logs(ctx context.Context, lines int) ([]string, error) {
	if lines <= 0 {
		lines = 100
	}
	cmd := fmt.Sprintf("tail -n %d %s 2>/dev/null || true", lines, workspace.LogPath(workspace.DefaultRoot))
	result, err := a.sb.Exec(ctx, []string{"sh", "-c", cmd}, 10*time.Second)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range strings.Split(strings.TrimRight(result.Stdout, "\n"), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

func (a *localAgent) SendMessage(ctx context.Context, message string) error {
	return a.postGateway(ctx, "/send-message", map[string]string{"message": message})
}

func (a *localAgent) SupervisorControl(ctx context.Context, action string) error {
	return a.postGateway(ctx, "/supervisor/control", map[string]string{"action": action})
}

func (a *localAgent) DialGateway(ctx context.Context) (*websocket.Conn, error) {
	ip, err := a.sb.IP(ctx)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s:%d/ws", ip, a.gatewayPort), nil)
	return conn, err
}

func (a *localAgent) postGateway(ctx context.Context, path string, body any) error {
	ip, err := a.sb.IP(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d%s", ip, a.gatewayPort, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}

func (a *localAgent) waitGateway(ctx context.Context) (string, error) {
	deadline := time.Now().Add(a.probeTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		ip, err := a.sb.IP(ctx)
		if err == nil {
			url := fmt.Sprintf("http://%s:%d/health", ip, a.gatewayPort)
			req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if rerr == nil {
				resp, derr := a.http.Do(req)
				if derr == nil {
					resp.Body.Close()
					if resp.StatusCode == http.StatusOK {
						return ip, nil
					}
					err = fmt.Errorf("gateway health returned %d", resp.StatusCode)
				} else {
					err = derr
				}
			}
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.probeEvery):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timed out")
	}
	return "", lastErr
}

// readFile fetches one workspace file through sandbox exec.
func (a *localAgent) readFile(ctx context.Context, name string) (string, bool, error) {
	result, err := a.sb.Exec(ctx, []string{"cat", workspace.DefaultRoot + "/" + name}, 10*time.Second)
	if err != nil {
		return "", false, err
	}
	if result.ExitCode != 0 {
		return "", false, nil
	}
	return result.Stdout, true, nil
}

// writeFile writes atomically inside the sandbox, base64-armored against
// shell quoting.
func (a *localAgent) writeFile(ctx context.Context, name string, data []byte) error {
	path := workspace.DefaultRoot + "/" + name
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("echo %s | base64 -d > %s.tmp && mv %s.tmp %s", encoded, path, path, path)
	result, err := a.sb.Exec(ctx, []string{"sh", "-c", cmd}, 15*time.Second)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("write %s: exit %d: %s", name, result.ExitCode, result.Stderr)
	}
	return nil
}
