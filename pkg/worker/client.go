package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/synapsehq/synapse/pkg/sandbox"
	"github.com/synapsehq/synapse/pkg/task"
)

// Client is the control plane's handle on one worker. All calls carry the
// worker's bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a worker client for baseURL (e.g. http://10.0.1.5:7070).
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 3 * time.Minute},
	}
}

// Health probes the worker.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.call(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// CreateContainer provisions the sandbox and waits for its gateway.
func (c *Client) CreateContainer(ctx context.Context, req CreateContainerRequest) (CreateContainerResponse, error) {
	var out CreateContainerResponse
	err := c.call(ctx, http.MethodPost, "/container/create", req, &out)
	return out, err
}

// RestartContainer recreates the sandbox from its last spec.
func (c *Client) RestartContainer(ctx context.Context) (CreateContainerResponse, error) {
	var out CreateContainerResponse
	err := c.call(ctx, http.MethodPost, "/container/restart", struct{}{}, &out)
	return out, err
}

// DestroyContainer tears the sandbox down.
func (c *Client) DestroyContainer(ctx context.Context, removeVolume bool) error {
	return c.call(ctx, http.MethodPost, "/container/destroy", DestroyContainerRequest{RemoveVolume: removeVolume}, nil)
}

// Exec runs a shell command in the sandbox.
func (c *Client) Exec(ctx context.Context, command string, timeoutSeconds int) (sandbox.ExecResult, error) {
	var out ExecResponse
	err := c.call(ctx, http.MethodPost, "/exec", ExecRequest{Command: command, TimeoutSeconds: timeoutSeconds}, &out)
	return out.ExecResult, err
}

// PutTask installs a task document in the workspace.
func (c *Client) PutTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	var out task.Task
	if err := c.call(ctx, http.MethodPost, "/task", t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask reads the current task document.
func (c *Client) GetTask(ctx context.Context) (*task.Task, error) {
	var out task.Task
	if err := c.call(ctx, http.MethodGet, "/task", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Memory reads the workspace memory files.
func (c *Client) Memory(ctx context.Context) (map[string]string, error) {
	var out MemoryResponse
	if err := c.call(ctx, http.MethodGet, "/memory", nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// Logs tails the supervisor log.
func (c *Client) Logs(ctx context.Context, lines int) ([]string, error) {
	var out LogsResponse
	path := "/logs"
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// SendMessage delivers a chat message to the agent.
func (c *Client) SendMessage(ctx context.Context, message string) error {
	return c.call(ctx, http.MethodPost, "/message", MessageRequest{Message: message}, nil)
}

// SupervisorControl forwards a control action to the supervisor.
func (c *Client) SupervisorControl(ctx context.Context, action string) error {
	return c.call(ctx, http.MethodPost, "/supervisor/control", ControlRequest{Action: action}, nil)
}

// DialGateway opens the relayed WebSocket to the project's gateway.
func (c *Client) DialGateway(ctx context.Context) (*websocket.Conn, error) {
	url := strings.Replace(c.baseURL, "http", "ws", 1) + "/gateway"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	})
	return conn, err
}

// StatusError is a non-2xx worker response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("worker returned %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(payload))
		var wrapped struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &wrapped) == nil && wrapped.Message != "" {
			msg = wrapped.Message
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out != nil && len(payload) > 0 {
		return json.Unmarshal(payload, out)
	}
	return nil
}
