package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Heartbeat cadence. The initial delay gives the server a moment to bind
// before the control plane learns the worker is alive.
const (
	heartbeatInitialDelay = 10 * time.Second
	heartbeatInterval     = 60 * time.Second
)

// Heartbeat periodically reports liveness to the control plane. Failures are
// logged and retried on the next tick; the control plane treats a silent
// worker as suspect, not this process.
type Heartbeat struct {
	ControlURL string
	Project    string
	Token      string

	client *http.Client
}

// NewHeartbeat builds a heartbeat reporter.
func NewHeartbeat(controlURL, project, token string) *Heartbeat {
	return &Heartbeat{
		ControlURL: controlURL,
		Project:    project,
		Token:      token,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Run beats until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(heartbeatInitialDelay):
	}

	h.beat(ctx)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	payload, _ := json.Marshal(map[string]string{"project": h.Project})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.ControlURL+"/api/workers/heartbeat", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.Token)

	resp, err := h.client.Do(req)
	if err != nil {
		slog.Warn("Heartbeat failed", "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("Heartbeat rejected", "status", resp.StatusCode)
	}
}
