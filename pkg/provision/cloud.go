// Package provision manages the lifecycle of dedicated worker instances:
// launch, readiness tracking, stop-resize-start, and termination. The cloud
// itself sits behind the CloudAPI interface so the provisioner is testable
// against fakes and portable across providers.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Instance states reported by the cloud.
const (
	StatePending    = "pending"
	StateRunning    = "running"
	StateStopping   = "stopping"
	StateStopped    = "stopped"
	StateTerminated = "terminated"
)

// Instance is the cloud's view of one machine.
type Instance struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Type      string `json:"type"`
	PrivateIP string `json:"private_ip"`
	PublicIP  string `json:"public_ip"`
}

// LaunchSpec describes the instance to launch.
type LaunchSpec struct {
	InstanceType string `json:"instance_type"`
	ImageID      string `json:"image_id"`
	DiskGB       int    `json:"disk_gb"`
	UserData     string `json:"user_data"`
}

// CloudAPI is the minimal provider surface the provisioner needs.
type CloudAPI interface {
	LaunchInstance(ctx context.Context, spec LaunchSpec) (Instance, error)
	DescribeInstance(ctx context.Context, id string) (Instance, error)
	StopInstance(ctx context.Context, id string) error
	StartInstance(ctx context.Context, id string) error
	ModifyInstanceType(ctx context.Context, id, instanceType string) error
	TerminateInstance(ctx context.Context, id string) error
	LatestImage(ctx context.Context) (string, error)
}

// HTTPCloud talks to the fleet's provisioning service over JSON/HTTP.
type HTTPCloud struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPCloud builds a client for the provisioning service at baseURL.
func NewHTTPCloud(baseURL, apiKey string) *HTTPCloud {
	return &HTTPCloud{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPCloud) LaunchInstance(ctx context.Context, spec LaunchSpec) (Instance, error) {
	var out Instance
	err := c.call(ctx, http.MethodPost, "/instances", spec, &out)
	return out, err
}

func (c *HTTPCloud) DescribeInstance(ctx context.Context, id string) (Instance, error) {
	var out Instance
	err := c.call(ctx, http.MethodGet, "/instances/"+id, nil, &out)
	return out, err
}

func (c *HTTPCloud) StopInstance(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/instances/"+id+"/stop", nil, nil)
}

func (c *HTTPCloud) StartInstance(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/instances/"+id+"/start", nil, nil)
}

func (c *HTTPCloud) ModifyInstanceType(ctx context.Context, id, instanceType string) error {
	body := map[string]string{"instance_type": instanceType}
	return c.call(ctx, http.MethodPost, "/instances/"+id+"/modify", body, nil)
}

func (c *HTTPCloud) TerminateInstance(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/instances/"+id, nil, nil)
}

func (c *HTTPCloud) LatestImage(ctx context.Context) (string, error) {
	var out struct {
		ImageID string `json:"image_id"`
	}
	if err := c.call(ctx, http.MethodGet, "/images/latest", nil, &out); err != nil {
		return "", err
	}
	return out.ImageID, nil
}

func (c *HTTPCloud) call(ctx context.Context, method, path string, in, out any) error {
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
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cloud: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("cloud: %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out != nil && len(payload) > 0 {
		return json.Unmarshal(payload, out)
	}
	return nil
}
