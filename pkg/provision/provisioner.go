package provision

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/synapsehq/synapse/pkg/secretbox"
	"github.com/synapsehq/synapse/pkg/store"
)

// Readiness budgets. Provisioning runs in the background; these bound how
// long a worker may take to answer its first health check.
const (
	readyTimeout = 5 * time.Minute
	readyPoll    = 10 * time.Second
)

// defaultWorkerPort is where the worker agent listens.
const defaultWorkerPort = 7070

// Config configures the provisioner.
type Config struct {
	// ControlURL is the control plane address baked into worker user-data so
	// heartbeats know where to go.
	ControlURL string

	// WorkerPort overrides the worker agent port. Zero means the default.
	WorkerPort int

	// DiskTable overrides the disk sizing rules. Nil means DefaultDiskTable.
	DiskTable []DiskSize

	// ReadyTimeout and ReadyPoll override the readiness budget.
	ReadyTimeout time.Duration
	ReadyPoll    time.Duration
}

// Provisioner launches, resizes, and terminates worker instances, recording
// their lifecycle in the store. Worker tokens are generated here, sealed
// before persisting, and never logged.
type Provisioner struct {
	cfg   Config
	db    *store.Store
	cloud CloudAPI
	box   *secretbox.Box
	http  *http.Client
}

// New builds a provisioner.
func New(cfg Config, db *store.Store, cloud CloudAPI, box *secretbox.Box) *Provisioner {
	if cfg.WorkerPort == 0 {
		cfg.WorkerPort = defaultWorkerPort
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = readyTimeout
	}
	if cfg.ReadyPoll == 0 {
		cfg.ReadyPoll = readyPoll
	}
	return &Provisioner{
		cfg:   cfg,
		db:    db,
		cloud: cloud,
		box:   box,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// NewWorkerToken generates a 256-bit worker bearer token.
func NewWorkerToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("provision: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Provision launches a worker for the project and waits for readiness in the
// background. Returns the recorded worker row; its status is provisioning
// until the background wait promotes it.
func (p *Provisioner) Provision(ctx context.Context, projectName, instanceType string) (*store.Worker, error) {
	if _, err := p.db.GetWorkerByProject(ctx, projectName); err == nil {
		return nil, store.ErrConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	token, err := NewWorkerToken()
	if err != nil {
		return nil, err
	}
	sealed, err := p.box.Encrypt(token)
	if err != nil {
		return nil, fmt.Errorf("provision: seal token: %w", err)
	}

	image, err := p.cloud.LatestImage(ctx)
	if err != nil {
		return nil, fmt.Errorf("provision: resolve image: %w", err)
	}

	inst, err := p.cloud.LaunchInstance(ctx, LaunchSpec{
		InstanceType: instanceType,
		ImageID:      image,
		DiskGB:       DiskGB(instanceType, p.cfg.DiskTable),
		UserData:     p.userData(projectName, token),
	})
	if err != nil {
		return nil, fmt.Errorf("provision: launch: %w", err)
	}

	w := &store.Worker{
		ID:           inst.ID,
		ProjectName:  projectName,
		InstanceType: instanceType,
		Status:       store.WorkerProvisioning,
		WorkerToken:  sealed,
	}
	if err := p.db.CreateWorker(ctx, w); err != nil {
		// The row lost a race; don't leak the instance.
		_ = p.cloud.TerminateInstance(context.WithoutCancel(ctx), inst.ID)
		return nil, err
	}

	slog.Info("Worker launched", "project", projectName, "instance_id", inst.ID, "instance_type", instanceType)
	go p.waitReady(context.WithoutCancel(ctx), w.ID)
	return w, nil
}

// userData renders the boot configuration for a fresh worker.
func (p *Provisioner) userData(projectName, token string) string {
	return fmt.Sprintf(`#!/bin/sh
mkdir -p /etc/synapse
cat > /etc/synapse/worker.env <<EOF
SYNAPSE_PROJECT=%s
SYNAPSE_WORKER_TOKEN=%s
SYNAPSE_CONTROL_URL=%s
EOF
systemctl enable --now synapse-worker
`, projectName, token, p.cfg.ControlURL)
}

// waitReady polls the instance and then the worker agent until both answer,
// promoting the row to ready, or to error when the budget runs out.
func (p *Provisioner) waitReady(ctx context.Context, workerID string) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ReadyTimeout)
	defer cancel()

	for {
		inst, err := p.cloud.DescribeInstance(ctx, workerID)
		if err == nil && inst.State == StateRunning && inst.PrivateIP != "" {
			if err := p.db.UpdateWorkerIPs(ctx, workerID, inst.PrivateIP, inst.PublicIP); err != nil {
				slog.Error("Failed to record worker ips", "instance_id", workerID, "error", err)
			}
			if p.probeWorker(ctx, inst.PrivateIP) {
				if err := p.db.UpdateWorkerStatus(ctx, workerID, store.WorkerReady); err != nil {
					slog.Error("Failed to mark worker ready", "instance_id", workerID, "error", err)
					return
				}
				slog.Info("Worker ready", "instance_id", workerID)
				return
			}
		}
		select {
		case <-ctx.Done():
			slog.Error("Worker never became ready", "instance_id", workerID)
			if err := p.db.UpdateWorkerStatus(context.WithoutCancel(ctx), workerID, store.WorkerError); err != nil {
				slog.Error("Failed to mark worker errored", "instance_id", workerID, "error", err)
			}
			return
		case <-time.After(p.cfg.ReadyPoll):
		}
	}
}

// probeWorker checks the worker agent's open health endpoint.
func (p *Provisioner) probeWorker(ctx context.Context, ip string) bool {
	url := fmt.Sprintf("http://%s:%d/health", ip, p.cfg.WorkerPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Resize stops the instance, changes its type, starts it again, and waits
// for the worker to come back. The workspace volume rides through untouched.
func (p *Provisioner) Resize(ctx context.Context, projectName, newType string) error {
	w, err := p.db.GetWorkerByProject(ctx, projectName)
	if err != nil {
		return err
	}
	if w.Status != store.WorkerReady {
		return fmt.Errorf("provision: worker is %s, not ready", w.Status)
	}

	if err := p.db.UpdateWorkerStatus(ctx, w.ID, store.WorkerStopping); err != nil {
		return err
	}
	if err := p.cloud.StopInstance(ctx, w.ID); err != nil {
		return p.fail(ctx, w.ID, fmt.Errorf("provision: stop: %w", err))
	}
	if err := p.waitState(ctx, w.ID, StateStopped); err != nil {
		return p.fail(ctx, w.ID, err)
	}

	if err := p.cloud.ModifyInstanceType(ctx, w.ID, newType); err != nil {
		return p.fail(ctx, w.ID, fmt.Errorf("provision: modify type: %w", err))
	}
	if err := p.cloud.StartInstance(ctx, w.ID); err != nil {
		return p.fail(ctx, w.ID, fmt.Errorf("provision: start: %w", err))
	}
	if err := p.waitState(ctx, w.ID, StateRunning); err != nil {
		return p.fail(ctx, w.ID, err)
	}

	// Addresses usually change across a stop/start cycle.
	inst, err := p.cloud.DescribeInstance(ctx, w.ID)
	if err != nil {
		return p.fail(ctx, w.ID, fmt.Errorf("provision: describe after start: %w", err))
	}
	if err := p.db.UpdateWorkerIPs(ctx, w.ID, inst.PrivateIP, inst.PublicIP); err != nil {
		return err
	}
	if err := p.db.UpdateWorkerStatus(ctx, w.ID, store.WorkerBootstrapping); err != nil {
		return err
	}

	deadline := time.Now().Add(p.cfg.ReadyTimeout)
	for !p.probeWorker(ctx, inst.PrivateIP) {
		if time.Now().After(deadline) || ctx.Err() != nil {
			return p.fail(ctx, w.ID, fmt.Errorf("provision: worker did not come back after resize"))
		}
		select {
		case <-ctx.Done():
			return p.fail(ctx, w.ID, ctx.Err())
		case <-time.After(p.cfg.ReadyPoll):
		}
	}

	if err := p.db.UpdateWorkerInstanceType(ctx, w.ID, newType); err != nil {
		return err
	}
	if err := p.db.UpdateWorkerStatus(ctx, w.ID, store.WorkerReady); err != nil {
		return err
	}
	slog.Info("Worker resized", "project", projectName, "instance_id", w.ID, "instance_type", newType)
	return nil
}

// Terminate tears the instance down. Cloud errors are logged, not returned:
// the row is marked terminated regardless so the project can move on.
func (p *Provisioner) Terminate(ctx context.Context, projectName string) error {
	w, err := p.db.GetWorkerByProject(ctx, projectName)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.cloud.TerminateInstance(ctx, w.ID); err != nil {
		slog.Warn("Instance termination failed, marking terminated anyway", "instance_id", w.ID, "error", err)
	}
	return p.db.UpdateWorkerStatus(ctx, w.ID, store.WorkerTerminated)
}

// WorkerToken unseals the stored bearer token for a worker.
func (p *Provisioner) WorkerToken(w *store.Worker) (string, error) {
	return p.box.Decrypt(w.WorkerToken)
}

func (p *Provisioner) fail(ctx context.Context, workerID string, err error) error {
	if uerr := p.db.UpdateWorkerStatus(context.WithoutCancel(ctx), workerID, store.WorkerError); uerr != nil {
		slog.Error("Failed to mark worker errored", "instance_id", workerID, "error", uerr)
	}
	return err
}

func (p *Provisioner) waitState(ctx context.Context, id, want string) error {
	deadline := time.Now().Add(p.cfg.ReadyTimeout)
	for {
		inst, err := p.cloud.DescribeInstance(ctx, id)
		if err == nil && inst.State == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("provision: instance %s never reached %s", id, want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.ReadyPoll):
		}
	}
}
