package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Worker statuses.
const (
	WorkerProvisioning  = "provisioning"
	WorkerBootstrapping = "bootstrapping"
	WorkerReady         = "ready"
	WorkerStopping      = "stopping"
	WorkerTerminated    = "terminated"
	WorkerError         = "error"
)

// Worker is one dedicated compute instance owning a single project's sandbox.
type Worker struct {
	ID               string     `db:"id"`
	ProjectName      string     `db:"project_name"`
	InstanceType     string     `db:"instance_type"`
	Region           string     `db:"region"`
	AvailabilityZone string     `db:"availability_zone"`
	PrivateIP        string     `db:"private_ip"`
	PublicIP         string     `db:"public_ip"`
	Status           string     `db:"status"`
	WorkerToken      string     `db:"worker_token"`
	CreatedAt        time.Time  `db:"created_at"`
	LastHeartbeat    *time.Time `db:"last_heartbeat"`
}

// CreateWorker records a newly launched instance. The partial unique index on
// (project_name) WHERE status != 'terminated' enforces at most one live
// worker per project; violating it returns ErrConflict.
func (s *Store) CreateWorker(ctx context.Context, w *Worker) error {
	if w.Status == "" {
		w.Status = WorkerProvisioning
	}
	w.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workers (id, project_name, instance_type, region, availability_zone,
			private_ip, public_ip, status, worker_token, created_at, last_heartbeat)
		VALUES (:id, :project_name, :instance_type, :region, :availability_zone,
			:private_ip, :public_ip, :status, :worker_token, :created_at, :last_heartbeat)`, w)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: create worker: %w", err)
	}
	return nil
}

// GetWorker fetches a worker by instance id.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	var w Worker
	err := s.db.GetContext(ctx, &w, `SELECT * FROM workers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get worker: %w", err)
	}
	return &w, nil
}

// GetWorkerByProject fetches the live (non-terminated) worker for a project.
func (s *Store) GetWorkerByProject(ctx context.Context, projectName string) (*Worker, error) {
	var w Worker
	err := s.db.GetContext(ctx, &w,
		`SELECT * FROM workers WHERE project_name = ? AND status != ? LIMIT 1`,
		projectName, WorkerTerminated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get worker by project: %w", err)
	}
	return &w, nil
}

// UpdateWorkerStatus transitions a worker's status.
func (s *Store) UpdateWorkerStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("store: update worker status: %w", err)
	}
	return requireRow(res)
}

// UpdateWorkerIPs records the instance's addresses after launch or restart.
func (s *Store) UpdateWorkerIPs(ctx context.Context, id, privateIP, publicIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET private_ip = ?, public_ip = ? WHERE id = ?`, privateIP, publicIP, id)
	if err != nil {
		return fmt.Errorf("store: update worker ips: %w", err)
	}
	return requireRow(res)
}

// UpdateWorkerInstanceType records the type after a resize.
func (s *Store) UpdateWorkerInstanceType(ctx context.Context, id, instanceType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET instance_type = ? WHERE id = ?`, instanceType, id)
	if err != nil {
		return fmt.Errorf("store: update worker instance type: %w", err)
	}
	return requireRow(res)
}

// TouchWorkerHeartbeat updates last_heartbeat to now.
func (s *Store) TouchWorkerHeartbeat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: touch worker heartbeat: %w", err)
	}
	return requireRow(res)
}
