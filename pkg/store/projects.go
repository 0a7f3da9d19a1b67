package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Project statuses.
const (
	ProjectCreating      = "creating"
	ProjectProvisioning  = "provisioning"
	ProjectBootstrapping = "bootstrapping"
	ProjectRunning       = "running"
	ProjectStopped       = "stopped"
	ProjectResizing      = "resizing"
	ProjectError         = "error"
	ProjectTerminated    = "terminated"
)

var projectNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateProjectName enforces the lowercase-alphanumeric-with-dashes rule,
// 1–64 characters, no leading or trailing dash.
func ValidateProjectName(name string) error {
	if len(name) < 1 || len(name) > 64 {
		return &ValidationError{Field: "project name", Reason: "must be 1-64 characters"}
	}
	if !projectNameRe.MatchString(name) {
		return &ValidationError{Field: "project name", Reason: "must be lowercase alphanumeric with dashes, not starting or ending with a dash"}
	}
	return nil
}

// Project is the persisted project row. Credential and extra-env values are
// ciphertext produced by secretbox; plaintext never reaches the store.
type Project struct {
	Name             string    `db:"name" json:"name"`
	Status           string    `db:"status" json:"status"`
	CredentialCipher string    `db:"credential_cipher" json:"-"`
	ExtraEnvCipher   string    `db:"extra_env_cipher" json:"-"`
	MCPServersJSON   string    `db:"mcp_servers" json:"-"`
	InstanceType     string    `db:"instance_type" json:"instance_type,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// MCPServers decodes the enabled model-context server names.
func (p *Project) MCPServers() []string {
	var servers []string
	if err := json.Unmarshal([]byte(p.MCPServersJSON), &servers); err != nil {
		return nil
	}
	return servers
}

// SetMCPServers encodes the enabled model-context server names.
func (p *Project) SetMCPServers(servers []string) {
	if servers == nil {
		servers = []string{}
	}
	data, _ := json.Marshal(servers)
	p.MCPServersJSON = string(data)
}

// CreateProject inserts a new project. Returns ErrConflict if the name is
// taken and a ValidationError for a bad name.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if err := ValidateProjectName(p.Name); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = ProjectCreating
	}
	if p.MCPServersJSON == "" {
		p.MCPServersJSON = "[]"
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO projects (name, status, credential_cipher, extra_env_cipher, mcp_servers, instance_type, created_at, updated_at)
		VALUES (:name, :status, :credential_cipher, :extra_env_cipher, :mcp_servers, :instance_type, :created_at, :updated_at)`, p)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: create project: %w", err)
	}
	return nil
}

// GetProject fetches one project by name.
func (s *Store) GetProject(ctx context.Context, name string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := s.db.SelectContext(ctx, &projects, `SELECT * FROM projects ORDER BY name`); err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	return projects, nil
}

// UpdateProjectStatus transitions a project's status.
func (s *Store) UpdateProjectStatus(ctx context.Context, name, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = ?, updated_at = ? WHERE name = ?`,
		status, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("store: update project status: %w", err)
	}
	return requireRow(res)
}

// UpdateProjectSecrets replaces the encrypted credential and extra-env blob.
func (s *Store) UpdateProjectSecrets(ctx context.Context, name, credentialCipher, extraEnvCipher string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET credential_cipher = ?, extra_env_cipher = ?, updated_at = ? WHERE name = ?`,
		credentialCipher, extraEnvCipher, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("store: update project secrets: %w", err)
	}
	return requireRow(res)
}

// UpdateProjectInstanceType records the requested worker instance type.
func (s *Store) UpdateProjectInstanceType(ctx context.Context, name, instanceType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET instance_type = ?, updated_at = ? WHERE name = ?`,
		instanceType, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("store: update project instance type: %w", err)
	}
	return requireRow(res)
}

// DeleteProject removes a project; secrets and workers cascade.
func (s *Store) DeleteProject(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: delete project: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
