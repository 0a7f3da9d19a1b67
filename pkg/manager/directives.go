package manager

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synapsehq/synapse/pkg/store"
	"github.com/synapsehq/synapse/pkg/workspace"
)

// Directives reads the project's operator directives. A missing file means no
// directives yet.
func (m *Manager) Directives(ctx context.Context, projectName string) ([]workspace.Directive, error) {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return nil, err
	}
	return readDirectives(ctx, a)
}

// AddDirective appends an operator directive and returns it.
func (m *Manager) AddDirective(ctx context.Context, projectName, text string) (workspace.Directive, error) {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return workspace.Directive{}, err
	}
	directives, err := readDirectives(ctx, a)
	if err != nil {
		return workspace.Directive{}, err
	}
	d := workspace.Directive{
		ID:        uuid.New().String(),
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	directives = append(directives, d)
	if err := writeDirectives(ctx, a, directives); err != nil {
		return workspace.Directive{}, err
	}
	return d, nil
}

// RemoveDirective deletes one directive by id.
func (m *Manager) RemoveDirective(ctx context.Context, projectName, id string) error {
	a, err := m.agentFor(ctx, projectName)
	if err != nil {
		return err
	}
	directives, err := readDirectives(ctx, a)
	if err != nil {
		return err
	}
	kept := directives[:0]
	found := false
	for _, d := range directives {
		if d.ID == id {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	if !found {
		return store.ErrNotFound
	}
	return writeDirectives(ctx, a, kept)
}

func readDirectives(ctx context.Context, a agent) ([]workspace.Directive, error) {
	path := workspace.DefaultRoot + "/" + workspace.DirectivesFile
	result, err := a.Exec(ctx, "cat "+path, 10)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return []workspace.Directive{}, nil
	}
	var directives []workspace.Directive
	if err := json.Unmarshal([]byte(result.Stdout), &directives); err != nil {
		return nil, fmt.Errorf("manager: directives file is corrupt: %w", err)
	}
	return directives, nil
}

func writeDirectives(ctx context.Context, a agent, directives []workspace.Directive) error {
	data, err := json.MarshalIndent(directives, "", "  ")
	if err != nil {
		return err
	}
	path := workspace.DefaultRoot + "/" + workspace.DirectivesFile
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("echo %s | base64 -d > %s.tmp && mv %s.tmp %s", encoded, path, path, path)
	result, err := a.Exec(ctx, cmd, 15)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("manager: write directives: exit %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}
