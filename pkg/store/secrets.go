package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var secretKeyRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// ValidateSecretKey enforces the environment-variable-shaped key rule,
// at most 128 characters.
func ValidateSecretKey(key string) error {
	if len(key) == 0 || len(key) > 128 {
		return &ValidationError{Field: "secret key", Reason: "must be 1-128 characters"}
	}
	if !secretKeyRe.MatchString(key) {
		return &ValidationError{Field: "secret key", Reason: "must match ^[A-Z_][A-Z0-9_]*$"}
	}
	return nil
}

// Secret is one encrypted per-project value. Only ciphertext is persisted.
type Secret struct {
	ProjectName string    `db:"project_name"`
	Key         string    `db:"key"`
	ValueCipher string    `db:"value_cipher"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// UpsertSecret inserts or replaces a secret value. The project must exist.
func (s *Store) UpsertSecret(ctx context.Context, projectName, key, valueCipher string) error {
	if err := ValidateSecretKey(key); err != nil {
		return err
	}
	if _, err := s.GetProject(ctx, projectName); err != nil {
		return err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (project_name, key, value_cipher, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_name, key)
		DO UPDATE SET value_cipher = excluded.value_cipher, updated_at = excluded.updated_at`,
		projectName, key, valueCipher, now, now)
	if err != nil {
		return fmt.Errorf("store: upsert secret: %w", err)
	}
	return nil
}

// GetSecret fetches one secret row (ciphertext).
func (s *Store) GetSecret(ctx context.Context, projectName, key string) (*Secret, error) {
	var sec Secret
	err := s.db.GetContext(ctx, &sec,
		`SELECT * FROM secrets WHERE project_name = ? AND key = ?`, projectName, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get secret: %w", err)
	}
	return &sec, nil
}

// ListSecrets returns all secret rows for a project ordered by key.
// Callers that serve operators must expose keys only.
func (s *Store) ListSecrets(ctx context.Context, projectName string) ([]Secret, error) {
	var secrets []Secret
	err := s.db.SelectContext(ctx, &secrets,
		`SELECT * FROM secrets WHERE project_name = ? ORDER BY key`, projectName)
	if err != nil {
		return nil, fmt.Errorf("store: list secrets: %w", err)
	}
	return secrets, nil
}

// DeleteSecret removes one secret.
func (s *Store) DeleteSecret(ctx context.Context, projectName, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM secrets WHERE project_name = ? AND key = ?`, projectName, key)
	if err != nil {
		return fmt.Errorf("store: delete secret: %w", err)
	}
	return requireRow(res)
}
