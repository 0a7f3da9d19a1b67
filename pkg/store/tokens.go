package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// HashToken returns the SHA-256 hex digest of a plaintext bearer token.
// Plaintext tokens are never persisted.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// InsertToken stores a token hash. Inserting an existing hash is a no-op.
func (s *Store) InsertToken(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (hash, created_at) VALUES (?, ?) ON CONFLICT (hash) DO NOTHING`,
		hash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: insert token: %w", err)
	}
	return nil
}

// TokenExists reports whether a token hash is present.
func (s *Store) TokenExists(ctx context.Context, hash string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tokens WHERE hash = ?`, hash); err != nil {
		return false, fmt.Errorf("store: token lookup: %w", err)
	}
	return n > 0, nil
}

// HasTokens reports whether any operator token has been seeded yet.
func (s *Store) HasTokens(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tokens`); err != nil {
		return false, fmt.Errorf("store: token count: %w", err)
	}
	return n > 0, nil
}
