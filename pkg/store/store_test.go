package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "synapse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synapse.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Health())
	require.NoError(t, s.Close())

	// Re-opening applies no-op migrations without error.
	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Health())
	require.NoError(t, s.Close())
}

func TestValidateProjectName(t *testing.T) {
	valid := []string{"a", "abc", "my-project", "a1", "0-0", "x2-y3-z4"}
	for _, name := range valid {
		assert.NoError(t, ValidateProjectName(name), name)
	}

	invalid := []string{"", "-abc", "abc-", "ABC", "my_project", "a b", "é", "a--" /* trailing dash */}
	for _, name := range invalid {
		assert.Error(t, ValidateProjectName(name), name)
	}

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateProjectName(string(long)))
}

func TestValidateSecretKey(t *testing.T) {
	valid := []string{"A", "API_KEY", "_PRIVATE", "X9", "LLM_API_KEY"}
	for _, key := range valid {
		assert.NoError(t, ValidateSecretKey(key), key)
	}

	invalid := []string{"", "9KEY", "api_key", "API-KEY", "A B"}
	for _, key := range invalid {
		assert.Error(t, ValidateSecretKey(key), key)
	}
}

func TestProjectCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &Project{Name: "demo", CredentialCipher: "aa:bb:cc"}
	p.SetMCPServers([]string{"filesystem", "browser"})
	require.NoError(t, s.CreateProject(ctx, p))

	// Duplicate name conflicts.
	assert.ErrorIs(t, s.CreateProject(ctx, &Project{Name: "demo"}), ErrConflict)

	got, err := s.GetProject(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, ProjectCreating, got.Status)
	assert.Equal(t, []string{"filesystem", "browser"}, got.MCPServers())
	assert.Equal(t, "aa:bb:cc", got.CredentialCipher)

	require.NoError(t, s.UpdateProjectStatus(ctx, "demo", ProjectRunning))
	got, err = s.GetProject(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, ProjectRunning, got.Status)

	list, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "demo", list[0].Name)

	require.NoError(t, s.DeleteProject(ctx, "demo"))
	_, err = s.GetProject(ctx, "demo")
	assert.ErrorIs(t, err, ErrNotFound)

	// Repeat delete reports NotFound.
	assert.ErrorIs(t, s.DeleteProject(ctx, "demo"), ErrNotFound)
}

func TestSecretUpsertAndCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateProject(ctx, &Project{Name: "demo"}))

	require.NoError(t, s.UpsertSecret(ctx, "demo", "API_KEY", "cipher-1"))
	sec, err := s.GetSecret(ctx, "demo", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "cipher-1", sec.ValueCipher)

	// Replacing is an upsert.
	require.NoError(t, s.UpsertSecret(ctx, "demo", "API_KEY", "cipher-2"))
	sec, err = s.GetSecret(ctx, "demo", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "cipher-2", sec.ValueCipher)

	// Unknown project rejected.
	assert.ErrorIs(t, s.UpsertSecret(ctx, "ghost", "API_KEY", "x"), ErrNotFound)

	// Bad key rejected.
	var verr *ValidationError
	assert.ErrorAs(t, s.UpsertSecret(ctx, "demo", "bad-key", "x"), &verr)

	require.NoError(t, s.UpsertSecret(ctx, "demo", "OTHER", "cipher-3"))
	secrets, err := s.ListSecrets(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, secrets, 2)

	// Deleting the project cascades to its secrets.
	require.NoError(t, s.DeleteProject(ctx, "demo"))
	secrets, err = s.ListSecrets(ctx, "demo")
	require.NoError(t, err)
	assert.Empty(t, secrets)
}

func TestWorkerLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateProject(ctx, &Project{Name: "demo"}))

	w := &Worker{
		ID:           "i-0123456789abcdef0",
		ProjectName:  "demo",
		InstanceType: "m5.xlarge",
		Region:       "us-east-1",
		WorkerToken:  "deadbeef",
	}
	require.NoError(t, s.CreateWorker(ctx, w))
	assert.Equal(t, WorkerProvisioning, w.Status)

	// A second live worker for the same project violates the partial index.
	err := s.CreateWorker(ctx, &Worker{
		ID: "i-ffffffffffffffff0", ProjectName: "demo", InstanceType: "m5.xlarge", WorkerToken: "cafe",
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetWorkerByProject(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
	assert.Nil(t, got.LastHeartbeat)

	require.NoError(t, s.UpdateWorkerIPs(ctx, w.ID, "10.0.0.5", "54.1.2.3"))
	require.NoError(t, s.UpdateWorkerStatus(ctx, w.ID, WorkerReady))
	require.NoError(t, s.TouchWorkerHeartbeat(ctx, w.ID))

	got, err = s.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkerReady, got.Status)
	assert.Equal(t, "10.0.0.5", got.PrivateIP)
	require.NotNil(t, got.LastHeartbeat)
	assert.WithinDuration(t, time.Now().UTC(), *got.LastHeartbeat, time.Minute)

	// After termination a replacement worker is allowed.
	require.NoError(t, s.UpdateWorkerStatus(ctx, w.ID, WorkerTerminated))
	_, err = s.GetWorkerByProject(ctx, "demo")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.CreateWorker(ctx, &Worker{
		ID: "i-1111111111111111", ProjectName: "demo", InstanceType: "m5.2xlarge", WorkerToken: "beef",
	}))
}

func TestTokens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seeded, err := s.HasTokens(ctx)
	require.NoError(t, err)
	assert.False(t, seeded)

	hash := HashToken("operator-secret")
	require.NoError(t, s.InsertToken(ctx, hash))
	require.NoError(t, s.InsertToken(ctx, hash)) // idempotent

	ok, err := s.TokenExists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TokenExists(ctx, HashToken("wrong"))
	require.NoError(t, err)
	assert.False(t, ok)

	seeded, err = s.HasTokens(ctx)
	require.NoError(t, err)
	assert.True(t, seeded)
}
