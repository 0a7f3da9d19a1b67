// Synapse control plane: operator API, project store, worker provisioning
// and container management.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/synapsehq/synapse/pkg/api"
	"github.com/synapsehq/synapse/pkg/manager"
	"github.com/synapsehq/synapse/pkg/provision"
	"github.com/synapsehq/synapse/pkg/secretbox"
	"github.com/synapsehq/synapse/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	dbPath := getEnv("DB_PATH", "./synapse.db")
	image := getEnv("AGENT_IMAGE", "synapse-agent:latest")

	masterSecret := os.Getenv("SYNAPSE_MASTER_SECRET")
	if masterSecret == "" {
		slog.Error("SYNAPSE_MASTER_SECRET is required")
		os.Exit(1)
	}

	slog.Info("Starting synapse control plane", "http_port", httpPort, "db_path", dbPath, "image", image)

	ctx := context.Background()

	box, err := secretbox.New(masterSecret)
	if err != nil {
		slog.Error("Failed to initialize secret box", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Store ready", "path", dbPath)

	// Seed the first operator token so a fresh deployment is reachable.
	if seedOperatorToken(ctx, db) != nil {
		os.Exit(1)
	}

	var cloud provision.CloudAPI
	cloudURL := os.Getenv("CLOUD_API_URL")
	if cloudURL != "" {
		cloud = provision.NewHTTPCloud(cloudURL, os.Getenv("CLOUD_API_KEY"))
		slog.Info("Cloud API configured", "url", cloudURL)
	} else {
		slog.Info("No cloud API configured, projects run on the local Docker daemon")
	}

	prov := provision.New(provision.Config{
		ControlURL: getEnv("CONTROL_URL", "http://localhost:"+httpPort),
	}, db, cloud, box)

	mgr := manager.New(manager.Config{Image: image}, db, box, prov)

	server := api.NewServer(api.Config{
		Addr:   ":" + httpPort,
		Image:  image,
		Remote: cloud != nil,
	}, db, box, prov, mgr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	case sig := <-stop:
		slog.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	slog.Info("Control plane stopped")
}

// seedOperatorToken inserts SYNAPSE_OPERATOR_TOKEN when the token table is
// empty. Only the digest is stored.
func seedOperatorToken(ctx context.Context, db *store.Store) error {
	has, err := db.HasTokens(ctx)
	if err != nil {
		slog.Error("Failed to check token table", "error", err)
		return err
	}
	if has {
		return nil
	}
	token := os.Getenv("SYNAPSE_OPERATOR_TOKEN")
	if token == "" {
		slog.Warn("No operator tokens exist and SYNAPSE_OPERATOR_TOKEN is unset, the API will reject everything")
		return nil
	}
	if err := db.InsertToken(ctx, store.HashToken(token)); err != nil {
		slog.Error("Failed to seed operator token", "error", err)
		return err
	}
	slog.Info("Seeded initial operator token")
	return nil
}
