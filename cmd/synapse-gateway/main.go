// Synapse gateway, the in-container hub between the coding engine, the
// supervisor and human chat clients.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/synapsehq/synapse/pkg/gateway"
	"github.com/synapsehq/synapse/pkg/workspace"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
		slog.Warn("Ignoring non-integer environment value", "key", key)
	}
	return defaultValue
}

func envFloat(key string, defaultValue float64) float64 {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
		slog.Warn("Ignoring non-numeric environment value", "key", key)
	}
	return defaultValue
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	project := getEnv("PROJECT_NAME", "unnamed")
	addr := ":" + getEnv("GATEWAY_PORT", "7777")
	engineURL := getEnv("ENGINE_URL", "ws://127.0.0.1:4096/ws")

	gw := gateway.New(gateway.Config{
		Project:          project,
		SessionKeyPrefix: getEnv("SESSION_KEY_PREFIX", "syn"),
		EngineURL:        engineURL,
		EnginePassword:   os.Getenv("ENGINE_PASSWORD"),
		EngineToken:      os.Getenv("ENGINE_TOKEN"),
		WorkspaceRoot:    getEnv("WORKSPACE", workspace.DefaultRoot),
		Instance: gateway.InstanceInfo{
			Type:         os.Getenv("INSTANCE_TYPE"),
			CPUs:         envFloat("INSTANCE_CPUS", 0),
			MemoryMB:     envInt("INSTANCE_MEMORY_MB", 0),
			HostCPUs:     envInt("HOST_CPUS", 0),
			HostMemoryMB: envInt("HOST_MEMORY_MB", 0),
		},
	})

	slog.Info("Starting synapse gateway", "project", project, "addr", addr, "engine_url", engineURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := gateway.NewEngineSession(gw)
	gw.SetUpstream(session)
	go session.Run(ctx)
	go gw.WatchTask(ctx)

	server := gateway.NewServer(gw, addr)

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
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	slog.Info("Gateway stopped")
}
