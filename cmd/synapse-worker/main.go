// Synapse worker agent runs on a dedicated instance, owns one project's
// container and proxies the control plane to it.
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

	"github.com/synapsehq/synapse/pkg/sandbox"
	"github.com/synapsehq/synapse/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Bootstrap writes /etc/synapse/worker.env; a local .env wins for dev.
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("/etc/synapse/worker.env"); err != nil {
			slog.Warn("Could not load worker env file, continuing with existing environment", "error", err)
		}
	}

	project := os.Getenv("SYNAPSE_PROJECT")
	token := os.Getenv("SYNAPSE_WORKER_TOKEN")
	if project == "" || token == "" {
		slog.Error("SYNAPSE_PROJECT and SYNAPSE_WORKER_TOKEN are required")
		os.Exit(1)
	}
	addr := ":" + getEnv("WORKER_PORT", "7070")
	gatewayPort, err := strconv.Atoi(getEnv("GATEWAY_PORT", "7777"))
	if err != nil {
		slog.Error("GATEWAY_PORT must be an integer", "error", err)
		os.Exit(1)
	}

	host := worker.DetectHost()
	slog.Info("Starting synapse worker",
		"project", project,
		"addr", addr,
		"host_cpus", host.CPUs,
		"host_memory_mb", host.MemoryMB)

	sb, err := sandbox.NewDocker(project)
	if err != nil {
		slog.Error("Failed to initialize Docker client", "error", err)
		os.Exit(1)
	}

	server := worker.NewServer(worker.Config{
		Project:     project,
		Token:       token,
		Addr:        addr,
		GatewayPort: gatewayPort,
		Sandbox:     sb,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controlURL := os.Getenv("SYNAPSE_CONTROL_URL")
	if controlURL != "" {
		hb := worker.NewHeartbeat(controlURL, project, token)
		go hb.Run(ctx)
	} else {
		slog.Warn("SYNAPSE_CONTROL_URL is unset, heartbeats disabled")
	}

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

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	slog.Info("Worker stopped")
}
