// Synapse supervisor keeps the in-container coding agent productive by
// prompting it through the gateway and enforcing task limits.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/synapsehq/synapse/pkg/supervisor"
	"github.com/synapsehq/synapse/pkg/workspace"
)

// restartDelay spaces out supervisor loop restarts after unhandled errors.
const restartDelay = 30 * time.Second

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

	gatewayURL := getEnv("SUPERVISOR_GATEWAY_URL", "ws://127.0.0.1:7777/ws")
	root := getEnv("WORKSPACE", workspace.DefaultRoot)

	sup := supervisor.New(supervisor.Config{
		GatewayURL:    gatewayURL,
		WorkspaceRoot: root,
	})

	slog.Info("Starting synapse supervisor", "gateway_url", gatewayURL, "workspace", root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-stop
		slog.Info("Shutting down", "signal", sig.String())
		cancel()
	}()

	// The loop only returns on context cancellation, an operator control
	// action, or an unrecoverable error; the last gets a delay and a fresh
	// start. Stop exits clean; restart exits non-zero so the container
	// watchdog respawns a supervisor with no carried-over state.
	for {
		err := sup.Run(ctx)
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, supervisor.ErrStopRequested) {
			slog.Info("Supervisor stopped by operator")
			return
		}
		if errors.Is(err, supervisor.ErrRestartRequested) {
			slog.Info("Supervisor restart requested, exiting for respawn")
			os.Exit(1)
		}
		slog.Error("Supervisor loop exited, restarting", "error", err, "delay", restartDelay)
		select {
		case <-ctx.Done():
		case <-time.After(restartDelay):
			continue
		}
		break
	}
	slog.Info("Supervisor stopped")
}
