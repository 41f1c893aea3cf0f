package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabroom/internal/app"
	"collabroom/internal/config"
)

// ConfigFileEnv names an optional JSON/YAML config file that outranks the environment.
const ConfigFileEnv = "COLLABROOM_CONFIG_FILE"

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		cancel()
		slog.Error("collabroom exited", "error", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or the server fails, then shuts down.
func run(ctx context.Context) error {
	cfg, err := config.LoadConfigWithPrecedence(os.Getenv(ConfigFileEnv))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	application, err := app.NewApplication(cfg, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	logger := application.Logger()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-application.Errors():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := application.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown error: %w", err)
	}
	return runErr
}
