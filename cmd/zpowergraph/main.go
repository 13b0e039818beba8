package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"zpowergraph/internal/app"
	"zpowergraph/internal/config"
	"zpowergraph/internal/logging"
)

const appName = "zpowergraph"

// Default version is "dev" if not set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	dotenv := os.Getenv("DOTENV_PATH")
	if dotenv == "" {
		dotenv = ".env"
	}
	loaded, err := config.LoadDotEnv(dotenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg, version, appName)
	slog.SetDefault(logger)

	logger.Info("starting",
		"version", version,
		"env", cfg.AppEnv,
		"log_level", cfg.LogLevel.String(),
		"dotenv", loaded,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shut down")
}
