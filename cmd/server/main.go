package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/fileflow/internal/app"
	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/logging"
	"github.com/JonMunkholm/fileflow/internal/schema"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", "config", cfg.String())
	logger.Info("schemas registered", "keys", schema.Keys())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx, cfg.Server.Addr()); err != nil {
		logger.Error("stopped with error", "error", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("stopped")
}
