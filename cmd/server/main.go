// Package main implements the entry point for the segqueue server, which
// accepts image segmentation jobs over HTTP, runs them on a bounded worker
// pool and streams queue events to clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/segqueue/internal/config"
	"github.com/phrazzld/segqueue/internal/platform/logger"
	"github.com/phrazzld/segqueue/internal/redact"
)

func main() {
	migrateCmd := flag.String("migrate", "", "run a migration command (up, status, reset) and exit")
	flag.Parse()

	cfg, err := loadAppConfig()
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrateCmd != "" {
		if err := handleMigrations(ctx, cfg, *migrateCmd, appLogger); err != nil {
			appLogger.Error("migration failed", "command", *migrateCmd, "error", err)
			os.Exit(1)
		}
		return
	}

	app, err := newApplication(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		appLogger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

// loadAppConfig loads the application configuration from environment variables or config file.
func loadAppConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"database_driver", cfg.Database.Driver,
		"inference_backend", cfg.Inference.Backend,
		"redis_url", redact.URL(cfg.Notify.RedisURL))
	return cfg, nil
}
