// Huoyuan - credit-metered gateway for AI creation apps
package main

import (
	"context"
	"os"

	"github.com/emberai/huoyuan/internal/config"
	"github.com/emberai/huoyuan/internal/logging"
	"github.com/emberai/huoyuan/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting huoyuan",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"persist_workers", cfg.PersistWorkers,
		"rate_limit_rpm", cfg.RateLimitRPM,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
