// Reservoir - merchant risk scoring and reserve exposure forecasting
package main

import (
	"context"
	"os"

	"github.com/harborpay/reservoir/internal/config"
	"github.com/harborpay/reservoir/internal/logging"
	"github.com/harborpay/reservoir/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting reservoir",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"rate_limit_capacity", cfg.RateLimitCapacity,
		"scan_cache_ttl", cfg.ScanCacheTTL,
		"signed_ledger", cfg.LedgerHMACSecret != "",
	)

	// Create and run server
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
