// Command cleanup sweeps expired job state out of Redis, mirroring
// the teacher's separate cmd/migrate binary: a thin CLI around one
// infrastructure operation, run standalone or from a cron job.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fleetwire/provisioner/internal/config"
	"github.com/fleetwire/provisioner/internal/logger"
	"github.com/fleetwire/provisioner/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)

	store, err := state.New(cfg.Redis, cfg.Engine.JobTTL, appLogger)
	if err != nil {
		appLogger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	removed, err := store.CleanupExpiredJobs(ctx)
	if err != nil {
		appLogger.Error("cleanup failed", "error", err)
		os.Exit(1)
	}
	appLogger.Info("cleanup completed", "jobs_removed", removed)
}
