// Command server runs the provisioning workflow engine's HTTP API:
// config/logger/state wiring, workflow registration, and graceful
// shutdown, in the shape of the teacher's cmd/server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetwire/provisioner/internal/config"
	"github.com/fleetwire/provisioner/internal/events"
	"github.com/fleetwire/provisioner/internal/httpapi"
	"github.com/fleetwire/provisioner/internal/logger"
	"github.com/fleetwire/provisioner/internal/metrics"
	"github.com/fleetwire/provisioner/internal/scheduler"
	"github.com/fleetwire/provisioner/internal/state"
	"github.com/fleetwire/provisioner/internal/upstream"
	"github.com/fleetwire/provisioner/internal/workflow"
	"github.com/fleetwire/provisioner/internal/workflows/perunitpsk"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)
	appLogger.Info("starting provisioning engine", "port", cfg.Server.Port)

	store, err := state.New(cfg.Redis, cfg.Engine.JobTTL, appLogger)
	if err != nil {
		appLogger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	pub := events.New(store, appLogger)
	upstreamClient := upstream.New(cfg.Upstream, appLogger)

	registry := workflow.NewRegistry()
	if err := registry.Register(perunitpsk.New(cfg.Engine.MaxActivationSlots)); err != nil {
		appLogger.Error("failed to register workflow", "workflow", perunitpsk.Name, "error", err)
		os.Exit(1)
	}
	appLogger.Info("registered workflows", "names", registry.Names())

	sched := scheduler.New(cfg.Engine, store, pub, upstreamClient, appLogger)

	server := httpapi.NewServer(registry, sched, store, appLogger, cfg.Engine.SSEKeepalive)
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(server, appLogger, gin.WrapH(metrics.Handler()))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		appLogger.Info("http server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			appLogger.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		appLogger.Info("shutdown initiated", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			appLogger.Error("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
		appLogger.Info("server stopped")
	}
}
