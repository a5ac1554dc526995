package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fcarbone/webtaskd/internal/artifacts"
	"github.com/fcarbone/webtaskd/internal/config"
	"github.com/fcarbone/webtaskd/internal/executor"
	"github.com/fcarbone/webtaskd/internal/httpapi"
	"github.com/fcarbone/webtaskd/internal/ledger"
	"github.com/fcarbone/webtaskd/internal/observability"
	"github.com/fcarbone/webtaskd/internal/scheduler"
	"github.com/fcarbone/webtaskd/internal/session"
	"github.com/fcarbone/webtaskd/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := ledger.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("task ledger init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("task ledger: postgres")
	} else {
		log.Printf("task ledger: in-memory")
	}

	blobs, err := artifacts.NewFSStore(filepath.Join(cfg.DataDir, "artifacts"))
	if err != nil {
		log.Fatalf("artifact store init failed: %v", err)
	}

	exec, err := executor.New(executor.Config{
		Mode:    cfg.ExecutorMode,
		HTTPURL: cfg.ExecutorHTTPURL,
	})
	if err != nil {
		log.Fatalf("executor init failed: %v", err)
	}

	runtime, err := session.NewDirRuntime(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		log.Fatalf("session runtime init failed: %v", err)
	}
	sessions := session.NewRegistry(runtime, cfg.SessionGraceWindow)

	core := scheduler.New(scheduler.Config{
		MaxStepBudget: cfg.MaxStepBudget,
		MaxTimeout:    cfg.MaxTimeout,
		MaxConcurrent: cfg.MaxConcurrent,
	}, store, sessions, exec, blobs, metrics)
	defer core.Close()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, cfg.SessionJanitorInterval)
	sweeper.NewStallMonitor(store, core, cfg.StallWindow, metrics).Start(runCtx, cfg.StallSweepInterval)
	sweeper.NewCleanup(store, blobs, cfg.RetentionAge, metrics).Start(runCtx, cfg.CleanupSweepInterval)

	api := httpapi.New(cfg, core, blobs)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
