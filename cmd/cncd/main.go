package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaonis/woly-cnc/internal/audit"
	"github.com/kaonis/woly-cnc/internal/config"
	"github.com/kaonis/woly-cnc/internal/health"
	"github.com/kaonis/woly-cnc/internal/httpapi"
	"github.com/kaonis/woly-cnc/internal/metrics"
	"github.com/kaonis/woly-cnc/internal/nodemgr"
	"github.com/kaonis/woly-cnc/internal/router"
	"github.com/kaonis/woly-cnc/internal/sessiontoken"
	"github.com/kaonis/woly-cnc/internal/storage"
	"github.com/kaonis/woly-cnc/internal/wakeworker"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("config loaded successfully", zap.String("database_path", cfg.DatabasePath))

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}

	nodeStore := storage.NewNodeStore(db, logger)
	hostStore := storage.NewHostStore(db, logger)
	commandStore := storage.NewCommandStore(db, logger)
	scheduleStore := storage.NewWakeScheduleStore(db)

	tokenManager, err := sessiontoken.NewManager(
		cfg.WSSessionTokenSecrets,
		cfg.WSSessionTokenIssuer,
		cfg.WSSessionTokenAudience,
		cfg.WSSessionTokenTTL(),
	)
	if err != nil {
		logger.Error("failed to build session token manager", zap.Error(err))
		os.Exit(1)
	}

	rtMetrics := metrics.Global()
	auditLogger := audit.NewLogger(db, logger)

	nodes := nodemgr.NewManager(nodemgr.Config{
		NodeAuthTokens:            cfg.NodeAuthTokens,
		SupportedProtocolVersions: cfg.SupportedProtocolVersions,
		AllowedOrigins:            cfg.AllowedOrigins,
		HeartbeatInterval:         cfg.NodeHeartbeatInterval(),
		NodeTimeout:               cfg.NodeTimeout(),
	}, nodeStore, hostStore, tokenManager, rtMetrics, logger)

	rt := router.NewRouter(router.Config{
		CommandTimeout:    cfg.CommandTimeout(),
		RetryBaseDelay:    cfg.CommandRetryBaseDelay(),
		CommandMaxRetries: cfg.CommandMaxRetries,
	}, nodes, hostStore, commandStore, rtMetrics, auditLogger, nodes.Events(), logger)

	var worker *wakeworker.Worker
	if cfg.ScheduleWorkerEnabled {
		worker = wakeworker.New(rt, scheduleStore, cfg.ScheduleWorkerPollInterval(), cfg.ScheduleWorkerBatchSize, logger)
	}

	checker := health.NewChecker(db, nodes, rt, worker)
	api := httpapi.NewServer(rt, nodes, checker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconciled, err := rt.ReconcileStaleInFlight(ctx)
	if err != nil {
		logger.Error("failed to reconcile stale in-flight commands", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("reconciled stale in-flight commands", zap.Int("count", reconciled))

	go rt.Run(ctx)
	go nodes.RunHeartbeatSupervisor(ctx)
	if worker != nil {
		go worker.Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Handler(),
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}

	nodes.Shutdown()
	rt.Cleanup()
	cancel()

	logger.Info("cncd exited cleanly")
}
