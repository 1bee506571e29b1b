package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-engine/internal/client"
	"github.com/pesio-ai/be-approval-engine/internal/config"
	"github.com/pesio-ai/be-approval-engine/internal/handler"
	"github.com/pesio-ai/be-approval-engine/internal/repository"
	"github.com/pesio-ai/be-approval-engine/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Logger()
	if cfg.Service.Environment == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	log.Info().
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approval Engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid database configuration")
	}
	poolCfg.MaxConns = int32(cfg.DB.MaxConns)
	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS (optional; without it notifications are dropped)
	var notifier service.NotificationDispatcher = service.NopDispatcher{}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		notifier = client.NewNotificationPublisher(nc, log)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("No NATS URL configured; notifications disabled")
	}

	// Initialize repositories
	workflowStore := repository.NewPostgresWorkflowStore(db)
	templateStore := repository.NewPostgresTemplateStore(db)
	auditStore := repository.NewPostgresAuditStore(db)

	// Initialize services
	approvalService := service.NewApprovalService(workflowStore, templateStore, auditStore, notifier, nil, log)
	executionService := service.NewExecutionService(workflowStore, notifier, log)
	statisticsService := service.NewStatisticsService(auditStore, log)
	sweepService := service.NewSweepService(workflowStore, notifier, log)

	// Sweep timers. The sweeps are idempotent and CAS-guarded, so multiple
	// daemon instances can run them simultaneously.
	go runSweep(ctx, log, "escalation", cfg.Sweep.EscalationInterval, sweepService.ProcessEscalations)
	go runSweep(ctx, log, "expiration", cfg.Sweep.ExpirationInterval, sweepService.ProcessExpiredWorkflows)

	// HTTP server
	httpHandler := handler.NewHTTPHandler(approvalService, executionService, statisticsService, log)
	mux := http.NewServeMux()
	httpHandler.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: mux,
	}
	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("Stopped")
}

// runSweep invokes fn on every tick until ctx is cancelled. Sweep errors are
// logged and the next tick retries.
func runSweep(ctx context.Context, log zerolog.Logger, name string, interval time.Duration, fn func(context.Context) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("sweep", name).Dur("interval", interval).Msg("Sweep started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("sweep", name).Msg("Sweep stopped")
			return
		case <-ticker.C:
			n, err := fn(ctx)
			if err != nil {
				log.Error().Err(err).Str("sweep", name).Msg("Sweep run failed")
				continue
			}
			if n > 0 {
				log.Info().Str("sweep", name).Int("processed", n).Msg("Sweep run completed")
			}
		}
	}
}
