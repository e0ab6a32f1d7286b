package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pulsehr/attendance-engine/pkg/api"
	"github.com/pulsehr/attendance-engine/pkg/attendance"
	"github.com/pulsehr/attendance-engine/pkg/config"
	"github.com/pulsehr/attendance-engine/pkg/engine"
	"github.com/pulsehr/attendance-engine/pkg/identity"
	"github.com/pulsehr/attendance-engine/pkg/ingest"
	"github.com/pulsehr/attendance-engine/pkg/pgutil"
	"github.com/pulsehr/attendance-engine/pkg/store"
	"github.com/pulsehr/attendance-engine/pkg/terminal"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting attendance engine",
		zap.Int("terminals", len(cfg.Terminals)))

	// Initialize database
	db, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	pg := store.NewStore(db)

	// Build the ingestion pipeline
	rules, err := attendance.NewWorkRules(cfg.WorkRules)
	if err != nil {
		logger.Fatal("Failed to build work rules", zap.Error(err))
	}

	dialer, err := terminal.NewTCPDialer(terminal.ClientConfig{
		ConnectTimeout: cfg.Polling.ConnectTimeout,
		ReadTimeout:    cfg.Polling.FetchTimeout,
		MaxBatch:       cfg.Ingestion.FetchBatchLimit,
	})
	if err != nil {
		logger.Fatal("Failed to build terminal dialer", zap.Error(err))
	}
	guard := ingest.NewDedupGuard(pg, cfg.Ingestion.DedupWindow, cfg.Ingestion.DedupMaxKeys, logger)
	ingestor := ingest.NewIngestor(dialer, guard, cfg.Ingestion, logger)
	mapper := identity.NewMapper(pg, cfg.Identity.AutoProvision, logger)
	reconciler := attendance.NewReconciler(rules, logger)

	ctx := context.Background()
	eng := engine.NewEngine(cfg, ingestor, mapper, reconciler, pg, pg, engine.NewLogSink(logger), logger)
	if err := eng.Start(ctx); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}
	defer eng.Stop()

	// Setup HTTP server for API and metrics
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint (liveness)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Readiness endpoint - returns 503 until the first poll cycle completes
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !eng.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	// Metrics endpoint
	if cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled")
	}

	// API routes
	apiServer := api.NewServer(cfg, eng, pg, pg, dialer, mapper, logger)
	apiServer.Routes(r)

	// Start HTTP server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("address", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, gracefully shutting down...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	logger.Info("Attendance engine stopped")
}
