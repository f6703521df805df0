package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/ledgerstore/internal/auditor"
	"github.com/devrev/ledgerstore/internal/config"
	"github.com/devrev/ledgerstore/internal/health"
	"github.com/devrev/ledgerstore/internal/meta"
	"github.com/devrev/ledgerstore/internal/metrics"
	"github.com/devrev/ledgerstore/internal/speculative"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting ledgerstore auditor")

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("id", cfg.Auditor.ID),
		zap.Strings("metadata_endpoints", cfg.Metadata.Endpoints),
		zap.Duration("periodic_check_interval", cfg.Auditor.PeriodicCheckInterval),
		zap.Duration("periodic_bookie_check_interval", cfg.Auditor.PeriodicBookieCheckInterval),
		zap.Duration("ur_ledger_check_interval", cfg.Auditor.URLedgerCheckInterval))

	// The read-path hedging policy shares this config; constructing it
	// here rejects bad settings before the auditor starts.
	if _, err := speculative.NewPolicy(
		cfg.Speculative.FirstTimeoutMs,
		cfg.Speculative.MaxTimeoutMs,
		cfg.Speculative.BackoffMultiplier,
		logger,
	); err != nil {
		logger.Fatal("Invalid speculative request policy", zap.Error(err))
	}

	// Initialize metrics
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	logger.Info("Metrics initialized")

	// Connect to the metadata store
	metaClient, err := meta.Connect(cfg.Metadata.Endpoints, cfg.Metadata.DialTimeout, cfg.Metadata.Root, logger)
	if err != nil {
		logger.Fatal("Failed to connect to metadata store", zap.Error(err))
	}
	logger.Info("Metadata store connected")

	ledgerManager := meta.NewEtcdLedgerManager(metaClient, logger)
	urManager := meta.NewEtcdUnderreplicationManager(metaClient, logger)
	indexer := meta.NewEtcdBookieLedgerIndexer(metaClient, logger)

	// nil cluster manager: the auditor constructs and owns a
	// gossip-backed one.
	aud, err := auditor.New(cfg.Auditor.ID, cfg, ledgerManager, urManager, indexer, nil, nil, m, logger)
	if err != nil {
		logger.Fatal("Failed to create auditor", zap.Error(err))
	}

	// Start metrics server
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Start health check server
	healthChecker := health.NewHealthChecker(metaClient, aud.IsRunning, logger)
	go func() {
		if err := health.StartHealthServer(healthChecker, cfg.Health.Port, logger); err != nil {
			logger.Error("Health check server failed", zap.Error(err))
		}
	}()

	aud.Start()
	if !aud.IsRunning() {
		logger.Fatal("Auditor failed to start")
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal", zap.String("signal", sig.String()))

	// Graceful shutdown
	logger.Info("Shutting down gracefully")
	aud.Shutdown()

	if err := metaClient.Close(); err != nil {
		logger.Warn("Failed to close metadata store client", zap.Error(err))
	}

	logger.Info("Auditor stopped")
}
