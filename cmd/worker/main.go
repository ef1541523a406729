package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pixelrelay/internal/config"
	"pixelrelay/internal/logger"
	"pixelrelay/internal/metrics"
	"pixelrelay/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Initialize logger
	logger := logger.New(cfg.LogLevel)
	metrics.Register()

	// Initialize worker
	w, err := worker.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize worker: %v", err)
	}

	if addr := cfg.WorkerMetricsAddr; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("Serving worker metrics on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server stopped: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Start worker
	logger.Info("Starting worker...")
	go w.Start(ctx)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	w.Stop(30 * time.Second)
}
