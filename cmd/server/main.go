// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Order ingestion service.
//
// Entry point for the scan server. It:
//  1. Loads configuration from the environment and config.yaml
//  2. Opens the store (PostgreSQL or SQLite) and connects to Redis
//  3. Builds the retailer registry, AI fallback and reconciliation gate
//  4. Registers configured IMAP accounts
//  5. Runs the scan queue worker and the stale job reaper
//  6. Serves the scan API, health and metrics endpoints
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orderscan/ingestion/internal/api"
	"github.com/orderscan/ingestion/internal/app"
	"github.com/orderscan/ingestion/internal/config"
	"github.com/orderscan/ingestion/internal/queue"
	"github.com/orderscan/ingestion/internal/scan"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("starting order ingestion service")

	slog.Info("configuration loaded",
		"database_driver", cfg.DatabaseDriver,
		"imap_accounts", len(cfg.IMAPAccounts),
		"ai_enabled", cfg.AIEnabled,
		"scan_workers", cfg.ScanWorkers,
		"scan_concurrent_jobs", cfg.ScanConcurrentJobs,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Wire components ---
	a, err := app.Build(ctx, cfg, logger, app.Options{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		slog.Error("failed to initialise service", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- Scan worker and reaper ---
	worker := scan.NewWorker(a.Queue, a.Runner, cfg.ScanConcurrentJobs, logger)
	worker.Start(ctx)

	reaper := a.NewReaper()
	reaper.Start(ctx)

	// --- API Server ---
	checks := map[string]api.HealthCheck{
		"database": a.Store.Ping,
	}
	if rq, ok := a.Queue.(*queue.RedisQueue); ok {
		checks["redis"] = rq.Ping
	}
	server := api.NewServer(a.Service, api.Config{
		Port:     cfg.Port,
		Checks:   checks,
		Gatherer: prometheus.DefaultGatherer,
	}, logger)

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		// Running jobs see ctx done and finish as interrupted.
		cancel()
	}()

	slog.Info("ingestion service listening", "port", cfg.Port)
	if err := server.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	// Start returns once Shutdown is called; wait for the workers to drain.
	<-ctx.Done()
	worker.Stop()
	reaper.Stop()
	slog.Info("ingestion service stopped")
}
