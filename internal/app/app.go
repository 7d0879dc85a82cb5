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

// Package app wires the ingestion components from a loaded configuration.
// Both the server and the scan CLI build on it.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/orderscan/ingestion/internal/ai"
	"github.com/orderscan/ingestion/internal/config"
	"github.com/orderscan/ingestion/internal/dedup"
	"github.com/orderscan/ingestion/internal/gmail"
	"github.com/orderscan/ingestion/internal/metrics"
	"github.com/orderscan/ingestion/internal/pipeline"
	"github.com/orderscan/ingestion/internal/provider"
	"github.com/orderscan/ingestion/internal/queue"
	"github.com/orderscan/ingestion/internal/reconcile"
	"github.com/orderscan/ingestion/internal/retailer"
	"github.com/orderscan/ingestion/internal/scan"
	"github.com/orderscan/ingestion/internal/store"
	"github.com/orderscan/ingestion/internal/store/postgres"
	"github.com/orderscan/ingestion/internal/store/sqlite"
)

// NewLogger returns a JSON logger when format is "json" and a tint console
// logger otherwise.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: "15:04:05.000"}))
}

// Options adjust how App is built.
type Options struct {
	// Registerer receives the collectors. Nil disables metrics.
	Registerer prometheus.Registerer

	// LocalQueue forces the in-process queue even when Redis is configured.
	LocalQueue bool
}

// App holds the wired components. Close releases them.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    store.Store
	Redis    *redis.Client
	Queue    queue.Queue
	Registry *retailer.Registry
	Metrics  *metrics.Metrics
	Factory  *provider.Factory
	Runner   *scan.Runner
	Service  *scan.Service
}

// Build connects the store and Redis, builds the registry, extraction
// pipeline and reconciliation gate, and registers configured IMAP accounts.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// --- Store ---
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = st
	logger.Info("store ready", "driver", cfg.DatabaseDriver)

	// --- Redis: queue and dedup locks ---
	var locker dedup.Locker
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opt)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		locker = dedup.NewRedisLocker(a.Redis)
		logger.Info("connected to Redis")
	} else {
		locker = dedup.NewLocalLocker(64)
	}
	if a.Redis != nil && !opts.LocalQueue {
		a.Queue = queue.NewRedisQueue(a.Redis, cfg.ScanQueue)
	} else {
		a.Queue = queue.NewMemoryQueue(64)
	}

	// --- Metrics ---
	if opts.Registerer != nil {
		a.Metrics = metrics.New(opts.Registerer)
	} else {
		a.Metrics = metrics.Nop()
	}

	// --- Retailer registry ---
	exts := make([]retailer.Extension, 0, len(cfg.Retailers))
	for _, r := range cfg.Retailers {
		exts = append(exts, retailer.Extension{Name: r.Name, Domains: r.Domains, Keywords: r.Keywords})
	}
	a.Registry, err = retailer.Default(exts...)
	if err != nil {
		return nil, fmt.Errorf("build retailer registry: %w", err)
	}
	logger.Info("retailer registry loaded", "parsers", a.Registry.Len())

	// --- AI fallback ---
	var analyzer pipeline.Analyzer
	if cfg.AIEnabled {
		gen, err := ai.NewOpenAI(cfg.AIAPIKey, cfg.AIModel)
		if err != nil {
			return nil, fmt.Errorf("create AI client: %w", err)
		}
		an, err := ai.NewAnalyzer(ai.NewRateLimited(gen, cfg.AIRatePerMinute, 1), ai.Config{
			BodyLimit:    cfg.AIBodyLimit,
			Instructions: cfg.AIInstructions,
		})
		if err != nil {
			return nil, fmt.Errorf("create analyzer: %w", err)
		}
		analyzer = an
		logger.Info("AI fallback enabled", "model", cfg.AIModel, "rate_per_minute", cfg.AIRatePerMinute)
	}
	pipe := pipeline.New(a.Registry, analyzer, cfg.MinConfidence, a.Metrics, logger)
	gate := reconcile.NewGate(a.Store, locker, cfg.MinConfidence, logger)

	// --- Mailbox providers ---
	var oauth *oauth2.Config
	if cfg.GoogleClientID != "" {
		oauth = gmail.OAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret)
	}
	a.Factory = provider.NewFactory(oauth, cfg.IMAPAccounts, logger)
	for _, acct := range a.Factory.Accounts() {
		if err := a.Store.UpsertAccount(ctx, &acct); err != nil {
			return nil, fmt.Errorf("register IMAP account %s: %w", acct.ID, err)
		}
	}

	// --- Scanning ---
	a.Runner = scan.NewRunner(scan.RunnerConfig{
		Store:                  a.Store,
		Clients:                a.Factory,
		Extractor:              pipe,
		Gate:                   gate,
		Metrics:                a.Metrics,
		Logger:                 logger,
		Workers:                cfg.ScanWorkers,
		MaxConsecutiveFailures: cfg.MaxConsecutiveUpstreamFailures,
		RetryAttempts:          cfg.RetryAttempts,
		RetryBackoff:           cfg.RetryBackoff,
		HintQuery:              scan.HintQuery(a.Registry.List()),
	})
	a.Service = scan.NewService(a.Store, a.Queue, a.Registry, logger)

	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return postgres.Open(ctx, cfg.DatabaseURL)
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unknown DATABASE_DRIVER %q", cfg.DatabaseDriver)
}

// NewReaper returns a reaper over the app's job store using the configured
// staleness settings.
func (a *App) NewReaper() *scan.Reaper {
	return scan.NewReaper(a.Store, a.Config.ScanStaleAfter, a.Config.ReapInterval, a.Logger)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	if a.Factory != nil {
		a.Factory.Close()
	}
	if q, ok := a.Queue.(*queue.MemoryQueue); ok {
		q.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
