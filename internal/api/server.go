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

// Package api exposes scan jobs over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orderscan/ingestion/internal/models"
	"github.com/orderscan/ingestion/internal/retailer"
	"github.com/orderscan/ingestion/internal/scan"
)

// ScanService is the scan API the handlers call.
type ScanService interface {
	StartScan(ctx context.Context, accountID string, opts scan.Options) (*models.EmailScanJob, error)
	GetScanStatus(ctx context.Context, jobID string) (*models.EmailScanJob, error)
	Cancel(ctx context.Context, jobID string) (*models.EmailScanJob, error)
	ListParsers() []retailer.Info
	ResetAccount(ctx context.Context, accountID string) (int64, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds server settings.
type Config struct {
	Port     int
	Checks   map[string]HealthCheck
	Gatherer prometheus.Gatherer
}

// Server is the HTTP API.
type Server struct {
	echo   *echo.Echo
	scans  ScanService
	checks map[string]HealthCheck
	logger *slog.Logger
	port   int
}

// NewServer creates the server and registers its routes.
func NewServer(scans ScanService, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Debug("http request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration", time.Since(start),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return nil
		}
	})

	s := &Server{echo: e, scans: scans, checks: cfg.Checks, logger: logger, port: cfg.Port}
	s.registerRoutes(cfg.Gatherer)
	return s
}

func (s *Server) registerRoutes(g prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/accounts/:id/scans", s.handleStartScan)
	v1.POST("/accounts/:id/reset", s.handleReset)
	v1.GET("/scans/:id", s.handleGetScan)
	v1.POST("/scans/:id/cancel", s.handleCancel)
	v1.GET("/parsers", s.handleParsers)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// StartScanRequest is the body of POST /api/v1/accounts/:id/scans.
type StartScanRequest struct {
	DateFrom   string `json:"date_from"`
	DateTo     string `json:"date_to"`
	ScanType   string `json:"scan_type"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		for name, check := range s.checks {
			if err := check(ctx); err != nil {
				s.logger.Warn("health check failed", "check", name, "error", err)
				resp.Checks[name] = "unavailable"
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	return c.JSON(code, resp)
}

func (s *Server) handleStartScan(c echo.Context) error {
	var req StartScanRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}

	opts := scan.Options{
		ScanType:   models.ScanType(strings.ToLower(req.ScanType)),
		Query:      req.Query,
		MaxResults: req.MaxResults,
	}
	var err error
	if opts.DateFrom, err = parseDate(req.DateFrom); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid date_from")
	}
	if opts.DateTo, err = parseDate(req.DateTo); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid date_to")
	}

	job, err := s.scans.StartScan(c.Request().Context(), c.Param("id"), opts)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleGetScan(c echo.Context) error {
	job, err := s.scans.GetScanStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancel(c echo.Context) error {
	job, err := s.scans.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleParsers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.scans.ListParsers())
}

func (s *Server) handleReset(c echo.Context) error {
	if _, err := s.scans.ResetAccount(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// mapError turns service errors into HTTP errors. Unexpected errors are
// logged and reported without detail.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, scan.ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "scan job not found")
	case errors.Is(err, scan.ErrAccountNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "email account not found")
	case errors.Is(err, scan.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, "scan job is already finished")
	case errors.Is(err, scan.ErrInvalidOptions):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Error("request failed", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// parseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised date %q", s)
}

// Start listens on the configured port until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("http server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.echo.Shutdown(ctx)
}
