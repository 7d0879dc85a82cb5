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

// Package scan orchestrates mailbox scans: job lifecycle, the per-job worker
// pool that runs every message through extraction and reconciliation, the
// queue worker and the reaper for abandoned jobs.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orderscan/ingestion/internal/models"
	"github.com/orderscan/ingestion/internal/queue"
	"github.com/orderscan/ingestion/internal/retailer"
	"github.com/orderscan/ingestion/internal/store"
)

var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("scan job not found")

	// ErrAccountNotFound is returned for unknown account IDs.
	ErrAccountNotFound = errors.New("email account not found")

	// ErrInvalidTransition is returned when a job cannot move to the
	// requested status, e.g. cancelling a completed job.
	ErrInvalidTransition = errors.New("invalid scan job transition")

	// ErrInvalidOptions is returned for malformed scan requests.
	ErrInvalidOptions = errors.New("invalid scan options")
)

// JobStore persists scan jobs.
type JobStore interface {
	CreateJob(ctx context.Context, j *models.EmailScanJob) error
	GetJob(ctx context.Context, id string) (*models.EmailScanJob, error)
	TransitionJob(ctx context.Context, id string, from, to models.JobStatus, lastError string) error
	RequestCancel(ctx context.Context, id string) error
	AddProgress(ctx context.Context, id string, p models.JobProgress) error
	ListStaleJobs(ctx context.Context, heartbeatBefore time.Time) ([]models.EmailScanJob, error)
}

// AccountStore reads email accounts.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.EmailAccount, error)
}

// LedgerReader reads and resets the processed-email ledger.
type LedgerReader interface {
	ProcessedMessageIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error)
	ResetAccount(ctx context.Context, accountID string) (int64, error)
}

// Store is everything the scan package persists.
type Store interface {
	JobStore
	AccountStore
	LedgerReader
}

// ParserLister lists the registered retailer parsers.
type ParserLister interface {
	List() []retailer.Info
}

// Options scope a scan.
type Options struct {
	DateFrom   *time.Time
	DateTo     *time.Time
	ScanType   models.ScanType
	Query      string
	MaxResults int
}

// Service is the scan API used by the HTTP server and the CLI.
type Service struct {
	store   Store
	queue   queue.Queue
	parsers ParserLister
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(s Store, q queue.Queue, parsers ParserLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, queue: q, parsers: parsers, logger: logger}
}

// StartScan creates a pending job for the account and enqueues it.
func (s *Service) StartScan(ctx context.Context, accountID string, opts Options) (*models.EmailScanJob, error) {
	if opts.ScanType == "" {
		opts.ScanType = models.ScanFull
	}
	if !opts.ScanType.Valid() {
		return nil, fmt.Errorf("%w: unknown scan type %q", ErrInvalidOptions, opts.ScanType)
	}
	if opts.DateFrom != nil && opts.DateTo != nil && opts.DateTo.Before(*opts.DateFrom) {
		return nil, fmt.Errorf("%w: date_to before date_from", ErrInvalidOptions)
	}
	if opts.MaxResults < 0 {
		return nil, fmt.Errorf("%w: negative max_results", ErrInvalidOptions)
	}

	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	job := &models.EmailScanJob{
		ID:             uuid.NewString(),
		EmailAccountID: accountID,
		Status:         models.JobPending,
		ScanType:       opts.ScanType,
		DateFrom:       opts.DateFrom,
		DateTo:         opts.DateTo,
		Query:          opts.Query,
		MaxResults:     opts.MaxResults,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create scan job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if terr := s.store.TransitionJob(ctx, job.ID, models.JobPending, models.JobFailed, msg); terr != nil {
			s.logger.Error("failed to mark unqueued job failed", "job_id", job.ID, "error", terr)
		}
		return nil, fmt.Errorf("enqueue scan job: %w", err)
	}

	s.logger.Info("scan job created",
		"job_id", job.ID,
		"account_id", accountID,
		"scan_type", job.ScanType,
	)
	return job, nil
}

// GetScanStatus returns the job with its counters.
func (s *Service) GetScanStatus(ctx context.Context, jobID string) (*models.EmailScanJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan job: %w", err)
	}
	return job, nil
}

// Cancel requests cancellation. A pending job is cancelled at once; a
// running job stops between messages and keeps its counters.
func (s *Service) Cancel(ctx context.Context, jobID string) (*models.EmailScanJob, error) {
	switch err := s.store.RequestCancel(ctx, jobID); {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrJobNotFound
	case errors.Is(err, store.ErrConflict):
		return nil, ErrInvalidTransition
	case err != nil:
		return nil, fmt.Errorf("request cancel: %w", err)
	}

	err := s.store.TransitionJob(ctx, jobID, models.JobPending, models.JobCancelled, "")
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("cancel pending job: %w", err)
	}

	s.logger.Info("scan cancellation requested", "job_id", jobID)
	return s.GetScanStatus(ctx, jobID)
}

// ListParsers describes the registered retailer parsers.
func (s *Service) ListParsers() []retailer.Info {
	return s.parsers.List()
}

// ResetAccount forgets which messages of the account were processed so the
// next scan sees them again.
func (s *Service) ResetAccount(ctx context.Context, accountID string) (int64, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("get account: %w", err)
	}
	n, err := s.store.ResetAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("reset account: %w", err)
	}
	s.logger.Info("processed-email ledger reset", "account_id", accountID, "rows", n)
	return n, nil
}
