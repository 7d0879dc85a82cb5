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

package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orderscan/ingestion/internal/ai"
	"github.com/orderscan/ingestion/internal/content"
	"github.com/orderscan/ingestion/internal/mailbox"
	"github.com/orderscan/ingestion/internal/metrics"
	"github.com/orderscan/ingestion/internal/models"
	"github.com/orderscan/ingestion/internal/pipeline"
	"github.com/orderscan/ingestion/internal/reconcile"
	"github.com/orderscan/ingestion/internal/retailer"
	"github.com/orderscan/ingestion/internal/store"
)

// ClientFactory resolves the mailbox client of an account.
type ClientFactory interface {
	Client(ctx context.Context, acct *models.EmailAccount) (mailbox.Client, error)
}

// Extractor turns email content into order data.
type Extractor interface {
	Extract(ctx context.Context, email *models.ExtractedContent) (models.OrderData, pipeline.Outcome, error)
}

// Reconciler writes extraction results to the ledger and the order table.
type Reconciler interface {
	Process(ctx context.Context, acct *models.EmailAccount, email *models.ExtractedContent, data models.OrderData) (*reconcile.Decision, error)
	RecordFailure(ctx context.Context, acct *models.EmailAccount, email *models.ExtractedContent, parseErr error) error
}

// RunnerConfig holds the dependencies and limits of a Runner.
type RunnerConfig struct {
	Store     Store
	Clients   ClientFactory
	Extractor Extractor
	Gate      Reconciler
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	Workers                int
	PageSize               int
	MaxConsecutiveFailures int
	RetryAttempts          int
	RetryBackoff           time.Duration
	CancelPoll             time.Duration

	// HintQuery is the provider search used when a job has no query of its
	// own. See HintQuery.
	HintQuery string
}

// Runner executes scan jobs.
type Runner struct {
	store       Store
	clients     ClientFactory
	extractor   Extractor
	gate        Reconciler
	metrics     *metrics.Metrics
	logger      *slog.Logger
	workers     int
	pageSize    int
	maxFailures int
	attempts    int
	backoff     time.Duration
	cancelPoll  time.Duration
	hintQuery   string
}

// NewRunner creates a Runner, filling in defaults for zero limits.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		store:       cfg.Store,
		clients:     cfg.Clients,
		extractor:   cfg.Extractor,
		gate:        cfg.Gate,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		workers:     cfg.Workers,
		pageSize:    cfg.PageSize,
		maxFailures: cfg.MaxConsecutiveFailures,
		attempts:    cfg.RetryAttempts,
		backoff:     cfg.RetryBackoff,
		cancelPoll:  cfg.CancelPoll,
		hintQuery:   cfg.HintQuery,
	}
	if r.metrics == nil {
		r.metrics = metrics.Nop()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.workers < 1 {
		r.workers = 4
	}
	if r.pageSize < 1 {
		r.pageSize = 100
	}
	if r.maxFailures < 1 {
		r.maxFailures = 5
	}
	if r.attempts < 1 {
		r.attempts = 3
	}
	if r.backoff == 0 {
		r.backoff = 2 * time.Second
	}
	if r.cancelPoll == 0 {
		r.cancelPoll = time.Second
	}
	return r
}

// subjectHints are order words searched for in addition to retailer domains
// so that unknown shops still reach the AI fallback.
var subjectHints = []string{"bestelling", "bestelnummer", "order", "bevestiging", "verzonden", "receipt"}

// HintQuery builds a Gmail search matching mail from any registered retailer
// domain or with an order word in the subject.
func HintQuery(parsers []retailer.Info) string {
	seen := make(map[string]bool)
	var domains []string
	for _, p := range parsers {
		for _, d := range p.Domains {
			d = strings.ToLower(d)
			if !seen[d] {
				seen[d] = true
				domains = append(domains, d)
			}
		}
	}
	sort.Strings(domains)

	terms := make([]string, 0, len(domains)+len(subjectHints))
	for _, d := range domains {
		terms = append(terms, "from:"+d)
	}
	for _, s := range subjectHints {
		terms = append(terms, "subject:"+s)
	}
	return "{" + strings.Join(terms, " ") + "}"
}

// Run executes the pending job jobID to a terminal status and returns the
// final job. Per-message failures are recorded on the job and do not fail
// it; revoked authorization or too many consecutive upstream failures do.
func (r *Runner) Run(ctx context.Context, jobID string) (*models.EmailScanJob, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan job: %w", err)
	}
	if job.Status != models.JobPending {
		return job, fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Status)
	}
	if err := r.store.TransitionJob(ctx, jobID, models.JobPending, models.JobRunning, ""); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: job left pending", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("start scan job: %w", err)
	}

	r.metrics.JobsRunning.Inc()
	defer r.metrics.JobsRunning.Dec()

	run := &jobRun{
		Runner: r,
		job:    job,
		logger: r.logger.With("job_id", job.ID, "account_id", job.EmailAccountID),
	}
	start := time.Now()
	run.logger.Info("scan started", "scan_type", job.ScanType)

	execErr := run.execute(ctx)

	status, lastError := models.JobCompleted, ""
	switch {
	case run.fatalErr() != nil:
		status, lastError = models.JobFailed, run.fatalErr().Error()
	case execErr != nil:
		status, lastError = models.JobFailed, execErr.Error()
	case run.cancelled.Load():
		status = models.JobCancelled
	case ctx.Err() != nil:
		status, lastError = models.JobFailed, "scan interrupted: "+ctx.Err().Error()
	}

	finishCtx := context.WithoutCancel(ctx)
	if run.detached.Load() {
		run.logger.Info("scan job was finished elsewhere, keeping its status")
	} else if err := r.store.TransitionJob(finishCtx, jobID, models.JobRunning, status, lastError); err != nil {
		run.logger.Warn("could not record final job status", "status", status, "error", err)
	}

	final, err := r.store.GetJob(finishCtx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reload scan job: %w", err)
	}
	run.logger.Info("scan finished",
		"status", final.Status,
		"emails_found", final.EmailsFound,
		"emails_processed", final.EmailsProcessed,
		"orders_created", final.OrdersCreated,
		"errors", final.ErrorsCount,
		"elapsed", time.Since(start),
	)
	return final, nil
}

// jobRun is the state of one executing job.
type jobRun struct {
	*Runner
	job    *models.EmailScanJob
	acct   *models.EmailAccount
	client mailbox.Client
	logger *slog.Logger

	cancelled atomic.Bool
	failures  atomic.Int32

	// detached is set once the job left running behind our back (reaped or
	// finished elsewhere); nothing more is written to it.
	detached atomic.Bool

	mu    sync.Mutex
	fatal error
}

func (j *jobRun) halt(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fatal == nil {
		j.fatal = err
		j.logger.Error("scan aborted", "error", err)
	}
}

func (j *jobRun) fatalErr() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fatal
}

func (j *jobRun) halted(ctx context.Context) bool {
	return ctx.Err() != nil || j.cancelled.Load() || j.detached.Load() || j.fatalErr() != nil
}

// progress records p on the job. A conflict means the job is already
// terminal, so the run stops instead of touching it.
func (j *jobRun) progress(ctx context.Context, p models.JobProgress) {
	err := j.store.AddProgress(ctx, j.job.ID, p)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict):
		if !j.detached.Swap(true) {
			j.logger.Warn("scan job no longer running, stopping")
		}
	default:
		j.logger.Warn("failed to record progress", "error", err)
	}
}

func (j *jobRun) execute(ctx context.Context) error {
	acct, err := j.store.GetAccount(ctx, j.job.EmailAccountID)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	j.acct = acct

	client, err := j.clients.Client(ctx, acct)
	if err != nil {
		return fmt.Errorf("mailbox client: %w", err)
	}
	j.client = client

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go j.watchCancel(watchCtx)

	ids := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < j.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				j.process(ctx, id)
			}
		}()
	}

	err = j.list(ctx, ids)
	close(ids)
	wg.Wait()
	return err
}

// watchCancel polls the job for a cancellation request.
func (j *jobRun) watchCancel(ctx context.Context) {
	ticker := time.NewTicker(j.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := j.store.GetJob(ctx, j.job.ID)
			if err != nil {
				if ctx.Err() == nil {
					j.logger.Warn("cancel check failed", "error", err)
				}
				continue
			}
			if job.CancelRequested {
				j.logger.Info("scan cancellation observed")
				j.cancelled.Store(true)
				return
			}
		}
	}
}

// list pages through candidate messages and feeds them to the workers.
func (j *jobRun) list(ctx context.Context, out chan<- string) error {
	q := mailbox.ListQuery{
		Query:      j.job.Query,
		After:      j.job.DateFrom,
		Before:     j.job.DateTo,
		MaxResults: j.pageSize,
	}
	if q.Query == "" {
		q.Query = j.hintQuery
	}
	remaining := j.job.MaxResults

	for page := 1; ; page++ {
		if j.halted(ctx) {
			return nil
		}

		var res *mailbox.ListResult
		err := j.retry(ctx, func() (err error) {
			res, err = j.client.ListMessages(ctx, q)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("list messages page %d: %w", page, err)
		}

		ids := res.IDs
		capped := false
		if remaining > 0 && len(ids) >= remaining {
			ids, capped = ids[:remaining], true
		}
		remaining -= len(ids)

		if j.job.ScanType == models.ScanIncremental && len(ids) > 0 {
			seen, err := j.store.ProcessedMessageIDs(ctx, j.acct.ID, ids)
			if err != nil {
				return fmt.Errorf("filter processed messages: %w", err)
			}
			fresh := ids[:0:0]
			for _, id := range ids {
				if !seen[id] {
					fresh = append(fresh, id)
				}
			}
			ids = fresh
		}

		j.logger.Debug("scan page listed", "page", page, "messages", len(ids))
		if len(ids) > 0 {
			j.progress(ctx, models.JobProgress{EmailsFound: len(ids)})
		}

		for _, id := range ids {
			if j.halted(ctx) {
				return nil
			}
			select {
			case out <- id:
			case <-ctx.Done():
				return nil
			}
		}

		if capped || res.NextPageToken == "" {
			return nil
		}
		q.PageToken = res.NextPageToken
	}
}

// process handles one message and records its progress.
func (j *jobRun) process(ctx context.Context, id string) {
	if j.halted(ctx) {
		return
	}
	p := models.JobProgress{EmailsProcessed: 1}
	outcome := j.handle(ctx, id, &p)
	j.metrics.Processed(outcome)
	j.progress(context.WithoutCancel(ctx), p)
}

func (j *jobRun) handle(ctx context.Context, id string, p *models.JobProgress) string {
	logger := j.logger.With("message_id", id)
	fail := func(stage string, err error) string {
		if stage != "" {
			j.metrics.Failed(stage)
		}
		p.ErrorsCount = 1
		p.LastError = fmt.Sprintf("message %s: %v", id, err)
		logger.Warn("message failed", "error", err)
		return metrics.OutcomeError
	}

	var raw *mailbox.RawMessage
	err := j.retry(ctx, func() (err error) {
		raw, err = j.client.GetMessage(ctx, id)
		return err
	})
	if err != nil {
		j.upstreamFailure(err)
		return fail(metrics.StageFetch, err)
	}
	if raw == nil {
		return metrics.OutcomeSkipped
	}

	email, err := content.Extract(raw)
	if err != nil {
		j.failures.Store(0)
		j.recordFailure(ctx, &models.ExtractedContent{MessageID: id, Subject: raw.Subject, From: raw.Sender, Date: raw.Date}, err)
		return fail(metrics.StageContent, err)
	}

	var (
		data models.OrderData
		out  pipeline.Outcome
	)
	err = j.retry(ctx, func() (err error) {
		data, out, err = j.extractor.Extract(ctx, email)
		return err
	})
	if err != nil {
		if errors.Is(err, ai.ErrUnavailable) || errors.Is(err, ai.ErrRateLimited) {
			j.upstreamFailure(err)
		} else {
			j.failures.Store(0)
		}
		j.recordFailure(ctx, email, err)
		// The pipeline counts AI failures itself.
		return fail("", err)
	}
	j.failures.Store(0)

	d, err := j.gate.Process(ctx, j.acct, email, data)
	if err != nil {
		return fail(metrics.StageReconcile, err)
	}

	switch d.Action {
	case reconcile.ActionCreate:
		p.OrdersCreated = 1
		j.metrics.OrdersCreated.WithLabelValues(string(out.Source)).Inc()
		return metrics.OutcomeOrderCreated
	case reconcile.ActionUpdateExisting:
		return metrics.OutcomeOrderUpdated
	}
	logger.Debug("message skipped", "reason", d.Reason, "retailer", data.Retailer)
	if d.NeedsReview {
		return metrics.OutcomeNeedsReview
	}
	return metrics.OutcomeSkipped
}

func (j *jobRun) recordFailure(ctx context.Context, email *models.ExtractedContent, err error) {
	if rerr := j.gate.RecordFailure(ctx, j.acct, email, err); rerr != nil {
		j.logger.Warn("failed to record parse error", "message_id", email.MessageID, "error", rerr)
	}
}

// upstreamFailure fails the job on revoked authorization or after too many
// consecutive upstream errors.
func (j *jobRun) upstreamFailure(err error) {
	if errors.Is(err, mailbox.ErrAuthRevoked) {
		j.halt(err)
		return
	}
	if n := int(j.failures.Add(1)); n >= j.maxFailures {
		j.halt(fmt.Errorf("%d consecutive upstream failures: %w", n, err))
	}
}

// retry runs fn, backing off exponentially while it reports a rate limit.
func (r *Runner) retry(ctx context.Context, fn func() error) error {
	backoff := r.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isRateLimit(err) || attempt >= r.attempts {
			return err
		}
		r.logger.Warn("rate limited, backing off", "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func isRateLimit(err error) bool {
	return errors.Is(err, mailbox.ErrRateLimited) || errors.Is(err, ai.ErrRateLimited)
}
