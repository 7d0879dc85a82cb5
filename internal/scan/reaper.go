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
	"sync"
	"time"

	"github.com/orderscan/ingestion/internal/models"
	"github.com/orderscan/ingestion/internal/store"
)

// abandonedError is the last_error of reaped jobs.
const abandonedError = "abandoned: no progress heartbeat"

// Reaper fails running jobs whose worker stopped sending heartbeats.
type Reaper struct {
	store      JobStore
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a Reaper.
func NewReaper(s JobStore, staleAfter, interval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:      s,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ReapOnce marks every stale running job failed and returns how many it
// reaped.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	jobs, err := r.store.ListStaleJobs(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}
	reaped := 0
	for _, j := range jobs {
		err := r.store.TransitionJob(ctx, j.ID, models.JobRunning, models.JobFailed, abandonedError)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("reap job %s: %w", j.ID, err)
		}
		r.logger.Warn("reaped abandoned scan job",
			"job_id", j.ID,
			"account_id", j.EmailAccountID,
			"emails_processed", j.EmailsProcessed,
		)
		reaped++
	}
	return reaped, nil
}

// Start runs ReapOnce every interval until Stop or ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.ReapOnce(loopCtx); err != nil && loopCtx.Err() == nil {
					r.logger.Error("reaper pass failed", "error", err)
				}
			}
		}
	}()

	r.logger.Info("scan job reaper started", "interval", r.interval, "stale_after", r.staleAfter)
}

// Stop shuts down the loop.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
