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
	"log/slog"
	"sync"
	"time"

	"github.com/orderscan/ingestion/internal/queue"
)

// Worker consumes job IDs from a queue. Up to jobs scans run at once, each
// from its own dequeue loop, so one long scan does not hold up the others.
type Worker struct {
	queue  queue.Queue
	runner *Runner
	jobs   int
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a Worker running up to jobs scans concurrently. Values
// below one mean one.
func NewWorker(q queue.Queue, runner *Runner, jobs int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if jobs < 1 {
		jobs = 1
	}
	return &Worker{queue: q, runner: runner, jobs: jobs, logger: logger}
}

// Start consumes the queue in the background until Stop or ctx is done.
func (w *Worker) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.jobs; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(loopCtx)
		}()
	}

	w.logger.Info("scan worker started", "concurrent_jobs", w.jobs)
}

func (w *Worker) loop(ctx context.Context) {
	for {
		jobID, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if _, err := w.runner.Run(ctx, jobID); err != nil {
			w.logger.Warn("scan job not run", "job_id", jobID, "error", err)
		}
	}
}

// Stop cancels the running jobs and waits for every loop to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
