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
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderscan/ingestion/internal/ai"
	"github.com/orderscan/ingestion/internal/dedup"
	"github.com/orderscan/ingestion/internal/mailbox"
	"github.com/orderscan/ingestion/internal/metrics"
	"github.com/orderscan/ingestion/internal/models"
	"github.com/orderscan/ingestion/internal/pipeline"
	"github.com/orderscan/ingestion/internal/queue"
	"github.com/orderscan/ingestion/internal/reconcile"
	"github.com/orderscan/ingestion/internal/retailer"
	"github.com/orderscan/ingestion/internal/store/sqlite"
)

// fakeMailbox serves messages in insertion order, paging by offset.
type fakeMailbox struct {
	mu       sync.Mutex
	order    []string
	messages map[string]*mailbox.RawMessage
	getErrs  map[string][]error
	getErr   error
	queries  []mailbox.ListQuery
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{messages: make(map[string]*mailbox.RawMessage), getErrs: make(map[string][]error)}
}

func (f *fakeMailbox) add(id string, msg *mailbox.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, id)
	if msg != nil {
		msg.ID = id
		f.messages[id] = msg
	}
}

func (f *fakeMailbox) ListMessages(_ context.Context, q mailbox.ListQuery) (*mailbox.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)

	offset := 0
	if q.PageToken != "" {
		offset, _ = strconv.Atoi(q.PageToken)
	}
	end := offset + q.MaxResults
	res := &mailbox.ListResult{ResultSizeEstimate: len(f.order)}
	if end < len(f.order) {
		res.NextPageToken = strconv.Itoa(end)
	} else {
		end = len(f.order)
	}
	res.IDs = append(res.IDs, f.order[offset:end]...)
	return res, nil
}

func (f *fakeMailbox) GetMessage(_ context.Context, id string) (*mailbox.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if errs := f.getErrs[id]; len(errs) > 0 {
		f.getErrs[id] = errs[1:]
		return nil, errs[0]
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

func (f *fakeMailbox) GetMessagesBatch(ctx context.Context, ids []string) ([]*mailbox.RawMessage, error) {
	var out []*mailbox.RawMessage
	for _, id := range ids {
		m, err := f.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

type staticFactory struct{ client mailbox.Client }

func (s staticFactory) Client(context.Context, *models.EmailAccount) (mailbox.Client, error) {
	return s.client, nil
}

var (
	testAccount = &models.EmailAccount{ID: "acct-1", UserID: "user-1", Provider: models.ProviderGmail, Address: "jan@gmail.com"}
	mailDate    = time.Date(2024, 7, 10, 8, 0, 0, 0, time.UTC)
)

func coolblueMail() *mailbox.RawMessage {
	return &mailbox.RawMessage{
		Subject:  "Bevestiging van je bestelling 30129822",
		Sender:   "Coolblue <info@coolblue.nl>",
		Date:     mailDate,
		TextBody: "Bedankt voor je bestelling. Bestelnummer: 30129822. Totaalbedrag € 49,98",
	}
}

func newsletterMail() *mailbox.RawMessage {
	return &mailbox.RawMessage{
		Subject:  "De nieuwe collectie is er",
		Sender:   "Zalando <news@zalando.nl>",
		Date:     mailDate,
		TextBody: "Bekijk de nieuwste trends van dit seizoen.",
	}
}

type fixture struct {
	store  *sqlite.Store
	mbox   *fakeMailbox
	queue  *queue.MemoryQueue
	svc    *Service
	runner *Runner
}

func newFixture(t *testing.T, configure func(*RunnerConfig)) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.UpsertAccount(ctx, testAccount))

	reg, err := retailer.Default()
	require.NoError(t, err)

	f := &fixture{store: st, mbox: newFakeMailbox(), queue: queue.NewMemoryQueue(8)}
	t.Cleanup(f.queue.Close)

	m := metrics.Nop()
	cfg := RunnerConfig{
		Store:        st,
		Clients:      staticFactory{client: f.mbox},
		Extractor:    pipeline.New(reg, nil, 0.5, m, nil),
		Gate:         reconcile.NewGate(st, dedup.NewLocalLocker(8), 0.5, nil),
		Metrics:      m,
		Workers:      2,
		PageSize:     2,
		RetryBackoff: time.Millisecond,
		CancelPoll:   5 * time.Millisecond,
		HintQuery:    HintQuery(reg.List()),
	}
	if configure != nil {
		configure(&cfg)
	}
	f.runner = NewRunner(cfg)
	f.svc = NewService(st, f.queue, reg, nil)
	return f
}

func (f *fixture) start(t *testing.T, opts Options) *models.EmailScanJob {
	t.Helper()
	job, err := f.svc.StartScan(context.Background(), testAccount.ID, opts)
	require.NoError(t, err)
	return job
}

func TestRunCompletes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.mbox.add("m1", coolblueMail())
	f.mbox.add("m2", newsletterMail())
	f.mbox.add("gone", nil)

	job := f.start(t, Options{})
	final, err := f.runner.Run(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 3, final.EmailsFound)
	assert.Equal(t, 3, final.EmailsProcessed)
	assert.Equal(t, 1, final.OrdersCreated)
	assert.Equal(t, 0, final.ErrorsCount)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	order, err := f.store.FindOrderByNumber(ctx, testAccount.UserID, "30129822", "Coolblue")
	require.NoError(t, err)
	assert.Equal(t, "49.98", order.Amount.StringFixed(2))

	rec, err := f.store.GetProcessed(ctx, testAccount.ID, "m2")
	require.NoError(t, err)
	assert.False(t, rec.OrderCreated)

	// The default query searches the retailer hints.
	require.NotEmpty(t, f.mbox.queries)
	assert.Contains(t, f.mbox.queries[0].Query, "from:coolblue.nl")
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.mbox.add("m1", coolblueMail())
	f.mbox.add("m2", newsletterMail())

	first, err := f.runner.Run(ctx, f.start(t, Options{}).ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.OrdersCreated)

	second, err := f.runner.Run(ctx, f.start(t, Options{}).ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, second.Status)
	assert.Equal(t, 2, second.EmailsProcessed)
	assert.Equal(t, 0, second.OrdersCreated)

	incremental, err := f.runner.Run(ctx, f.start(t, Options{ScanType: models.ScanIncremental}).ID)
	require.NoError(t, err)
	assert.Equal(t, 0, incremental.EmailsFound)
	assert.Equal(t, 0, incremental.EmailsProcessed)
}

func TestRunRetriesRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.mbox.add("m1", coolblueMail())
	f.mbox.getErrs["m1"] = []error{mailbox.ErrRateLimited, mailbox.ErrRateLimited}

	final, err := f.runner.Run(context.Background(), f.start(t, Options{}).ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 1, final.OrdersCreated)
	assert.Equal(t, 0, final.ErrorsCount)
}

func TestRunRateLimitExhausted(t *testing.T) {
	f := newFixture(t, func(c *RunnerConfig) { c.RetryAttempts = 2 })
	f.mbox.add("m1", coolblueMail())
	f.mbox.add("m2", newsletterMail())
	f.mbox.getErrs["m1"] = []error{mailbox.ErrRateLimited, mailbox.ErrRateLimited}

	final, err := f.runner.Run(context.Background(), f.start(t, Options{}).ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 1, final.ErrorsCount)
	assert.Equal(t, 2, final.EmailsProcessed)
	assert.Contains(t, final.LastError, "m1")
}

// garbageGenerator answers every prompt with text that is not JSON.
type garbageGenerator struct{ calls atomic.Int32 }

func (g *garbageGenerator) Generate(context.Context, string) (string, error) {
	g.calls.Add(1)
	return "Sorry, I can't read this email.", nil
}

func TestRunRecordsMalformedModelAnswers(t *testing.T) {
	gen := &garbageGenerator{}
	f := newFixture(t, func(c *RunnerConfig) {
		reg, err := retailer.Default()
		require.NoError(t, err)
		an, err := ai.NewAnalyzer(gen, ai.Config{BodyLimit: ai.DefaultBodyLimit})
		require.NoError(t, err)
		c.Extractor = pipeline.New(reg, an, 0.5, metrics.Nop(), nil)
	})
	ctx := context.Background()
	f.mbox.add("m1", &mailbox.RawMessage{
		Subject:  "Bevestiging van je bestelling",
		Sender:   "Kaaswinkel <bestellingen@kaaswinkel-utrecht.nl>",
		Date:     mailDate,
		TextBody: "Bestelnummer: KW-5512. Totaal: € 23,40. Wordt morgen verzonden.",
	})

	final, err := f.runner.Run(ctx, f.start(t, Options{}).ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.Equal(t, 1, final.EmailsProcessed)
	assert.Equal(t, 0, final.OrdersCreated)
	assert.Equal(t, 1, final.ErrorsCount)
	assert.Equal(t, int32(2), gen.calls.Load())

	rec, err := f.store.GetProcessed(ctx, testAccount.ID, "m1")
	require.NoError(t, err)
	assert.False(t, rec.OrderCreated)
	assert.Contains(t, rec.ParseError, ai.ErrMalformedResponse.Error())

	// The recorded failure keeps the message out of incremental scans.
	again, err := f.runner.Run(ctx, f.start(t, Options{ScanType: models.ScanIncremental}).ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.EmailsFound)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestRunAuthRevokedFailsJob(t *testing.T) {
	f := newFixture(t, nil)
	f.mbox.add("m1", coolblueMail())
	f.mbox.getErr = mailbox.ErrAuthRevoked

	final, err := f.runner.Run(context.Background(), f.start(t, Options{}).ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Contains(t, final.LastError, "revoked")
}

func TestRunConsecutiveFailures(t *testing.T) {
	f := newFixture(t, func(c *RunnerConfig) {
		c.Workers = 1
		c.MaxConsecutiveFailures = 3
	})
	for i := 0; i < 10; i++ {
		f.mbox.add("m"+strconv.Itoa(i), coolblueMail())
	}
	f.mbox.getErr = errors.New("connection reset")

	final, err := f.runner.Run(context.Background(), f.start(t, Options{}).ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Contains(t, final.LastError, "3 consecutive upstream failures")
	assert.Less(t, final.EmailsProcessed, 10)
}

func TestRunMaxResults(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.mbox.add("m"+strconv.Itoa(i), newsletterMail())
	}

	final, err := f.runner.Run(context.Background(), f.start(t, Options{MaxResults: 3, Query: "from:zalando.nl"}).ID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.EmailsFound)
	assert.Equal(t, 3, final.EmailsProcessed)
	assert.Equal(t, "from:zalando.nl", f.mbox.queries[0].Query)
}

// blockingExtractor holds the first message until released.
type blockingExtractor struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingExtractor) Extract(ctx context.Context, _ *models.ExtractedContent) (models.OrderData, pipeline.Outcome, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return models.NotAnOrder("Zalando", models.SourceParser), pipeline.Outcome{}, nil
}

func TestCancelRunningJob(t *testing.T) {
	ext := &blockingExtractor{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, func(c *RunnerConfig) {
		c.Workers = 1
		c.Extractor = ext
	})
	for i := 0; i < 5; i++ {
		f.mbox.add("m"+strconv.Itoa(i), newsletterMail())
	}
	ctx := context.Background()
	job := f.start(t, Options{})

	done := make(chan *models.EmailScanJob, 1)
	go func() {
		final, err := f.runner.Run(ctx, job.ID)
		assert.NoError(t, err)
		done <- final
	}()

	<-ext.entered
	cancelled, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.CancelRequested)
	assert.Equal(t, models.JobRunning, cancelled.Status)

	time.Sleep(50 * time.Millisecond)
	close(ext.release)

	final := <-done
	assert.Equal(t, models.JobCancelled, final.Status)
	assert.Equal(t, 1, final.EmailsProcessed)
	assert.Equal(t, 2, final.EmailsFound)
}

func TestRunStopsWhenJobFailedElsewhere(t *testing.T) {
	ext := &blockingExtractor{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, func(c *RunnerConfig) {
		c.Workers = 1
		c.Extractor = ext
	})
	for i := 0; i < 5; i++ {
		f.mbox.add("m"+strconv.Itoa(i), newsletterMail())
	}
	ctx := context.Background()
	job := f.start(t, Options{})

	done := make(chan *models.EmailScanJob, 1)
	go func() {
		final, err := f.runner.Run(ctx, job.ID)
		assert.NoError(t, err)
		done <- final
	}()

	<-ext.entered
	// The reaper gave up on the job while a message was in flight.
	require.NoError(t, f.store.TransitionJob(ctx, job.ID, models.JobRunning, models.JobFailed, "heartbeat stale"))
	close(ext.release)

	final := <-done
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Equal(t, "heartbeat stale", final.LastError)
	assert.Equal(t, 2, final.EmailsFound)
	assert.Zero(t, final.EmailsProcessed)
}

func TestRunRejectsNonPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.runner.Run(ctx, "nope")
	require.ErrorIs(t, err, ErrJobNotFound)

	job := f.start(t, Options{})
	_, err = f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.runner.Run(ctx, job.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.StartScan(ctx, "missing", Options{})
	require.ErrorIs(t, err, ErrAccountNotFound)

	_, err = f.svc.StartScan(ctx, testAccount.ID, Options{ScanType: "weekly"})
	require.ErrorIs(t, err, ErrInvalidOptions)

	from, to := mailDate, mailDate.Add(-time.Hour)
	_, err = f.svc.StartScan(ctx, testAccount.ID, Options{DateFrom: &from, DateTo: &to})
	require.ErrorIs(t, err, ErrInvalidOptions)

	job := f.start(t, Options{ScanType: models.ScanIncremental})
	assert.Equal(t, models.JobPending, job.Status)
	queued, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, queued)

	got, err := f.svc.GetScanStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanIncremental, got.ScanType)

	_, err = f.svc.GetScanStatus(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)

	cancelled, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.Cancel(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)

	assert.NotEmpty(t, f.svc.ListParsers())
}

func TestResetAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.mbox.add("m1", newsletterMail())

	_, err := f.runner.Run(ctx, f.start(t, Options{}).ID)
	require.NoError(t, err)

	n, err := f.svc.ResetAccount(ctx, testAccount.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	again, err := f.runner.Run(ctx, f.start(t, Options{ScanType: models.ScanIncremental}).ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.EmailsFound)

	_, err = f.svc.ResetAccount(ctx, "missing")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestReaper(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job := f.start(t, Options{})
	require.NoError(t, f.store.TransitionJob(ctx, job.ID, models.JobPending, models.JobRunning, ""))
	idle := f.start(t, Options{})

	r := NewReaper(f.store, 5*time.Minute, time.Minute, nil)
	n, err := r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	r.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err = r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, abandonedError, got.LastError)

	pending, err := f.store.GetJob(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, pending.Status)
}

func TestWorkerRunsQueuedJobs(t *testing.T) {
	f := newFixture(t, nil)
	f.mbox.add("m1", coolblueMail())

	w := NewWorker(f.queue, f.runner, 1, nil)
	w.Start(context.Background())
	defer w.Stop()

	job := f.start(t, Options{})
	require.Eventually(t, func() bool {
		got, err := f.svc.GetScanStatus(context.Background(), job.ID)
		return err == nil && got.Status == models.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

// parkingExtractor holds every call until released and counts how many are
// held at once.
type parkingExtractor struct {
	held    atomic.Int32
	release chan struct{}
}

func (p *parkingExtractor) Extract(ctx context.Context, _ *models.ExtractedContent) (models.OrderData, pipeline.Outcome, error) {
	p.held.Add(1)
	defer p.held.Add(-1)
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return models.NotAnOrder("Zalando", models.SourceParser), pipeline.Outcome{}, nil
}

func TestWorkerRunsJobsConcurrently(t *testing.T) {
	ext := &parkingExtractor{release: make(chan struct{})}
	f := newFixture(t, func(c *RunnerConfig) {
		c.Workers = 1
		c.Extractor = ext
	})
	f.mbox.add("m1", newsletterMail())

	w := NewWorker(f.queue, f.runner, 2, nil)
	w.Start(context.Background())
	defer w.Stop()

	first := f.start(t, Options{})
	second := f.start(t, Options{})

	// Both scans are inside the extractor at the same time.
	require.Eventually(t, func() bool { return ext.held.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	close(ext.release)

	for _, job := range []*models.EmailScanJob{first, second} {
		require.Eventually(t, func() bool {
			got, err := f.svc.GetScanStatus(context.Background(), job.ID)
			return err == nil && got.Status == models.JobCompleted
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestHintQuery(t *testing.T) {
	q := HintQuery([]retailer.Info{
		{Name: "bol.com", Domains: []string{"bol.com"}},
		{Name: "Coolblue", Domains: []string{"Coolblue.nl", "coolblue.be", "bol.com"}},
	})
	assert.Equal(t, "{from:bol.com from:coolblue.be from:coolblue.nl subject:bestelling subject:bestelnummer subject:order subject:bevestiging subject:verzonden subject:receipt}", q)
}
