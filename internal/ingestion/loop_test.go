package ingestion

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/archive"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/broker"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/failures"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/publisher"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/resilience"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const taskQueue = "filing.tasks"

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func payload(t *testing.T, id string) []byte {
	t.Helper()
	html := "<html><head><meta charset=\"utf-8\"></head><body><h1>" + id + "</h1>" +
		strings.Repeat("<p>주요사항보고서 본문</p>", 30) + "</body></html>"
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(id + ".html")
	require.NoError(t, err)
	_, err = w.Write([]byte(html))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func rec(t *testing.T, id string) filing.Record {
	return filing.Record{
		ID:         id,
		FetchedAt:  time.Now(),
		RawPayload: payload(t, id),
		Meta:       filing.Meta{CorpName: "네이버", ReportName: "주요사항보고서", ReceiptDate: "20240521"},
	}
}

func poison(id string) filing.Record {
	return filing.Record{ID: id, RawPayload: append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0x42}, 512)...)}
}

// fakeSource returns batches in order, repeating the last one.
type fakeSource struct {
	mu      sync.Mutex
	batches [][]filing.Record
	calls   int
	err     error
	onFetch func()
}

func (s *fakeSource) FetchRecent(_ context.Context, n int) ([]filing.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onFetch != nil {
		s.onFetch()
	}
	if s.err != nil {
		return nil, s.err
	}
	i := min(s.calls, len(s.batches)-1)
	s.calls++
	batch := s.batches[i]
	if len(batch) > n {
		batch = batch[:n]
	}
	return batch, nil
}

// flakyStore fails Put for the listed filings while failing is set.
type flakyStore struct {
	*storage.Memory
	mu      sync.Mutex
	failing map[string]bool
	onPut   func(key string)
}

func (s *flakyStore) Put(ctx context.Context, key string, content []byte, contentType string) error {
	s.mu.Lock()
	fail := false
	for id := range s.failing {
		if strings.HasSuffix(key, "/"+id) {
			fail = true
		}
	}
	onPut := s.onPut
	s.mu.Unlock()
	if onPut != nil {
		onPut(key)
	}
	if fail {
		return errors.New("connection refused")
	}
	return s.Memory.Put(ctx, key, content, contentType)
}

func (s *flakyStore) heal() {
	s.mu.Lock()
	s.failing = nil
	s.mu.Unlock()
}

// flakyPublisher fails every publish while down is set, and returns reject
// for every publish when it is non-nil.
type flakyPublisher struct {
	inner  Publisher
	down   atomic.Bool
	calls  atomic.Int32
	reject error
}

func (p *flakyPublisher) Publish(ctx context.Context, task filing.Task) error {
	p.calls.Add(1)
	if p.reject != nil {
		return p.reject
	}
	if p.down.Load() {
		return apperrors.Transient("publish", errors.New("broker unavailable"))
	}
	return p.inner.Publish(ctx, task)
}

// brokenLedger fails writes once broken is set.
type brokenLedger struct {
	ledger.Ledger
	broken atomic.Bool
}

func (l *brokenLedger) MarkArchived(ctx context.Context, id string, obj filing.Object) error {
	if l.broken.Load() {
		return apperrors.Ledger("mark archived", errors.New("connection reset by peer"))
	}
	return l.Ledger.MarkArchived(ctx, id, obj)
}

type countingDecoder struct {
	inner Decoder
	calls atomic.Int32
}

func (d *countingDecoder) Decode(id string, raw []byte) (filing.Document, error) {
	d.calls.Add(1)
	return d.inner.Decode(id, raw)
}

type harness struct {
	loop      *Loop
	source    *fakeSource
	ledger    *brokenLedger
	store     *flakyStore
	broker    *broker.Memory
	publisher *flakyPublisher
	decoder   *countingDecoder
	failDir   string
	heartbeat *health.Heartbeat
}

func newHarness(t *testing.T, concurrency int, batches ...[]filing.Record) *harness {
	t.Helper()
	h := &harness{
		source:  &fakeSource{batches: batches},
		ledger:  &brokenLedger{Ledger: ledger.NewMemory()},
		store:   &flakyStore{Memory: storage.NewMemory()},
		broker:  broker.NewMemory(),
		decoder: &countingDecoder{inner: archive.New(archive.Config{})},
		failDir: t.TempDir(),
	}
	t.Cleanup(func() { h.broker.Close() })
	h.publisher = &flakyPublisher{inner: publisher.New(h.broker, taskQueue)}
	h.heartbeat = health.NewHeartbeat(time.Minute)
	recorder, err := failures.New(h.failDir)
	require.NoError(t, err)

	h.loop = New(Config{
		Interval:     time.Minute,
		FetchSize:    10,
		Concurrency:  concurrency,
		CallTimeout:  time.Second,
		FetchTimeout: time.Second,
		Retry:        resilience.RetryConfig{MaxAttempts: 3, Sleep: noSleep},
	}, Deps{
		Source:    h.source,
		Ledger:    h.ledger,
		Decoder:   h.decoder,
		Writer:    storage.NewWriter(h.store),
		Publisher: h.publisher,
		Failures:  recorder,
		Metrics:   metrics.NewWithRegisterer(prometheus.NewRegistry()),
		Heartbeat: h.heartbeat,
	})
	return h
}

func (h *harness) state(t *testing.T, id string) filing.State {
	t.Helper()
	e, err := h.ledger.StateOf(context.Background(), id)
	require.NoError(t, err)
	return e.State
}

func (h *harness) tasks(t *testing.T) []filing.Task {
	t.Helper()
	var out []filing.Task
	for _, raw := range h.broker.Messages(taskQueue) {
		task, err := filing.DecodeTask(raw)
		require.NoError(t, err)
		out = append(out, task)
	}
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestColdStart runs [A, B, C] against an empty ledger: every filing is
// archived, published once and retrievable by its task's content key.
func TestColdStart(t *testing.T) {
	h := newHarness(t, 3, []filing.Record{rec(t, "A"), rec(t, "B"), rec(t, "C")})

	report, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 3, report.Count(OutcomeCommitted))
	assert.False(t, report.Aborted)

	tasks := h.tasks(t)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, filing.StatePublished, h.state(t, task.FilingID))
		content, err := h.store.Get(context.Background(), task.ContentKey)
		require.NoError(t, err)
		assert.Contains(t, string(content), "<h1>"+task.FilingID+"</h1>")
		assert.Equal(t, "네이버", task.CorpName)
	}
	assert.Equal(t, 3, h.store.Puts())
	assert.False(t, h.heartbeat.Last().IsZero())
}

// TestSecondCycleSkipsPublished checks that nothing is republished or
// rewritten once a filing reached Published.
func TestSecondCycleSkipsPublished(t *testing.T) {
	h := newHarness(t, 2, []filing.Record{rec(t, "A"), rec(t, "B")})
	_, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)

	report, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(OutcomeSkipped))
	assert.Len(t, h.tasks(t), 2)
	assert.Equal(t, 2, h.store.Puts())
	assert.Equal(t, int32(2), h.decoder.calls.Load())
	assert.Equal(t, filing.StatePublished, h.state(t, "A"))
}

// TestPoisonIsolation mixes an undecodable filing into a healthy batch.
func TestPoisonIsolation(t *testing.T) {
	h := newHarness(t, 2, []filing.Record{rec(t, "A"), poison("BAD"), rec(t, "C")})

	report, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(OutcomeCommitted))
	assert.Equal(t, []string{"BAD"}, report.IDs(OutcomePoisonDiscarded))
	assert.Equal(t, filing.StateUnseen, h.state(t, "BAD"))
	assert.Len(t, h.tasks(t), 2)

	rep, err := failures.Read(h.failDir, "BAD")
	require.NoError(t, err)
	assert.Equal(t, apperrors.KindPoisonInput, rep.Kind)

	// Still poison next cycle, and still isolated.
	report, err = h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomePoisonDiscarded))
	assert.Equal(t, 2, report.Count(OutcomeSkipped))
}

// TestLivenessAfterStorageOutage fails storage for B through a whole cycle,
// then heals it.
func TestLivenessAfterStorageOutage(t *testing.T) {
	h := newHarness(t, 3, []filing.Record{rec(t, "A"), rec(t, "B"), rec(t, "C")})
	h.store.failing = map[string]bool{"B": true}

	report, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(OutcomeCommitted))
	assert.Equal(t, []string{"B"}, report.IDs(OutcomeDeferredRetry))
	assert.Equal(t, filing.StateUnseen, h.state(t, "B"))

	rep, err := failures.Read(h.failDir, "B")
	require.NoError(t, err)
	assert.Equal(t, apperrors.KindTransientIO, rep.Kind)

	h.store.heal()
	report, err = h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, report.IDs(OutcomeCommitted))
	assert.Equal(t, filing.StatePublished, h.state(t, "B"))
	assert.Len(t, h.tasks(t), 3)
}

// TestResumeAfterCrashBeforePublish seeds a filing that was archived by a
// previous process which died before publishing. The next cycle publishes it
// with the recorded object and does not decode or rewrite it.
func TestResumeAfterCrashBeforePublish(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, []filing.Record{poison("A")})
	key := archive.ContentKey("A")
	content := []byte("<html>A</html>")
	require.NoError(t, h.store.Memory.Put(ctx, key, content, "text/html"))
	require.NoError(t, h.ledger.MarkArchived(ctx, "A", filing.Object{
		Key:         key,
		ContentType: "text/html",
		Size:        len(content),
	}))

	report, err := h.loop.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, report.IDs(OutcomeCommitted))
	assert.Zero(t, h.decoder.calls.Load())
	assert.Equal(t, 1, h.store.Puts())

	tasks := h.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, key, tasks[0].ContentKey)
	assert.Equal(t, "text/html", tasks[0].ContentType)
	assert.Equal(t, len(content), tasks[0].Size)
	assert.Equal(t, filing.StatePublished, h.state(t, "A"))
}

// TestPublishOutageLeavesFilingArchived checks the archive-then-publish
// ordering: the ledger never claims Published for a failed publish, and the
// retry does not rewrite storage. The task published on resume carries the
// same content metadata as one published in the cycle that archived B.
func TestPublishOutageLeavesFilingArchived(t *testing.T) {
	h := newHarness(t, 1, []filing.Record{rec(t, "A")}, []filing.Record{rec(t, "A"), rec(t, "B")})
	h.publisher.down.Store(true)

	report, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(OutcomeDeferredRetry))
	assert.Equal(t, filing.StateArchived, h.state(t, "A"))
	assert.Equal(t, int32(3), h.publisher.calls.Load(), "retried up to the attempt budget")

	h.publisher.down.Store(false)
	report, err = h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(OutcomeCommitted))
	assert.Equal(t, filing.StatePublished, h.state(t, "A"))
	assert.Equal(t, 2, h.store.Puts())
	assert.Equal(t, int32(2), h.decoder.calls.Load(), "A is not decoded again")

	tasks := make(map[string]filing.Task)
	for _, task := range h.tasks(t) {
		tasks[task.FilingID] = task
	}
	require.Len(t, tasks, 2)
	resumed, fresh := tasks["A"], tasks["B"]
	assert.Equal(t, fresh.ContentType, resumed.ContentType)
	assert.NotEmpty(t, resumed.ContentType)
	stored, err := h.store.Get(context.Background(), resumed.ContentKey)
	require.NoError(t, err)
	assert.Equal(t, len(stored), resumed.Size)
}

// TestDuplicateInBatchRunsOnce feeds the same filing twice in one fetch with
// slow storage, so both copies would be in flight together.
func TestDuplicateInBatchRunsOnce(t *testing.T) {
	a := rec(t, "A")
	h := newHarness(t, 2, []filing.Record{a, a, rec(t, "B")})
	h.store.onPut = func(string) { time.Sleep(50 * time.Millisecond) }

	report, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Fetched)
	assert.ElementsMatch(t, []string{"A", "B"}, report.IDs(OutcomeCommitted))
	assert.Equal(t, []string{"A"}, report.IDs(OutcomeSkipped))
	assert.Len(t, h.tasks(t), 2)
	assert.Equal(t, int32(2), h.publisher.calls.Load())
	assert.Equal(t, int32(2), h.decoder.calls.Load())
	assert.Equal(t, 2, h.store.Puts())
}

// TestRejectedTaskIsNotRetried checks that a publish refused as invalid is
// attempted once per cycle rather than once per retry attempt.
func TestRejectedTaskIsNotRetried(t *testing.T) {
	h := newHarness(t, 1, []filing.Record{rec(t, "A")})
	h.publisher.reject = apperrors.New(apperrors.ErrInvalidInput, "A", "refusing to publish")

	report, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, report.IDs(OutcomeDeferredRetry))
	assert.Equal(t, int32(1), h.publisher.calls.Load())
	assert.Equal(t, filing.StateArchived, h.state(t, "A"))
}

// TestLedgerFailureAbortsCycle breaks ledger writes: the filing in flight is
// deferred, the rest of the batch is not started, and the cycle reports a
// ledger error.
func TestLedgerFailureAbortsCycle(t *testing.T) {
	h := newHarness(t, 1, []filing.Record{rec(t, "A"), rec(t, "B"), rec(t, "C")})
	h.ledger.broken.Store(true)

	report, err := h.loop.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindLedgerCorruption, apperrors.KindOf(err))
	assert.True(t, report.Aborted)
	assert.Equal(t, 3, report.Count(OutcomeDeferredRetry))
	assert.Empty(t, h.tasks(t))
	assert.Equal(t, 1, h.store.Puts(), "only the first filing was started")
	assert.True(t, h.heartbeat.Last().IsZero())

	h.ledger.broken.Store(false)
	report, err = h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(OutcomeCommitted))
}

func TestSourceFailure(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.source.err = errors.New("dial tcp: i/o timeout")

	report, err := h.loop.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransientIO)
	assert.Zero(t, report.Fetched)
}

// TestShutdownFinishesStartedFiling cancels the loop while the first filing
// is being stored. That filing still reaches Published; the others are left
// for the next run and Run returns without starting another cycle.
func TestShutdownFinishesStartedFiling(t *testing.T) {
	h := newHarness(t, 1, []filing.Record{rec(t, "A"), rec(t, "B"), rec(t, "C")})
	ctx, cancel := context.WithCancel(context.Background())
	h.store.onPut = func(string) { cancel() }

	require.NoError(t, h.loop.Run(ctx))

	assert.Equal(t, 1, h.source.calls)
	assert.Equal(t, filing.StatePublished, h.state(t, "A"))
	assert.Equal(t, filing.StateUnseen, h.state(t, "B"))
	last := h.loop.LastCycle()
	assert.Equal(t, []string{"A"}, last.IDs(OutcomeCommitted))
	assert.Equal(t, 2, last.Count(OutcomeDeferredRetry))
	assert.False(t, h.loop.Busy())
}

func TestNextDelayJitterAndClamp(t *testing.T) {
	l := New(Config{
		Interval:    60 * time.Second,
		Jitter:      10 * time.Second,
		MinInterval: 55 * time.Second,
		MaxInterval: 65 * time.Second,
	}, Deps{})

	l.jitter = func() float64 { return 0.5 }
	assert.Equal(t, 60*time.Second, l.NextDelay())
	l.jitter = func() float64 { return 0 }
	assert.Equal(t, 55*time.Second, l.NextDelay(), "clamped to min")
	l.jitter = func() float64 { return 0.99 }
	assert.Equal(t, 65*time.Second, l.NextDelay(), "clamped to max")
	l.jitter = func() float64 { return 0.75 }
	assert.Equal(t, 65*time.Second, l.NextDelay())
	l.jitter = func() float64 { return 0.625 }
	assert.Equal(t, 62500*time.Millisecond, l.NextDelay())
}

// TestConcurrentCyclesConvergeOnPublished runs two loops over one ledger and
// broker. Without a lock between them a filing may be published twice, but
// the ledger ends at Published exactly once.
func TestConcurrentCyclesConvergeOnPublished(t *testing.T) {
	h := newHarness(t, 4, []filing.Record{rec(t, "A"), rec(t, "B"), rec(t, "C"), rec(t, "D")})
	other := New(h.loop.cfg, h.loop.deps)

	var wg sync.WaitGroup
	for _, l := range []*Loop{h.loop, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RunCycle(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats, err := h.ledger.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Published)
	assert.Zero(t, stats.Archived)
	assert.GreaterOrEqual(t, len(h.tasks(t)), 4)
	assert.LessOrEqual(t, h.store.Len(), 4)
}
