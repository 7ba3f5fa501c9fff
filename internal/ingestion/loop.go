// Package ingestion drives the polling loop: fetch recent filings, drop the
// ones already published, and push the rest through decode, archive and
// publish. The ledger is written right after the archive write and right
// after the publish, so a filing interrupted anywhere resumes at the first
// step it has not completed.
package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/failures"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/source"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/resilience"
)

// Outcome is how a filing left one cycle.
type Outcome string

const (
	OutcomeSkipped         Outcome = "skipped"
	OutcomePoisonDiscarded Outcome = "poison_discarded"
	OutcomeCommitted       Outcome = "committed"
	OutcomeDeferredRetry   Outcome = "deferred_retry"
)

// Decoder turns a raw payload into an archivable document.
type Decoder interface {
	Decode(filingID string, raw []byte) (filing.Document, error)
}

// Writer archives a document; it reports whether a put was issued.
type Writer interface {
	Write(ctx context.Context, doc filing.Document) (bool, error)
}

// Publisher hands a task to the workers.
type Publisher interface {
	Publish(ctx context.Context, task filing.Task) error
}

// Config is the immutable loop configuration.
type Config struct {
	Interval    time.Duration
	Jitter      time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
	FetchSize   int
	Concurrency int
	// CallTimeout bounds each storage, broker and ledger call.
	CallTimeout time.Duration
	// FetchTimeout bounds one source fetch including document downloads.
	FetchTimeout time.Duration
	Retry        resilience.RetryConfig
}

// ConfigFrom builds the loop configuration from the ingestion settings and
// the shared retry policy.
func ConfigFrom(cfg config.IngestionConfig, retry resilience.RetryConfig) Config {
	return Config{
		Interval:     cfg.Interval,
		Jitter:       cfg.Jitter,
		MinInterval:  cfg.MinInterval,
		MaxInterval:  cfg.MaxInterval,
		FetchSize:    cfg.FetchSize,
		Concurrency:  cfg.Concurrency,
		CallTimeout:  cfg.CallTimeout,
		FetchTimeout: cfg.FetchTimeout,
		Retry:        retry,
	}
}

// Deps are the collaborators of the loop. Failures, Metrics and Heartbeat
// are optional.
type Deps struct {
	Source    source.Source
	Ledger    ledger.Ledger
	Decoder   Decoder
	Writer    Writer
	Publisher Publisher
	Failures  failures.Recorder
	Metrics   *metrics.Metrics
	Heartbeat *health.Heartbeat
}

// CycleReport summarizes one polling cycle.
type CycleReport struct {
	ID        string
	Fetched   int
	Outcomes  map[Outcome]int
	Aborted   bool
	Duration  time.Duration
	filingIDs map[Outcome][]string
}

// Count returns how many filings ended the cycle with o.
func (r CycleReport) Count(o Outcome) int { return r.Outcomes[o] }

// IDs returns the filings that ended the cycle with o, in completion order.
func (r CycleReport) IDs(o Outcome) []string { return r.filingIDs[o] }

func (r *CycleReport) add(o Outcome, id string) {
	r.Outcomes[o]++
	r.filingIDs[o] = append(r.filingIDs[o], id)
}

// Loop is the ingestion scheduler. One Loop runs one sequence of cycles.
type Loop struct {
	cfg      Config
	deps     Deps
	retry    resilience.RetryConfig
	sleep    resilience.SleepFunc
	jitter   func() float64
	now      func() time.Time
	logger   *slog.Logger
	inCycle  atomic.Bool
	lastMu   sync.Mutex
	lastDone CycleReport
}

func New(cfg Config, deps Deps) *Loop {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.FetchSize < 1 {
		cfg.FetchSize = 100
	}
	if cfg.FetchTimeout < cfg.CallTimeout {
		cfg.FetchTimeout = cfg.CallTimeout
	}
	if deps.Failures == nil {
		deps.Failures = failures.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewWithRegisterer(prometheus.NewRegistry())
	}
	retry := cfg.Retry
	retry.Retryable = apperrors.IsRetryable
	sleep := retry.Sleep
	if sleep == nil {
		sleep = resilience.Sleep
	}
	return &Loop{
		cfg:    cfg,
		deps:   deps,
		retry:  retry,
		sleep:  sleep,
		jitter: rand.Float64,
		now:    time.Now,
		logger: slog.Default().With("component", "ingestion-loop"),
	}
}

// Run executes cycles until ctx is cancelled. Cancellation is observed only
// between cycles; a running cycle finishes the filings it has started.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("ingestion loop started",
		"interval", l.cfg.Interval,
		"jitter", l.cfg.Jitter,
		"fetch_size", l.cfg.FetchSize,
		"concurrency", l.cfg.Concurrency,
	)
	for {
		if ctx.Err() != nil {
			break
		}
		if _, err := l.RunCycle(ctx); err != nil {
			l.logger.Error("cycle failed", "error", err, "kind", apperrors.KindOf(err))
		}
		delay := l.NextDelay()
		l.logger.Debug("waiting for next cycle", "delay", delay)
		if err := l.sleep(ctx, delay); err != nil {
			break
		}
	}
	l.logger.Info("ingestion loop stopped")
	return nil
}

// NextDelay is the interval plus a uniform jitter in [-Jitter, +Jitter],
// clamped to [MinInterval, MaxInterval].
func (l *Loop) NextDelay() time.Duration {
	d := l.cfg.Interval
	if l.cfg.Jitter > 0 {
		d += time.Duration((2*l.jitter() - 1) * float64(l.cfg.Jitter))
	}
	if l.cfg.MinInterval > 0 && d < l.cfg.MinInterval {
		d = l.cfg.MinInterval
	}
	if l.cfg.MaxInterval > 0 && d > l.cfg.MaxInterval {
		d = l.cfg.MaxInterval
	}
	return d
}

// Busy reports whether a cycle is running.
func (l *Loop) Busy() bool { return l.inCycle.Load() }

// LastCycle returns the report of the most recent finished cycle.
func (l *Loop) LastCycle() CycleReport {
	l.lastMu.Lock()
	defer l.lastMu.Unlock()
	return l.lastDone
}

// RunCycle fetches and processes one batch. It returns an error when the
// source could not be read or the ledger failed; in the latter case filings
// not yet started are left for the next cycle.
func (l *Loop) RunCycle(ctx context.Context) (CycleReport, error) {
	l.inCycle.Store(true)
	defer l.inCycle.Store(false)

	start := l.now()
	report := CycleReport{
		ID:        uuid.NewString(),
		Outcomes:  make(map[Outcome]int),
		filingIDs: make(map[Outcome][]string),
	}
	ctx = logger.WithCycleID(ctx, report.ID)
	log := l.logger.With("cycle_id", report.ID)
	m := l.deps.Metrics

	records, err := resilience.Call(ctx, l.cfg.FetchTimeout, "source fetch",
		func(ctx context.Context) ([]filing.Record, error) {
			return l.deps.Source.FetchRecent(ctx, l.cfg.FetchSize)
		})
	if err != nil {
		m.CyclesTotal.WithLabelValues("source_error").Inc()
		return l.finish(report, start), apperrors.Transient("fetching recent filings", err)
	}
	report.Fetched = len(records)
	m.FilingsFetchedTotal.Add(float64(len(records)))
	log.Info("cycle started", "fetched", len(records))

	// Filings that have started run to completion even if ctx is cancelled.
	work := context.WithoutCancel(ctx)
	var (
		g        errgroup.Group
		mu       sync.Mutex
		aborted  atomic.Bool
		ledgerMu sync.Mutex
		ledgerErr error
	)
	g.SetLimit(l.cfg.Concurrency)
	// stopped is checked again once a slot frees up, since g.Go blocks at
	// the concurrency limit.
	stopped := func(id string) bool {
		reason := ""
		switch {
		case aborted.Load():
			reason = "cycle aborted by ledger failure"
		case ctx.Err() != nil:
			reason = "shutting down"
		default:
			return false
		}
		log.Info("filing deferred",
			"filing_id", id,
			"outcome", OutcomeDeferredRetry,
			"reason", reason,
		)
		mu.Lock()
		report.add(OutcomeDeferredRetry, id)
		mu.Unlock()
		m.FilingOutcomesTotal.WithLabelValues(string(OutcomeDeferredRetry)).Inc()
		return true
	}
	// A page that shifts while the source paginates can return a filing
	// twice; only the first copy runs.
	dispatched := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if _, dup := dispatched[rec.ID]; dup {
			log.Info("filing skipped",
				"filing_id", rec.ID,
				"outcome", OutcomeSkipped,
				"reason", "duplicate in batch",
			)
			mu.Lock()
			report.add(OutcomeSkipped, rec.ID)
			mu.Unlock()
			m.FilingOutcomesTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
			continue
		}
		dispatched[rec.ID] = struct{}{}
		if stopped(rec.ID) {
			continue
		}
		g.Go(func() error {
			if stopped(rec.ID) {
				return nil
			}
			run := l.process(work, rec)
			mu.Lock()
			report.add(run.outcome, rec.ID)
			mu.Unlock()
			if apperrors.KindOf(run.err) == apperrors.KindLedgerCorruption {
				aborted.Store(true)
				ledgerMu.Lock()
				ledgerErr = errors.Join(ledgerErr, run.err)
				ledgerMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Aborted = aborted.Load()
	report = l.finish(report, start)
	attrs := []any{
		"fetched", report.Fetched,
		"committed", report.Count(OutcomeCommitted),
		"skipped", report.Count(OutcomeSkipped),
		"poison", report.Count(OutcomePoisonDiscarded),
		"deferred", report.Count(OutcomeDeferredRetry),
		"duration", report.Duration,
	}
	if stats, err := l.deps.Ledger.Stats(work); err == nil {
		attrs = append(attrs, "ledger_archived", stats.Archived, "ledger_published", stats.Published)
	}

	if report.Aborted {
		m.CyclesTotal.WithLabelValues("ledger_error").Inc()
		m.LedgerErrorsTotal.Inc()
		log.Error("cycle aborted by ledger failure", append(attrs, "error", ledgerErr)...)
		return report, ledgerErr
	}
	m.CyclesTotal.WithLabelValues("ok").Inc()
	m.LastCycleSuccess.Set(float64(l.now().Unix()))
	if l.deps.Heartbeat != nil {
		l.deps.Heartbeat.Beat()
	}
	log.Info("cycle finished", attrs...)
	return report, nil
}

func (l *Loop) finish(report CycleReport, start time.Time) CycleReport {
	report.Duration = l.now().Sub(start)
	l.deps.Metrics.CycleDuration.Observe(report.Duration.Seconds())
	l.lastMu.Lock()
	l.lastDone = report
	l.lastMu.Unlock()
	return report
}
