package ingestion

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/archive"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/publisher"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/tracing"
)

// filingRun carries one filing through the steps of a cycle. A step that
// ends the filing's cycle sets outcome; err holds the cause for anything but
// a commit or skip.
type filingRun struct {
	rec        filing.Record
	entry      ledger.Entry
	doc     *filing.Document
	object  filing.Object
	written bool
	outcome Outcome
	reason  string
	err     error
}

func (r *filingRun) done() bool { return r.outcome != "" }

func (r *filingRun) end(o Outcome, reason string, err error) {
	r.outcome, r.reason, r.err = o, reason, err
}

func (l *Loop) process(ctx context.Context, rec filing.Record) *filingRun {
	run := &filingRun{rec: rec}
	ctx = logger.WithFilingID(ctx, rec.ID)
	ctx, span := tracing.StartSpan(ctx, "filing", rec.ID)

	for _, step := range []func(context.Context, *filingRun){
		l.filter,
		l.decode,
		l.store,
		l.publish,
	} {
		step(ctx, run)
		if run.done() {
			break
		}
	}

	span.SetAttr("outcome", string(run.outcome))
	span.EndWithError(run.err)
	l.report(ctx, run)
	span.Log(logger.FromContext(ctx))
	return run
}

// filter reads the ledger entry. Published filings are skipped; Archived ones
// go straight to publication with the recorded object.
func (l *Loop) filter(ctx context.Context, run *filingRun) {
	err := l.stage(ctx, "filter", func(ctx context.Context) error {
		entry, err := resilience.Call(ctx, l.cfg.CallTimeout, "ledger read",
			func(ctx context.Context) (ledger.Entry, error) {
				return l.deps.Ledger.StateOf(ctx, run.rec.ID)
			})
		run.entry = entry
		return err
	})
	if err != nil {
		run.end(OutcomeDeferredRetry, "ledger read failed", apperrors.Ledger("reading ledger entry", err))
		return
	}
	switch run.entry.State {
	case filing.StatePublished:
		run.end(OutcomeSkipped, "already published", nil)
	case filing.StateArchived:
		run.object = run.entry.Object()
		if run.object.Key == "" {
			run.object.Key = archive.ContentKey(run.rec.ID)
		}
	}
}

func (l *Loop) decode(ctx context.Context, run *filingRun) {
	if run.object.Key != "" {
		return
	}
	err := l.stage(ctx, "decode", func(context.Context) error {
		doc, err := l.deps.Decoder.Decode(run.rec.ID, run.rec.RawPayload)
		if err != nil {
			return err
		}
		run.doc = &doc
		return nil
	})
	if err != nil {
		run.end(OutcomePoisonDiscarded, "decode failed", err)
		return
	}
	run.object = run.doc.Object()
}

// store archives the document and records Archived. It is skipped for
// filings resumed from the ledger.
func (l *Loop) store(ctx context.Context, run *filingRun) {
	if run.doc == nil {
		return
	}
	err := l.stage(ctx, "store", func(ctx context.Context) error {
		return l.call(ctx, "storage write", func(ctx context.Context) error {
			written, err := l.deps.Writer.Write(ctx, *run.doc)
			run.written = written
			return err
		})
	})
	if err != nil {
		run.end(OutcomeDeferredRetry, "storage write failed", err)
		return
	}
	err = l.stage(ctx, "mark_archived", func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, l.cfg.CallTimeout, "ledger mark archived", func(ctx context.Context) error {
			return l.deps.Ledger.MarkArchived(ctx, run.rec.ID, run.object)
		})
	})
	if err != nil {
		run.end(OutcomeDeferredRetry, "ledger write failed", apperrors.Ledger("marking archived", err))
	}
}

// publish hands the task to the broker and records Published.
func (l *Loop) publish(ctx context.Context, run *filingRun) {
	task := publisher.NewTask(run.rec, run.object)
	err := l.stage(ctx, "publish", func(ctx context.Context) error {
		return l.call(ctx, "task publish", func(ctx context.Context) error {
			return l.deps.Publisher.Publish(ctx, task)
		})
	})
	if err != nil {
		run.end(OutcomeDeferredRetry, "publish failed", err)
		return
	}
	err = l.stage(ctx, "mark_published", func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, l.cfg.CallTimeout, "ledger mark published", func(ctx context.Context) error {
			return l.deps.Ledger.MarkPublished(ctx, run.rec.ID)
		})
	})
	if err != nil {
		run.end(OutcomeDeferredRetry, "ledger write failed", apperrors.Ledger("marking published", err))
		return
	}
	reason := "archived and published"
	if run.doc == nil {
		reason = "resumed from archived"
	}
	run.end(OutcomeCommitted, reason, nil)
}

// call retries fn with the loop's backoff policy, bounding each attempt by
// the call timeout.
func (l *Loop) call(ctx context.Context, name string, fn func(context.Context) error) error {
	return resilience.Retry(ctx, name, l.retry, func() error {
		return resilience.WithTimeout(ctx, l.cfg.CallTimeout, name, fn)
	})
}

func (l *Loop) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracing.StartChildSpan(ctx, name)
	err := fn(ctx)
	d := span.EndWithError(err)
	l.deps.Metrics.StageDuration.WithLabelValues(name).Observe(d.Seconds())
	return err
}

func (l *Loop) report(ctx context.Context, run *filingRun) {
	log := logger.FromContext(ctx)
	l.deps.Metrics.FilingOutcomesTotal.WithLabelValues(string(run.outcome)).Inc()
	attrs := []any{
		"outcome", run.outcome,
		"reason", run.reason,
	}
	if run.object.Key != "" {
		attrs = append(attrs, "content_key", run.object.Key)
	}
	switch run.outcome {
	case OutcomeCommitted:
		if run.doc != nil {
			attrs = append(attrs, "encoding", run.doc.Encoding.Summary(), "written", run.written)
		}
		log.Info("filing committed", attrs...)
	case OutcomeSkipped:
		log.Info("filing skipped", attrs...)
	case OutcomePoisonDiscarded:
		log.Warn("filing discarded as poison", append(attrs, "error", run.err)...)
		l.deps.Failures.Record(run.rec, string(run.outcome), run.err)
	default:
		attrs = append(attrs, "error", run.err, "kind", apperrors.KindOf(run.err))
		if apperrors.KindOf(run.err) == apperrors.KindLedgerCorruption {
			log.Error("ledger failure, filing deferred", attrs...)
		} else {
			log.Warn("filing deferred to next cycle", attrs...)
		}
		l.deps.Failures.Record(run.rec, string(run.outcome), run.err)
	}
}
