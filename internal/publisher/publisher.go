// Package publisher hands archived filings to the summarization workers. It
// is only ever called after the archive write has been confirmed, and a
// duplicate publish for the same filing is harmless downstream.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/broker"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
)

// Publisher serializes tasks as JSON onto the task queue, keyed by filing id
// so that every message about a filing lands on the same partition.
type Publisher struct {
	broker broker.Broker
	queue  string
	now    func() time.Time
	logger *slog.Logger
}

func New(b broker.Broker, queue string) *Publisher {
	return &Publisher{
		broker: b,
		queue:  queue,
		now:    time.Now,
		logger: slog.Default().With("component", "publisher"),
	}
}

// NewTask builds the task for an archived filing from the object recorded
// for it, whether it was just written or resumed from the ledger.
func NewTask(rec filing.Record, obj filing.Object) filing.Task {
	return filing.Task{
		FilingID:    rec.ID,
		ContentKey:  obj.Key,
		ContentType: obj.ContentType,
		Size:        obj.Size,
		Meta:        rec.Meta,
	}
}

// Publish assigns a task id and publication time when missing and publishes
// the task. Broker failures are transient.
func (p *Publisher) Publish(ctx context.Context, task filing.Task) error {
	if err := filing.ValidateTask(&task); err != nil {
		return apperrors.Newf(apperrors.ErrInvalidInput, task.FilingID, "refusing to publish: %v", err)
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.PublishedAt.IsZero() {
		task.PublishedAt = p.now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}
	if err := p.broker.Publish(ctx, p.queue, task.FilingID, payload); err != nil {
		p.logger.Error("failed to publish task",
			"filing_id", task.FilingID,
			"queue", p.queue,
			"error", err,
		)
		return apperrors.Transient(fmt.Sprintf("publishing task for %s", task.FilingID), err)
	}
	p.logger.Debug("task published",
		"filing_id", task.FilingID,
		"task_id", task.TaskID,
		"content_key", task.ContentKey,
	)
	return nil
}
