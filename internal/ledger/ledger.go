// Package ledger records per-filing ingestion progress and is the single
// source of truth for deduplication. Every backend applies the transitions
// Unseen -> Archived -> Published as an atomic compare-and-set per filing
// identifier; transitions never go backwards.
package ledger

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
)

// Entry is the ledger row for one filing. An Unseen entry has no content key
// and a zero UpdatedAt.
type Entry struct {
	FilingID    string       `json:"filing_id"`
	State       filing.State `json:"state"`
	ContentKey  string       `json:"content_key,omitempty"`
	ContentType string       `json:"content_type,omitempty"`
	Size        int          `json:"size,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at,omitempty"`
}

// Object returns the archived object recorded for e.
func (e Entry) Object() filing.Object {
	return filing.Object{Key: e.ContentKey, ContentType: e.ContentType, Size: e.Size}
}

// Stats counts ledger entries per stored state.
type Stats struct {
	Archived  int64 `json:"archived"`
	Published int64 `json:"published"`
}

// Ledger is safe for concurrent use.
type Ledger interface {
	// IsProcessed reports whether the filing reached Published.
	IsProcessed(ctx context.Context, filingID string) (bool, error)
	StateOf(ctx context.Context, filingID string) (Entry, error)
	// MarkArchived moves Unseen to Archived and records the archived object.
	// It is a no-op for filings already Archived or Published.
	MarkArchived(ctx context.Context, filingID string, obj filing.Object) error
	// MarkPublished moves Archived to Published. It is a no-op for Published
	// filings and fails with ErrInvalidTransition for Unseen ones.
	MarkPublished(ctx context.Context, filingID string) error
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

func invalidTransition(filingID string) error {
	return apperrors.New(apperrors.ErrInvalidTransition, filingID, "cannot publish a filing that was never archived")
}

func isProcessed(ctx context.Context, l Ledger, filingID string) (bool, error) {
	e, err := l.StateOf(ctx, filingID)
	if err != nil {
		return false, err
	}
	return e.State == filing.StatePublished, nil
}
