// Package source fetches filings from the disclosure system. The DART client
// talks to the Open DART HTTP API; the mock source fabricates filings for
// local runs without an API key.
package source

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
)

// Source returns up to n of the most recent filings with their raw payloads.
type Source interface {
	FetchRecent(ctx context.Context, n int) ([]filing.Record, error)
}

// Seen lets a source skip downloads for filings that are already done. It is
// an optimization only; callers still filter what they get back.
type Seen interface {
	IsProcessed(ctx context.Context, filingID string) (bool, error)
}
