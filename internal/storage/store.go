// Package storage persists decoded filings under their content key. The
// Writer wraps any ObjectStore with the check-then-put idempotence the
// pipeline relies on; backends are MinIO/S3, the local filesystem and memory.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
)

// ObjectStore is the narrow object storage contract. Put must be idempotent
// for identical content; Get returns an error wrapping ErrNotFound for a
// missing key.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, content []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Writer archives decoded documents.
type Writer struct {
	store  ObjectStore
	logger *slog.Logger
}

func NewWriter(store ObjectStore) *Writer {
	return &Writer{
		store:  store,
		logger: slog.Default().With("component", "storage-writer"),
	}
}

// Write stores doc under doc.ContentKey unless an object already exists
// there. The existence check and the put are not atomic: a concurrent writer
// can only ever store the same bytes, since content is a function of the
// filing id. It reports whether a put was issued. Store failures are
// transient.
func (w *Writer) Write(ctx context.Context, doc filing.Document) (bool, error) {
	exists, err := w.store.Exists(ctx, doc.ContentKey)
	if err != nil {
		return false, apperrors.Transient("checking object existence", err)
	}
	if exists {
		w.logger.Debug("object already stored",
			"filing_id", doc.FilingID,
			"content_key", doc.ContentKey,
		)
		return false, nil
	}
	if err := w.store.Put(ctx, doc.ContentKey, doc.Content, doc.Encoding.ContentType); err != nil {
		return false, apperrors.Transient(fmt.Sprintf("storing %s", doc.ContentKey), err)
	}
	w.logger.Debug("object stored",
		"filing_id", doc.FilingID,
		"content_key", doc.ContentKey,
		"size", len(doc.Content),
	)
	return true, nil
}

func notFound(key string) error {
	return fmt.Errorf("object %s: %w", key, apperrors.ErrNotFound)
}
