package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testDoc(id string) filing.Document {
	return filing.Document{
		FilingID:   id,
		Content:    []byte("<html><body>" + id + "</body></html>"),
		ContentKey: "filings/ab/" + id,
		Encoding:   filing.Encoding{Kind: filing.KindHTML, ContentType: "text/html; charset=UTF-8"},
	}
}

type failingStore struct {
	existsErr error
	putErr    error
}

func (f failingStore) Exists(context.Context, string) (bool, error) { return false, f.existsErr }
func (f failingStore) Put(context.Context, string, []byte, string) error {
	return f.putErr
}
func (f failingStore) Get(context.Context, string) ([]byte, error) { return nil, nil }

func backends(t *testing.T) map[string]ObjectStore {
	t.Helper()
	fsStore, err := NewFS(t.TempDir())
	require.NoError(t, err)
	return map[string]ObjectStore{
		"memory": NewMemory(),
		"fs":     fsStore,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestWriterWritesOnce checks that a second write of the same document is a
// no-op and the stored bytes can be read back.
func TestWriterWritesOnce(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w := NewWriter(store)
			doc := testDoc("20240521000123")

			written, err := w.Write(ctx, doc)
			require.NoError(t, err)
			assert.True(t, written)

			written, err = w.Write(ctx, doc)
			require.NoError(t, err)
			assert.False(t, written)

			got, err := store.Get(ctx, doc.ContentKey)
			require.NoError(t, err)
			assert.Equal(t, doc.Content, got)
		})
	}
}

func TestMemoryCountsPuts(t *testing.T) {
	mem := NewMemory()
	w := NewWriter(mem)
	doc := testDoc("20240521000123")
	for i := 0; i < 3; i++ {
		_, err := w.Write(context.Background(), doc)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, mem.Puts())
	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, "text/html; charset=UTF-8", mem.ContentType(doc.ContentKey))
}

func TestGetMissingIsNotFound(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "filings/00/missing")
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}

func TestWriterWrapsStoreErrorsAsTransient(t *testing.T) {
	boom := errors.New("connection reset")

	_, err := NewWriter(failingStore{existsErr: boom}).Write(context.Background(), testDoc("1"))
	assert.ErrorIs(t, err, apperrors.ErrTransientIO)
	assert.ErrorIs(t, err, boom)

	_, err = NewWriter(failingStore{putErr: boom}).Write(context.Background(), testDoc("1"))
	assert.ErrorIs(t, err, apperrors.ErrTransientIO)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"../outside", "/etc/passwd", "."} {
		_, err := store.Exists(context.Background(), key)
		assert.Error(t, err, key)
	}
}

// TestFSDetectsCorruption flips a byte on disk behind the store's back.
func TestFSDetectsCorruption(t *testing.T) {
	root := t.TempDir()
	store, err := NewFS(root)
	require.NoError(t, err)
	doc := testDoc("20240521000123")
	require.NoError(t, store.Put(context.Background(), doc.ContentKey, doc.Content, "text/html"))

	p := filepath.Join(root, filepath.FromSlash(doc.ContentKey))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(p, data, 0644))

	_, err = store.Get(context.Background(), doc.ContentKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestFSLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	store, err := NewFS(root)
	require.NoError(t, err)
	doc := testDoc("20240521000123")
	require.NoError(t, store.Put(context.Background(), doc.ContentKey, doc.Content, "text/html"))

	matches, err := filepath.Glob(filepath.Join(root, "filings", "ab", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
