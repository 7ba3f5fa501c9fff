package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
)

// Memory is a process-local ledger. It does not survive restarts and is only
// wired in mock mode and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

func (m *Memory) IsProcessed(ctx context.Context, filingID string) (bool, error) {
	return isProcessed(ctx, m, filingID)
}

func (m *Memory) StateOf(_ context.Context, filingID string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[filingID]; ok {
		return e, nil
	}
	return Entry{FilingID: filingID, State: filing.StateUnseen}, nil
}

func (m *Memory) MarkArchived(_ context.Context, filingID string, obj filing.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[filingID]; ok {
		return nil
	}
	m.entries[filingID] = Entry{
		FilingID:    filingID,
		State:       filing.StateArchived,
		ContentKey:  obj.Key,
		ContentType: obj.ContentType,
		Size:        obj.Size,
		UpdatedAt:   m.now().UTC(),
	}
	return nil
}

func (m *Memory) MarkPublished(_ context.Context, filingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[filingID]
	if !ok {
		return invalidTransition(filingID)
	}
	if e.State == filing.StatePublished {
		return nil
	}
	e.State = filing.StatePublished
	e.UpdatedAt = m.now().UTC()
	m.entries[filingID] = e
	return nil
}

func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, e := range m.entries {
		switch e.State {
		case filing.StateArchived:
			s.Archived++
		case filing.StatePublished:
			s.Published++
		}
	}
	return s, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}
