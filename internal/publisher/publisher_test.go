package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/broker"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const queue = "filing.tasks"

type downBroker struct{ broker.Broker }

func (downBroker) Publish(context.Context, string, string, []byte) error {
	return errors.New("no brokers available")
}

func record() filing.Record {
	return filing.Record{
		ID: "20240521000123",
		Meta: filing.Meta{
			CorpCode:    "00126380",
			CorpName:    "삼성전자",
			ReportName:  "사업보고서 (2023.12)",
			ReceiptDate: "20240521",
		},
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPublishEncodesTask(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	p := New(b, queue)
	fixed := time.Date(2024, 5, 21, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	doc := filing.Document{
		ContentKey: "filings/3f/20240521000123",
		Content:    make([]byte, 512),
		Encoding:   filing.Encoding{ContentType: "text/html; charset=UTF-8"},
	}
	require.NoError(t, p.Publish(context.Background(), NewTask(record(), doc.Object())))

	msgs := b.Messages(queue)
	require.Len(t, msgs, 1)
	task, err := filing.DecodeTask(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "20240521000123", task.FilingID)
	assert.Equal(t, "filings/3f/20240521000123", task.ContentKey)
	assert.Equal(t, 512, task.Size)
	assert.Equal(t, "text/html; charset=UTF-8", task.ContentType)
	assert.Equal(t, "삼성전자", task.CorpName)
	assert.Equal(t, fixed, task.PublishedAt)
	assert.NotEmpty(t, task.TaskID)
}

// TestResumedTaskMatchesFreshTask builds one task from a freshly decoded
// document and one from the object the ledger recorded for it.
func TestResumedTaskMatchesFreshTask(t *testing.T) {
	doc := filing.Document{
		FilingID:   "20240521000123",
		ContentKey: "filings/3f/20240521000123",
		Content:    make([]byte, 1121),
		Encoding:   filing.Encoding{ContentType: "text/html; charset=UTF-8"},
	}
	fresh := NewTask(record(), doc.Object())
	resumed := NewTask(record(), filing.Object{
		Key:         "filings/3f/20240521000123",
		ContentType: "text/html; charset=UTF-8",
		Size:        1121,
	})
	assert.Equal(t, fresh, resumed)
	assert.Equal(t, 1121, resumed.Size)
	assert.Equal(t, "00126380", resumed.CorpCode)
}

func TestPublishBrokerFailureIsTransient(t *testing.T) {
	p := New(downBroker{}, queue)
	err := p.Publish(context.Background(), NewTask(record(), filing.Object{Key: "filings/3f/x"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransientIO)
}

func TestPublishRejectsTaskWithoutContentKey(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	err := New(b, queue).Publish(context.Background(), NewTask(record(), filing.Object{}))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Zero(t, b.Pending(queue))
}
