package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIdentifiersAreStamped(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "json").With("component", "ingestion-loop")

	ctx := WithFilingID(WithCycleID(context.Background(), "c-1"), "20240101000001")
	log.InfoContext(ctx, "filing committed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "c-1", line["cycle_id"])
	assert.Equal(t, "20240101000001", line["filing_id"])
	assert.Equal(t, "ingestion-loop", line["component"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "WARNING", "text")
	log.Info("dropped")
	assert.Empty(t, buf.String())
	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelError, ParseLevel(" Error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
