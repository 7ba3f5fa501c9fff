// Package failures keeps one JSON report per filing the pipeline gave up on
// or deferred, so operators can reconcile them later. A later report for the
// same filing replaces the earlier one.
package failures

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
)

// Report is the on-disk form of one failure.
type Report struct {
	FilingID   string         `json:"rcept_no"`
	RecordedAt time.Time      `json:"recorded_at"`
	Outcome    string         `json:"outcome"`
	Kind       apperrors.Kind `json:"kind"`
	Reason     string         `json:"failure_reason"`
	Meta       filing.Meta    `json:"disclosure_details"`
}

// Recorder is what the ingestion loop reports to.
type Recorder interface {
	Record(rec filing.Record, outcome string, cause error)
}

// Nop discards reports.
type Nop struct{}

func (Nop) Record(filing.Record, string, error) {}

// Dir writes reports as <dir>/<filing id>.json. Write errors are logged and
// never propagate into the pipeline.
type Dir struct {
	dir    string
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

// New returns a Nop recorder when dir is empty.
func New(dir string) (Recorder, error) {
	if dir == "" {
		slog.Default().Warn("failure directory not set, failure recording disabled")
		return Nop{}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating failure directory: %w", err)
	}
	return &Dir{
		dir:    dir,
		now:    time.Now,
		logger: slog.Default().With("component", "failure-recorder"),
	}, nil
}

func (d *Dir) Record(rec filing.Record, outcome string, cause error) {
	if filing.ValidateID(rec.ID) != nil {
		d.logger.Warn("not recording failure for unusable filing id", "filing_id", rec.ID)
		return
	}
	report := Report{
		FilingID:   rec.ID,
		RecordedAt: d.now().UTC(),
		Outcome:    outcome,
		Kind:       apperrors.KindOf(cause),
		Meta:       rec.Meta,
	}
	if cause != nil {
		report.Reason = cause.Error()
	}
	data, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		d.logger.Error("could not encode failure report", "filing_id", rec.ID, "error", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	path := filepath.Join(d.dir, rec.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		d.logger.Error("could not write failure report", "filing_id", rec.ID, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		d.logger.Error("could not write failure report", "filing_id", rec.ID, "error", err)
		os.Remove(tmp)
	}
}

// Read loads the report for one filing.
func Read(dir, filingID string) (Report, error) {
	var r Report
	data, err := os.ReadFile(filepath.Join(dir, filingID+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return r, fmt.Errorf("failure report for %s: %w", filingID, apperrors.ErrNotFound)
	}
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parsing failure report for %s: %w", filingID, err)
	}
	return r, nil
}

// List loads every report in dir, newest first.
func List(dir string) ([]Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading failure directory: %w", err)
	}
	var reports []Report
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := Read(dir, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].RecordedAt.After(reports[j].RecordedAt)
	})
	return reports, nil
}
