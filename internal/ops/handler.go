// Package ops serves the operator endpoints of both binaries: health probes,
// Prometheus metrics and read-only ledger inspection.
package ops

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/ledger"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/logger"
)

// Cycles exposes the state of a running ingestion loop.
type Cycles interface {
	Busy() bool
	LastCycle() ingestion.CycleReport
}

// Handler serves the inspection API. Both collaborators are optional; the
// worker binary runs without them.
type Handler struct {
	ledger ledger.Ledger
	cycles Cycles
	logger *slog.Logger
}

func NewHandler(l ledger.Ledger, c Cycles) *Handler {
	return &Handler{
		ledger: l,
		cycles: c,
		logger: slog.Default().With("component", "ops-handler"),
	}
}

type filingResponse struct {
	ledger.Entry
	StateName string `json:"state_name"`
}

// GetFiling returns the ledger entry of one filing. Unseen filings are
// reported as such rather than as 404.
func (h *Handler) GetFiling(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := filing.ValidateID(id); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := h.ledger.StateOf(r.Context(), id)
	if err != nil {
		status := apperrors.HTTPStatusCode(apperrors.Ledger("reading entry", err))
		logger.FromContext(r.Context()).Error("ledger lookup failed", "filing_id", id, "error", err)
		h.writeError(w, status, "ledger unavailable")
		return
	}
	entry.FilingID = id
	h.writeJSON(w, http.StatusOK, filingResponse{Entry: entry, StateName: entry.State.String()})
}

func (h *Handler) LedgerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		h.logger.Error("ledger stats failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(apperrors.Ledger("stats", err)), "ledger unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

type cycleResponse struct {
	Busy     bool                      `json:"busy"`
	ID       string                    `json:"cycle_id,omitempty"`
	Fetched  int                       `json:"fetched"`
	Outcomes map[ingestion.Outcome]int `json:"outcomes"`
	Aborted  bool                      `json:"aborted"`
	Duration string                    `json:"duration,omitempty"`
}

// LastCycle summarizes the most recent finished polling cycle.
func (h *Handler) LastCycle(w http.ResponseWriter, r *http.Request) {
	last := h.cycles.LastCycle()
	resp := cycleResponse{
		Busy:     h.cycles.Busy(),
		ID:       last.ID,
		Fetched:  last.Fetched,
		Outcomes: last.Outcomes,
		Aborted:  last.Aborted,
	}
	if last.ID != "" {
		resp.Duration = last.Duration.Round(time.Millisecond).String()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
