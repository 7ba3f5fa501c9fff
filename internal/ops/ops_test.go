package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/metrics"
)

type downLedger struct{ ledger.Ledger }

func (downLedger) StateOf(context.Context, string) (ledger.Entry, error) {
	return ledger.Entry{}, errors.New("connection refused")
}

type fakeCycles struct{ last ingestion.CycleReport }

func (f fakeCycles) Busy() bool                       { return true }
func (f fakeCycles) LastCycle() ingestion.CycleReport { return f.last }

func newServer(t *testing.T, l ledger.Ledger, c Cycles) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	return newServerWith(t, l, c, config.ServerConfig{RequestTimeout: time.Second})
}

func newServerWith(t *testing.T, l ledger.Ledger, c Cycles, cfg config.ServerConfig) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegisterer(reg)
	checker := health.NewChecker()
	checker.Register("ledger", health.Ping(func(context.Context) error { return nil }))
	srv := httptest.NewServer(Routes(NewHandler(l, c), checker, m, reg, cfg))
	t.Cleanup(srv.Close)
	return srv, reg
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestGetFilingReportsLedgerState(t *testing.T) {
	l := ledger.NewMemory()
	ctx := context.Background()
	require.NoError(t, l.MarkArchived(ctx, "20240521000123", filing.Object{Key: "filings/3f/20240521000123"}))
	srv, _ := newServer(t, l, nil)

	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/filings/20240521000123", &body))
	assert.Equal(t, "archived", body["state_name"])
	assert.Equal(t, "filings/3f/20240521000123", body["content_key"])

	body = nil
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/filings/20240521000999", &body))
	assert.Equal(t, "unseen", body["state_name"])
	assert.Equal(t, "20240521000999", body["filing_id"])
}

func TestGetFilingLedgerDownIs503(t *testing.T) {
	srv, _ := newServer(t, downLedger{ledger.NewMemory()}, nil)
	var body map[string]string
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/api/v1/filings/A", &body))
	assert.Equal(t, "ledger unavailable", body["error"])
}

func TestLedgerStats(t *testing.T) {
	l := ledger.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, l.MarkArchived(ctx, id, filing.Object{Key: "k/" + id}))
	}
	require.NoError(t, l.MarkPublished(ctx, "A"))
	srv, _ := newServer(t, l, nil)

	var stats ledger.Stats
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/ledger/stats", &stats))
	assert.Equal(t, ledger.Stats{Archived: 2, Published: 1}, stats)
}

func TestLastCycle(t *testing.T) {
	report := ingestion.CycleReport{
		ID:       "c-1",
		Fetched:  4,
		Outcomes: map[ingestion.Outcome]int{ingestion.OutcomeCommitted: 3, ingestion.OutcomePoisonDiscarded: 1},
		Duration: 1500 * time.Millisecond,
	}
	srv, _ := newServer(t, nil, fakeCycles{last: report})

	var body cycleResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/cycles/last", &body))
	assert.True(t, body.Busy)
	assert.Equal(t, 3, body.Outcomes[ingestion.OutcomeCommitted])
	assert.Equal(t, "1.5s", body.Duration)
}

// TestWorkerRoutes checks that the inspection endpoints are absent when no
// ledger is wired, while health and metrics still answer.
func TestWorkerRoutes(t *testing.T) {
	srv, _ := newServer(t, nil, nil)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/v1/ledger/stats", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health/ready", nil))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestsAreCounted(t *testing.T) {
	srv, reg := newServer(t, ledger.NewMemory(), nil)
	getJSON(t, srv.URL+"/api/v1/filings/A", nil)
	getJSON(t, srv.URL+"/api/v1/filings/B", nil)

	counted := func() float64 {
		families, err := reg.Gather()
		require.NoError(t, err)
		var total float64
		for _, f := range families {
			if f.GetName() != "http_requests_total" {
				continue
			}
			for _, metric := range f.GetMetric() {
				for _, lp := range metric.GetLabel() {
					if lp.GetName() == "path" && strings.HasSuffix(lp.GetValue(), "{id}") {
						total += metric.GetCounter().GetValue()
					}
				}
			}
		}
		return total
	}
	assert.Eventually(t, func() bool { return counted() == 2 }, time.Second, 5*time.Millisecond)
}

func TestAPIKeyGuardsInspectionRoutes(t *testing.T) {
	const key = "ops-key-0123456789"
	srv, _ := newServerWith(t, ledger.NewMemory(), nil, config.ServerConfig{APIKey: key})

	get := func(path string, header http.Header) int {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/ledger/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/ledger/stats", http.Header{"X-Api-Key": {"wrong"}}))
	assert.Equal(t, http.StatusOK, get("/api/v1/ledger/stats", http.Header{"X-Api-Key": {key}}))
	assert.Equal(t, http.StatusOK, get("/api/v1/ledger/stats", http.Header{"Authorization": {"Bearer " + key}}))
	assert.Equal(t, http.StatusOK, get("/health/live", nil))
}
