package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("ledger", Ping(func(context.Context) error { return nil }))
	c.Register("store", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded}
	})

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Len(t, report.Components, 2)

	c.Register("broker", Ping(func(context.Context) error { return errors.New("dial tcp: refused") }))
	report = c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, "dial tcp: refused", report.Components["broker"].Message)
}

func TestHeartbeatAges(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := NewHeartbeat(time.Minute)
	h.now = func() time.Time { return now }
	h.started = now

	assert.Equal(t, StatusUp, h.Check(context.Background()).Status)

	now = now.Add(90 * time.Second)
	assert.Equal(t, StatusDegraded, h.Check(context.Background()).Status)

	now = now.Add(time.Minute)
	assert.Equal(t, StatusDown, h.Check(context.Background()).Status)

	h.Beat()
	assert.Equal(t, StatusUp, h.Check(context.Background()).Status)
	assert.Equal(t, now, h.Last())
}

func TestReadyHandlerReturns503WhenDegraded(t *testing.T) {
	c := NewChecker()
	c.Register("polling", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusDegraded, Message: "slow"}
	})

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)
}

// TestLiveHandlerOnlyConsultsLivenessChecks checks that a dependency outage
// fails readiness but not liveness, while a stalled heartbeat fails both.
func TestLiveHandlerOnlyConsultsLivenessChecks(t *testing.T) {
	c := NewChecker()
	c.Register("broker", Ping(func(context.Context) error { return errors.New("no brokers") }))
	polling := ComponentHealth{Status: StatusUp}
	c.RegisterLive("polling", func(context.Context) ComponentHealth { return polling })

	get := func(h http.HandlerFunc) int {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get(c.LiveHandler()))
	assert.Equal(t, http.StatusServiceUnavailable, get(c.ReadyHandler()))

	polling = ComponentHealth{Status: StatusDown}
	assert.Equal(t, http.StatusServiceUnavailable, get(c.LiveHandler()))
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker()
	c.timeout = 10 * time.Millisecond
	c.Register("ledger", Ping(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	report := c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Contains(t, report.Components["ledger"].Message, "deadline exceeded")
}
