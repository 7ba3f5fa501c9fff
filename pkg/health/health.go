// Package health aggregates dependency probes for the ops server. The ledger,
// object store and broker register readiness checks; the polling heartbeat
// registers a liveness check so a wedged loop gets the process restarted
// while a dependency outage only takes it out of rotation.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) rank() int {
	switch s {
	case StatusUp:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check probes one dependency. It should return promptly once ctx is done.
type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

type registration struct {
	check Check
	live  bool
}

// Checker runs registered checks concurrently, each bounded by its own
// timeout.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]registration
	timeout time.Duration
	logger  *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		checks:  make(map[string]registration),
		timeout: 3 * time.Second,
		logger:  slog.Default().With("component", "health"),
	}
}

// Register adds a readiness check. Registering a name twice replaces it.
func (c *Checker) Register(name string, check Check) {
	c.register(name, registration{check: check})
}

// RegisterLive adds a check that also decides liveness.
func (c *Checker) RegisterLive(name string, check Check) {
	c.register(name, registration{check: check, live: true})
}

func (c *Checker) register(name string, r registration) {
	c.mu.Lock()
	c.checks[name] = r
	c.mu.Unlock()
}

// Run executes every check. The overall status is the worst component
// status.
func (c *Checker) Run(ctx context.Context) Report {
	return c.run(ctx, false)
}

func (c *Checker) run(ctx context.Context, liveOnly bool) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name, r := range c.checks {
		if !liveOnly || r.live {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = c.checks[name].check
	}
	c.mu.RUnlock()

	results := make([]ComponentHealth, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.probe(ctx, check)
		}()
	}
	wg.Wait()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(names)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for i, name := range names {
		report.Components[name] = results[i]
		if results[i].Status.rank() > report.Status.rank() {
			report.Status = results[i].Status
		}
	}
	return report
}

func (c *Checker) probe(ctx context.Context, check Check) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	result := check(ctx)
	if result.Status == "" {
		result.Status = StatusDown
	}
	result.Latency = time.Since(start).Round(time.Millisecond).String()
	return result
}

// Ping adapts a plain connectivity probe into a Check.
func Ping(probe func(ctx context.Context) error) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := probe(ctx); err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// Heartbeat tracks a periodic process. It is degraded once its last beat is
// older than maxAge and down past twice maxAge. Before the first beat the
// age counts from construction.
type Heartbeat struct {
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	started time.Time
	last    time.Time
}

func NewHeartbeat(maxAge time.Duration) *Heartbeat {
	return &Heartbeat{started: time.Now(), maxAge: maxAge, now: time.Now}
}

// Beat records a successful iteration.
func (h *Heartbeat) Beat() {
	h.mu.Lock()
	h.last = h.now()
	h.mu.Unlock()
}

// Last returns the time of the most recent beat, zero if none.
func (h *Heartbeat) Last() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *Heartbeat) Check(context.Context) ComponentHealth {
	h.mu.Lock()
	ref, never := h.last, h.last.IsZero()
	if never {
		ref = h.started
	}
	age := h.now().Sub(ref).Round(time.Second)
	h.mu.Unlock()

	if age <= h.maxAge {
		return ComponentHealth{Status: StatusUp}
	}
	msg := fmt.Sprintf("last successful cycle %s ago", age)
	if never {
		msg = fmt.Sprintf("no successful cycle since start %s ago", age)
	}
	if age > 2*h.maxAge {
		return ComponentHealth{Status: StatusDown, Message: msg}
	}
	return ComponentHealth{Status: StatusDegraded, Message: msg}
}

// Handler serves the full report: 200 unless some component is down.
func (c *Checker) Handler() http.HandlerFunc {
	return c.serve(false, func(s Status) bool { return s != StatusDown })
}

// LiveHandler answers 503 only when a liveness check is down.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return c.serve(true, func(s Status) bool { return s != StatusDown })
}

// ReadyHandler answers 200 only when every component is up.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return c.serve(false, func(s Status) bool { return s == StatusUp })
}

func (c *Checker) serve(liveOnly bool, ok func(Status) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.run(r.Context(), liveOnly)
		status := http.StatusOK
		if !ok(report.Status) {
			status = http.StatusServiceUnavailable
			c.logger.Warn("health probe failing", "path", r.URL.Path, "status", report.Status)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			c.logger.Warn("failed to write health report", "error", err)
		}
	}
}
