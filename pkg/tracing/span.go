// Package tracing times a unit of work and its stages without an external
// collector. The ingestion loop opens one span per filing and a child span
// per stage; the worker opens one per handled task. A finished span is
// logged as a single debug line that lists its stages.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type spanKey struct{}

type Span struct {
	name    string
	traceID string
	start   time.Time
	parent  *Span

	mu       sync.Mutex
	ended    bool
	duration time.Duration
	err      error
	attrs    []slog.Attr
	children []*Span
}

// StartSpan opens a root span and stores it in the returned context.
func StartSpan(ctx context.Context, name, traceID string) (context.Context, *Span) {
	s := &Span{name: name, traceID: traceID, start: time.Now()}
	return context.WithValue(ctx, spanKey{}, s), s
}

// StartChildSpan opens a span under the one in ctx, or a detached root when
// ctx carries none.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	s := &Span{name: name, start: time.Now(), parent: FromContext(ctx)}
	if p := s.parent; p != nil {
		s.traceID = p.traceID
		p.mu.Lock()
		p.children = append(p.children, s)
		p.mu.Unlock()
	}
	return context.WithValue(ctx, spanKey{}, s), s
}

func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

func (s *Span) Name() string    { return s.name }
func (s *Span) TraceID() string { return s.traceID }

// End closes the span and returns its duration. Ending twice keeps the
// first duration.
func (s *Span) End() time.Duration {
	return s.EndWithError(nil)
}

// EndWithError closes the span, recording err if it is the first error
// seen.
func (s *Span) EndWithError(err error) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		s.duration = time.Since(s.start)
	}
	if s.err == nil {
		s.err = err
	}
	return s.duration
}

func (s *Span) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, slog.Any(key, value))
	s.mu.Unlock()
}

// Log writes the span as one debug line. Stages appear in start order as
// name=duration, with a trailing ! on the ones that failed.
func (s *Span) Log(logger *slog.Logger) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	s.mu.Lock()
	args := []any{
		slog.String("trace_id", s.traceID),
		slog.String("span", s.name),
		slog.Int64("duration_ms", s.duration.Milliseconds()),
	}
	if s.err != nil {
		args = append(args, slog.String("error", s.err.Error()))
	}
	for _, a := range s.attrs {
		args = append(args, a)
	}
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	if len(children) > 0 {
		args = append(args, slog.String("stages", stages(children)))
	}
	logger.Debug("span finished", args...)
}

func stages(spans []*Span) string {
	parts := make([]string, 0, len(spans))
	for _, c := range spans {
		c.mu.Lock()
		part := fmt.Sprintf("%s=%s", c.name, c.duration.Round(time.Microsecond))
		if c.err != nil {
			part += "!"
		}
		c.mu.Unlock()
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}
