// Package observability provides the engine's metrics and lightweight
// tracing.
//
// Metrics are Prometheus collectors registered at import via promauto and
// exposed on /metrics. Tracing is an in-memory ring buffer of spans covering
// the reconciliation path (trigger → settle → ledger write), inspectable via
// the status API without an external tracing backend.
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Trace Spans ────────────────────────────────────────────────────────────

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span represents one unit of work, typically a reconciliation or a session
// transition.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 10_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 10_000,
	}
}

// Tracer records spans into a bounded in-memory ring buffer.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a span for an operation. Caller must call EndSpan.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if !t.enabled {
		return &Span{Operation: operation}
	}
	return &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    generateID(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "avalove-trace-id"
	spanIDKey  contextKey = "avalove-span-id"
)

// WithTraceID returns a context with the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID returns a context with the given span ID.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return generateID()
}

func spanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

// generateID creates a short unique ID (not cryptographically secure — fine
// for tracing).
var spanCounter atomic.Int64

func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ─── Presence Metrics ───────────────────────────────────────────────────────

// OnlineUsers tracks the current number of distinct online users.
var OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "avalove",
	Subsystem: "presence",
	Name:      "online_users",
	Help:      "Current number of distinct online users.",
})

// PresenceEvents tracks processed presence events by kind.
var PresenceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "avalove",
	Subsystem: "presence",
	Name:      "events_total",
	Help:      "Total presence events processed by kind.",
}, []string{"kind"})

// KeepalivePublishes tracks keepalive republish attempts.
var KeepalivePublishes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "avalove",
	Subsystem: "presence",
	Name:      "keepalive_publishes_total",
	Help:      "Total keepalive republish attempts by outcome.",
}, []string{"outcome"})

// ─── Session Metrics ────────────────────────────────────────────────────────

// SessionStarts tracks session starts by kind.
var SessionStarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "avalove",
	Subsystem: "session",
	Name:      "starts_total",
	Help:      "Total session starts by kind.",
}, []string{"kind"})

// SessionDisplacements tracks sessions displaced by a start on another device.
var SessionDisplacements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "avalove",
	Subsystem: "session",
	Name:      "displacements_total",
	Help:      "Total sessions displaced by a newer start.",
}, []string{"kind"})

// SessionHeartbeats tracks heartbeat writes.
var SessionHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "avalove",
	Subsystem: "session",
	Name:      "heartbeats_total",
	Help:      "Total session heartbeats received.",
})

// ─── Reconcile Metrics ──────────────────────────────────────────────────────

// ReconcileRuns tracks reconciliation runs by trigger.
var ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "avalove",
	Subsystem: "reconcile",
	Name:      "runs_total",
	Help:      "Total decay reconciliation runs by trigger.",
}, []string{"trigger"})

// ReconcileDebits tracks total decay debited, by resource kind.
var ReconcileDebits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "avalove",
	Subsystem: "reconcile",
	Name:      "debited_total",
	Help:      "Total units debited by decay reconciliation, by resource kind.",
}, []string{"kind"})

// ReconcileDuration tracks settle latency.
var ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "avalove",
	Subsystem: "reconcile",
	Name:      "duration_ms",
	Help:      "Decay reconciliation duration in milliseconds.",
	Buckets:   []float64{1, 5, 10, 25, 50, 100, 200, 500},
})

// ─── Broadcast Metrics ──────────────────────────────────────────────────────

// BroadcastDropped tracks payloads dropped on full subscriber buffers.
var BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "avalove",
	Subsystem: "broadcast",
	Name:      "dropped_total",
	Help:      "Total broadcast payloads dropped due to slow subscribers.",
})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "avalove",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "avalove",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
