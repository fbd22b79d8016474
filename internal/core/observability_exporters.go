package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes one expvar map per recorder. Keys are
// "<operation>.success", "<operation>.errors" and "<operation>.duration_ms".
type ExpvarMetricsRecorder struct {
	name string
	vars *expvar.Map
}

// OperationStats aggregates the outcomes of one operation.
type OperationStats struct {
	Success    int64   `json:"success"`
	Errors     int64   `json:"errors"`
	DurationMS float64 `json:"duration_ms"`
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated unique name when empty. Publishing a name twice panics.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("metacore_operations_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	vars := new(expvar.Map).Init()
	expvar.Publish(name, vars)
	return &ExpvarMetricsRecorder{name: name, vars: vars}
}

func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	outcome := "errors"
	if success {
		outcome = "success"
	}
	r.vars.Add(operation+"."+outcome, 1)
	r.vars.AddFloat(operation+".duration_ms", float64(duration)/float64(time.Millisecond))
}

// Operations reads the published map back per operation.
func (r *ExpvarMetricsRecorder) Operations() map[string]OperationStats {
	out := make(map[string]OperationStats)
	r.vars.Do(func(kv expvar.KeyValue) {
		i := strings.LastIndex(kv.Key, ".")
		if i < 0 {
			return
		}
		op, stats := kv.Key[:i], out[kv.Key[:i]]
		switch v := kv.Value.(type) {
		case *expvar.Int:
			if kv.Key[i+1:] == "success" {
				stats.Success = v.Value()
			} else {
				stats.Errors = v.Value()
			}
		case *expvar.Float:
			stats.DurationMS = v.Value()
		}
		out[op] = stats
	})
	return out
}

// WriteTo writes the published map as one JSON document.
func (r *ExpvarMetricsRecorder) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, r.vars.String()+"\n")
	return int64(n), err
}

// TraceEntry is one finished span.
type TraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	Start      time.Time `json:"start"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// JSONTraceTracer writes every finished span as a JSON line and keeps the
// entries for inspection.
type JSONTraceTracer struct {
	mu      sync.Mutex
	enc     *json.Encoder
	entries []TraceEntry
	now     func() time.Time
}

// NewJSONTracer returns a tracer writing to w; a nil w only retains entries.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{now: func() time.Time { return time.Now().UTC() }}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of the finished spans in completion order.
func (t *JSONTraceTracer) Entries() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEntry(nil), t.entries...)
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonSpan{tracer: t, entry: TraceEntry{Operation: operation, Start: t.now()}}
}

type jsonSpan struct {
	tracer *JSONTraceTracer
	entry  TraceEntry
}

func (s *jsonSpan) End(err error) {
	e := s.entry
	e.DurationMS = float64(s.tracer.now().Sub(e.Start)) / float64(time.Millisecond)
	e.Status = "success"
	if err != nil {
		e.Status, e.Error = "error", err.Error()
	}

	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.entries = append(s.tracer.entries, e)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(e)
	}
}

// PrometheusMetricsRecorder exports operation counters and latency
// histograms labelled by operation and status.
type PrometheusMetricsRecorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder registers the collectors with reg, or with the
// default registerer when reg is nil.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	rec := &PrometheusMetricsRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metacore",
			Subsystem: "service",
			Name:      "operations_total",
			Help:      "Template service operations by outcome.",
		}, []string{"operation", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "metacore",
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Latency of template service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}
	for _, c := range []prometheus.Collector{rec.operations, rec.latency} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return rec, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.operations.WithLabelValues(operation, status).Inc()
	r.latency.WithLabelValues(operation, status).Observe(duration.Seconds())
}
