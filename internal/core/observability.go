package core

import (
	"context"
	"time"

	"metacore/internal/blob"
	"metacore/internal/registry"
	"metacore/pkg/domain"
)

// Logger receives structured service events as key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// AuditStatus is the outcome of an audited operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one mutating service operation.
type AuditEntry struct {
	ID        string             `json:"id"`
	Operation string             `json:"operation"`
	Action    domain.Action      `json:"action"`
	Template  domain.TemplateRef `json:"template"`
	Status    AuditStatus        `json:"status"`
	Error     string             `json:"error,omitempty"`
	Warnings  int                `json:"warnings"`
	Duration  time.Duration      `json:"duration"`
	Timestamp time.Time          `json:"timestamp"`
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

// MetricsRecorder observes operation outcomes and latencies.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// Tracer starts a span per service operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// ServiceOption customizes a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	clock     Clock
	clockSet  bool
	logger    Logger
	audit     AuditRecorder
	metrics   MetricsRecorder
	tracer    Tracer
	registry  *registry.Registry
	artifacts ArtifactRegistry
	blobs     blob.Store
	protected []int64
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:    systemClock{},
		logger:   noopLogger{},
		audit:    noopAuditRecorder{},
		metrics:  noopMetricsRecorder{},
		tracer:   noopTracer{},
		registry: registry.Default(),
	}
}

// WithClock overrides the time source of the service and, when the store
// supports it, of its transactions.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
			o.clockSet = true
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditRecorder installs an audit sink.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithRegistry replaces the built-in category registry.
func WithRegistry(reg *registry.Registry) ServiceOption {
	return func(o *serviceOptions) {
		if reg != nil {
			o.registry = reg
		}
	}
}

// WithArtifactRegistry connects the downstream artifact registry. Without
// one, templates never have artifacts.
func WithArtifactRegistry(artifacts ArtifactRegistry) ServiceOption {
	return func(o *serviceOptions) { o.artifacts = artifacts }
}

// WithBlobStore enables archiving of exported template files.
func WithBlobStore(store blob.Store) ServiceOption {
	return func(o *serviceOptions) { o.blobs = store }
}

// WithProtectedSampleTemplates lists studies whose sample template
// accessions are reserved for system use.
func WithProtectedSampleTemplates(studyIDs ...int64) ServiceOption {
	return func(o *serviceOptions) { o.protected = append(o.protected, studyIDs...) }
}
