package core_test

import (
	"bytes"
	"context"
	"encoding/json"
	"expvar"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"metacore/internal/core"
	"metacore/pkg/domain"
)

type captureAuditRecorder struct {
	mu      sync.Mutex
	entries []core.AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry core.AuditEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) find(op string, status core.AuditStatus) (core.AuditEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			return entry, true
		}
	}
	return core.AuditEntry{}, false
}

type spanRecord struct {
	op  string
	err error
}

type captureTracer struct {
	mu    sync.Mutex
	ended []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, core.TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

func TestServiceAuditTrail(t *testing.T) {
	ctx := context.Background()
	audit := &captureAuditRecorder{}
	tracer := &captureTracer{}
	svc := newService(t, core.WithAuditRecorder(audit), core.WithTracer(tracer))

	mustCreateSamples(t, svc, 2)
	entry, ok := audit.find("create_sample_template", core.AuditStatusSuccess)
	if !ok {
		t.Fatalf("expected audit entry for sample template creation")
	}
	if entry.ID == "" || entry.Action != domain.ActionCreate || entry.Template != domain.SampleTemplate(2) {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if !entry.Timestamp.Equal(fixedNow) || entry.Warnings == 0 {
		t.Fatalf("expected clock timestamp and warning count, got %+v", entry)
	}

	if _, err := svc.DeleteSamples(ctx, domain.SampleTemplate(2), []string{"2.S9"}); err == nil {
		t.Fatalf("expected unknown sample error")
	}
	failed, ok := audit.find("delete_samples", core.AuditStatusError)
	if !ok || !strings.Contains(failed.Error, "2.S9") || failed.Action != domain.ActionDeleteRows {
		t.Fatalf("expected failed delete to be audited, got %+v", failed)
	}

	tracer.mu.Lock()
	defer tracer.mu.Unlock()
	if len(tracer.ended) != 2 || tracer.ended[0].err != nil || tracer.ended[1].err == nil {
		t.Fatalf("unexpected spans %+v", tracer.ended)
	}
}

func TestServiceLogsWarningsAndFailures(t *testing.T) {
	zcore, logs := observer.New(zapcore.DebugLevel)
	svc := newService(t, core.WithLogger(core.NewZapLogger(zap.New(zcore))))

	mustCreateSamples(t, svc, 2)
	warned := logs.FilterLevelExact(zapcore.WarnLevel).FilterField(zap.String("rule", "restriction_missing_columns")).All()
	if len(warned) == 0 {
		t.Fatalf("expected missing column warning to be logged, got %v", logs.All())
	}
	if got := warned[0].ContextMap()["template"]; got != "sample template 2" {
		t.Fatalf("unexpected template field %v", got)
	}
	if logs.FilterMessage("template operation completed").Len() != 1 {
		t.Fatalf("expected one completion entry")
	}

	if _, _, err := svc.CreateSampleTemplate(context.Background(), 2, soilSamples()); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if logs.FilterLevelExact(zapcore.ErrorLevel).FilterField(zap.String("operation", "create_sample_template")).Len() != 1 {
		t.Fatalf("expected failure to be logged")
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if _, err := core.NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	svc := newService(t, core.WithMetricsRecorder(rec))
	mustCreateSamples(t, svc, 2)
	_, _, _ = svc.CreateSampleTemplate(context.Background(), 2, soilSamples())

	expected := `
# HELP metacore_service_operations_total Template service operations by outcome.
# TYPE metacore_service_operations_total counter
metacore_service_operations_total{operation="create_sample_template",status="error"} 1
metacore_service_operations_total{operation="create_sample_template",status="success"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "metacore_service_operations_total"); err != nil {
		t.Fatalf("metrics mismatch: %v", err)
	}
}

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := core.NewExpvarMetricsRecorder("")
	svc := newService(t, core.WithMetricsRecorder(rec))
	mustCreateSamples(t, svc, 2)
	mustCreatePrep(t, svc, 2)
	_, _, _ = svc.CreateSampleTemplate(context.Background(), 2, soilSamples())

	ops := rec.Operations()
	if got := ops["create_sample_template"]; got.Success != 1 || got.Errors != 1 || got.DurationMS < 0 {
		t.Fatalf("unexpected sample stats %+v", got)
	}
	if ops["create_prep_template"].Success != 1 {
		t.Fatalf("unexpected prep stats %+v", ops["create_prep_template"])
	}

	published := expvar.Get(rec.Name())
	if published == nil {
		t.Fatalf("expected %s to be published", rec.Name())
	}
	var buf bytes.Buffer
	if _, err := rec.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	var decoded map[string]float64
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode published metrics: %v", err)
	}
	if decoded["create_prep_template.success"] != 1 || buf.String() != published.String()+"\n" {
		t.Fatalf("unexpected published metrics %s", buf.String())
	}
}

func TestJSONTracer(t *testing.T) {
	var buf bytes.Buffer
	tracer := core.NewJSONTracer(&buf)
	svc := newService(t, core.WithTracer(tracer))
	mustCreateSamples(t, svc, 2)
	if _, err := svc.Delete(context.Background(), domain.PrepTemplate(7)); err == nil {
		t.Fatalf("expected unknown prep error")
	}

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected two spans, got %+v", entries)
	}
	if entries[0].Operation != "create_sample_template" || entries[0].Status != "success" || entries[0].Error != "" {
		t.Fatalf("unexpected first span %+v", entries[0])
	}
	if entries[1].Operation != "delete_template" || entries[1].Status != "error" || entries[1].Error == "" {
		t.Fatalf("unexpected second span %+v", entries[1])
	}
	if entries[1].Start.Before(entries[0].Start) || entries[1].DurationMS < 0 {
		t.Fatalf("span timing out of order %+v", entries)
	}
	var decoded core.TraceEntry
	line, _, _ := strings.Cut(buf.String(), "\n")
	if err := json.Unmarshal([]byte(line), &decoded); err != nil || decoded.Operation != "create_sample_template" {
		t.Fatalf("unexpected encoded span %q: %v", line, err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Fatalf("expected two encoded spans, got %d", lines)
	}
}

func TestCapacityViolationIsClassified(t *testing.T) {
	audit := &captureAuditRecorder{}
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine(2), core.WithClock(fixedClock()), core.WithAuditRecorder(audit))
	_, _, err := svc.CreateSampleTemplate(context.Background(), 2, soilSamples())
	if !domain.ErrCapacity.Has(err) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	entry, ok := audit.find("create_sample_template", core.AuditStatusError)
	if !ok || entry.Duration < 0 || !entry.Timestamp.Equal(fixedNow) {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
}
