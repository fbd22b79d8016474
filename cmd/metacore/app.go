package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"metacore/internal/blob"
	"metacore/internal/config"
	"metacore/internal/core"
	"metacore/internal/tabular"
	"metacore/pkg/domain"
)

// app carries the configuration and lazily opened backends of one command
// invocation.
type app struct {
	configPath string
	verbose    bool
	stderr     io.Writer

	cfg       *config.Config
	logger    *zap.Logger
	store     core.PersistentStore
	artifacts core.ArtifactStore
	svc       *core.Service

	flushMetrics func() error
	traceFile    *os.File
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	if a.verbose {
		level.SetLevel(zapcore.DebugLevel)
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	a.logger = zap.New(zapcore.NewCore(enc, zapcore.AddSync(a.stderr), level))
	return nil
}

// service opens the configured store, artifact registry and archive.
func (a *app) service(ctx context.Context) (*core.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	reg, err := a.cfg.LoadRegistry()
	if err != nil {
		return nil, err
	}
	engine := core.NewDefaultRulesEngine(a.cfg.Templates.MaxSamples)
	store, err := core.OpenPersistentStore(a.cfg.StorageConfig(), engine)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	artifacts, err := a.artifactStore()
	if err != nil {
		return nil, err
	}

	opts := []core.ServiceOption{
		core.WithRegistry(reg),
		core.WithArtifactRegistry(artifacts),
		core.WithLogger(core.NewZapLogger(a.logger)),
		core.WithProtectedSampleTemplates(a.cfg.Templates.ProtectedSampleTemplates...),
	}
	obs, err := a.observability()
	if err != nil {
		return nil, err
	}
	opts = append(opts, obs...)
	if bc, ok := a.cfg.BlobConfig(); ok {
		blobs, err := blob.Open(ctx, bc)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		opts = append(opts, core.WithBlobStore(blobs))
	}
	a.svc = core.NewService(store, opts...)
	return a.svc, nil
}

// observability builds the configured metrics recorder and tracer. Metrics
// are written to their file by close.
func (a *app) observability() ([]core.ServiceOption, error) {
	oc := a.cfg.Observability
	var opts []core.ServiceOption
	switch oc.Metrics {
	case config.MetricsExpvar:
		rec := core.NewExpvarMetricsRecorder("")
		opts = append(opts, core.WithMetricsRecorder(rec))
		a.flushMetrics = func() error {
			f, err := os.Create(oc.MetricsPath)
			if err != nil {
				return err
			}
			if _, err := rec.WriteTo(f); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		}
	case config.MetricsPrometheus:
		reg := prometheus.NewRegistry()
		rec, err := core.NewPrometheusMetricsRecorder(reg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, core.WithMetricsRecorder(rec))
		a.flushMetrics = func() error { return prometheus.WriteToTextfile(oc.MetricsPath, reg) }
	}
	if oc.TracePath != "" {
		f, err := os.OpenFile(oc.TracePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		a.traceFile = f
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
	}
	return opts, nil
}

func (a *app) artifactStore() (core.ArtifactStore, error) {
	if a.artifacts != nil {
		return a.artifacts, nil
	}
	artifacts, err := core.OpenArtifactStore(a.cfg.ArtifactConfig())
	if err != nil {
		return nil, fmt.Errorf("open artifact registry: %w", err)
	}
	a.artifacts = artifacts
	return artifacts, nil
}

func (a *app) close() error {
	var errs []error
	if a.flushMetrics != nil {
		if err := a.flushMetrics(); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if a.traceFile != nil {
		errs = append(errs, a.traceFile.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.artifacts != nil {
		errs = append(errs, a.artifacts.Close())
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}

// parseRef reads "sample:<study>" or "prep:<id>".
func parseRef(s string) (domain.TemplateRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return domain.TemplateRef{}, fmt.Errorf("template %q: expected sample:<study id> or prep:<prep id>", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return domain.TemplateRef{}, fmt.Errorf("template %q: %w", s, err)
	}
	ref := domain.TemplateRef{Kind: domain.TemplateKind(strings.ToLower(kind)), ID: n}
	if !ref.Valid() {
		return domain.TemplateRef{}, fmt.Errorf("template %q: unknown kind or non-positive id", s)
	}
	return ref, nil
}

func parseStudy(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("study id %q must be a positive integer", s)
	}
	return n, nil
}

func readTemplateFile(path string) (domain.Table, domain.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Table{}, domain.Result{}, err
	}
	defer f.Close()
	return tabular.Parse(f)
}
