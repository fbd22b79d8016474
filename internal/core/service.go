// Package core orchestrates the template lifecycle: creation, extension and
// update, deletion, accession bookkeeping and export, each running in a
// single store transaction guarded by the rules engine.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"metacore/internal/blob"
	"metacore/internal/infra/persistence/memory"
	"metacore/internal/registry"
	"metacore/pkg/domain"
)

// Service exposes the transactional template operations.
type Service struct {
	store     PersistentStore
	registry  *registry.Registry
	artifacts ArtifactRegistry
	blobs     blob.Store
	protected map[int64]struct{}

	clock   Clock
	logger  Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.clockSet {
		if s, ok := store.(interface{ SetNowFunc(func() time.Time) }); ok {
			s.SetNowFunc(o.clock.Now)
		}
	}
	protected := make(map[int64]struct{}, len(o.protected))
	for _, id := range o.protected {
		protected[id] = struct{}{}
	}
	return &Service{
		store:     store,
		registry:  o.registry,
		artifacts: o.artifacts,
		blobs:     o.blobs,
		protected: protected,
		clock:     o.clock,
		logger:    o.logger,
		audit:     o.audit,
		metrics:   o.metrics,
		tracer:    o.tracer,
	}
}

// NewInMemoryService creates a service and in-memory store with the given
// rules engine; a nil engine gets the default policy set.
func NewInMemoryService(engine *RulesEngine, opts ...ServiceOption) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine(DefaultMaxSamples)
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore { return s.store }

// Registry returns the category registry in use.
func (s *Service) Registry() *registry.Registry { return s.registry }

var auditActions = map[string]domain.Action{
	opCreateSample:    domain.ActionCreate,
	opCreatePrep:      domain.ActionCreate,
	opDelete:          domain.ActionDelete,
	opExtend:          domain.ActionExtend,
	opUpdate:          domain.ActionUpdate,
	opExtendAndUpdate: domain.ActionUpdate,
	opUpdateCategory:  domain.ActionUpdate,
	opDeleteColumn:    domain.ActionDropColumn,
	opDeleteSamples:   domain.ActionDeleteRows,
	opSetAccessions:   domain.ActionAccession,
}

const (
	opCreateSample    = "create_sample_template"
	opCreatePrep      = "create_prep_template"
	opDelete          = "delete_template"
	opExtend          = "extend_template"
	opUpdate          = "update_template"
	opExtendAndUpdate = "extend_and_update_template"
	opUpdateCategory  = "update_category"
	opDeleteColumn    = "delete_column"
	opDeleteSamples   = "delete_samples"
	opSetAccessions   = "set_accessions"
	opGenerateFiles   = "generate_files"
)

// observe runs fn as operation op on the template *ref, which fn may fill
// in. It traces, times, logs and audits the outcome, attributes warnings to
// the template and maps blocking rule violations to error classes.
func (s *Service) observe(ctx context.Context, op string, ref *domain.TemplateRef, fn func(context.Context) (Result, error)) (Result, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	res, err := fn(ctx)
	err = classifyRuleViolation(err)
	duration := time.Since(start)

	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	res = res.ForTemplate(*ref)
	if err != nil {
		s.logger.Error("template operation failed", "operation", op, "template", ref.String(), "error", err)
		s.recordAudit(ctx, op, *ref, AuditStatusError, err, 0, duration)
		return res, err
	}
	for _, v := range res.Violations {
		if v.Severity == domain.SeverityWarn {
			s.logger.Warn(v.Message, "operation", op, "template", v.Ref.String(), "rule", v.Rule)
		}
	}
	s.logger.Info("template operation completed", "operation", op, "template", ref.String(), "duration", duration)
	s.recordAudit(ctx, op, *ref, AuditStatusSuccess, nil, len(res.Warnings()), duration)
	return res, nil
}

func (s *Service) recordAudit(ctx context.Context, op string, ref domain.TemplateRef, status AuditStatus, err error, warnings int, duration time.Duration) {
	action, ok := auditActions[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Operation: op,
		Action:    action,
		Template:  ref,
		Status:    status,
		Warnings:  warnings,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

// classifyRuleViolation wraps blocking rule violations in the error class of
// the rule that raised them.
func classifyRuleViolation(err error) error {
	var violation domain.RuleViolationError
	if err == nil || !errors.As(err, &violation) {
		return err
	}
	if domain.ErrCapacity.Has(err) || domain.ErrNotPermitted.Has(err) {
		return err
	}
	for _, v := range violation.Result.Blocking() {
		if v.Rule == ruleTemplateCapacity {
			return domain.ErrCapacity.Wrap(err)
		}
	}
	return domain.ErrNotPermitted.Wrap(err)
}

func (s *Service) hasArtifacts(ctx context.Context, ref domain.TemplateRef) (bool, error) {
	if ref.Kind != domain.KindPrep {
		return false, nil
	}
	return domain.HasDownstreamArtifact(ctx, s.artifacts, ref)
}

// artifactCount returns how many artifacts were derived from a prep template.
func (s *Service) artifactCount(ctx context.Context, ref domain.TemplateRef) (int, error) {
	if s.artifacts == nil || ref.Kind != domain.KindPrep {
		return 0, nil
	}
	vis, err := s.artifacts.Visibilities(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("artifact visibilities of %s: %w", ref, err)
	}
	return len(vis), nil
}

// findInfo returns the bookkeeping of an existing template.
func (s *Service) findInfo(ctx context.Context, ref domain.TemplateRef) (domain.TemplateInfo, error) {
	var info domain.TemplateInfo
	err := s.store.View(ctx, func(v TransactionView) error {
		found, ok, err := v.FindTemplate(ref)
		if err != nil {
			return err
		}
		if !ok {
			return domain.UnknownTemplate(ref)
		}
		info = found
		return nil
	})
	return info, err
}
