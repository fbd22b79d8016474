package core_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"metacore/internal/core"
	"metacore/internal/identity"
	artifacts "metacore/internal/infra/artifacts/memory"
	"metacore/internal/tabular"
	"metacore/pkg/domain"
)

func TestCreateSampleTemplate(t *testing.T) {
	svc := newService(t)
	tmpl, res, err := svc.CreateSampleTemplate(context.Background(), 2, soilSamples())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if diff := cmp.Diff([]string{"2.S1", "2.S2", "2.S3"}, tmpl.Table.RowKeys()); diff != "" {
		t.Fatalf("row keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"description", "ph", "sample_type"}, columnNames(tmpl.Columns)); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
	if typ, _ := tmpl.ColumnType("ph"); typ != domain.TypeFloat {
		t.Fatalf("expected ph typed float, got %s", typ)
	}
	if tmpl.Status != domain.StatusSandbox {
		t.Fatalf("expected sandbox status, got %s", tmpl.Status)
	}
	if got := tmpl.Table.Get("2.S3", "ph"); !got.IsNull() {
		t.Fatalf("expected null ph for S3, got %v", got)
	}
	if !hasWarning(res, "Some functionality will be disabled due to missing columns") {
		t.Fatalf("expected missing columns warning, got %v", res.Warnings())
	}
	for _, v := range res.Violations {
		if v.Ref != domain.SampleTemplate(2) {
			t.Fatalf("warning not attributed to the template: %+v", v)
		}
	}
	if ok, _ := svc.Exists(context.Background(), domain.SampleTemplate(2)); !ok {
		t.Fatalf("expected template to exist")
	}
}

func TestCreateSampleTemplateRejections(t *testing.T) {
	ctx := context.Background()
	reserved := domain.NewTable("select", "valid_col")
	reserved.AddRow("S1", row("select", "a", "valid_col", "b"))
	dupRows := domain.NewTable("col")
	dupRows.AddRow("X1", row("col", "a"))
	dupRows.AddRow("X1", row("col", "b"))
	dupHeaders := domain.NewTable("Str_Column", "str_column")
	dupHeaders.AddRow("S1", row("Str_Column", "a", "str_column", "b"))
	badKey := domain.NewTable("col")
	badKey.AddRow("S 1", row("col", "a"))

	cases := []struct {
		name  string
		table domain.Table
		class interface{ Has(error) bool }
	}{
		{"reserved", reserved, &domain.ErrValidation},
		{"duplicate rows", dupRows, &domain.ErrDuplicate},
		{"duplicate headers", dupHeaders, &domain.ErrDuplicate},
		{"invalid key", badKey, &domain.ErrValidation},
		{"empty", domain.NewTable("col"), &domain.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newService(t)
			_, _, err := svc.CreateSampleTemplate(ctx, 2, tc.table)
			if !tc.class.Has(err) {
				t.Fatalf("unexpected error class: %v", err)
			}
			if ok, _ := svc.Exists(ctx, domain.SampleTemplate(2)); ok {
				t.Fatalf("rejected payload must not create a template")
			}
		})
	}

	svc := newService(t)
	_, _, err := svc.CreateSampleTemplate(ctx, 2, reserved)
	var colErr *domain.ColumnError
	if !errors.As(err, &colErr) {
		t.Fatalf("expected column error, got %v", err)
	}
	if diff := cmp.Diff([]string{"select"}, colErr.Names); diff != "" {
		t.Fatalf("reserved names mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateSampleTemplateDuplicate(t *testing.T) {
	svc := newService(t)
	mustCreateSamples(t, svc, 2)
	if _, _, err := svc.CreateSampleTemplate(context.Background(), 2, soilSamples()); !domain.ErrDuplicate.Has(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, _, err := svc.CreateSampleTemplate(context.Background(), 0, soilSamples()); !domain.ErrValidation.Has(err) {
		t.Fatalf("expected validation error for study 0, got %v", err)
	}
}

func TestRoundTripThroughFile(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	original := mustCreateSamples(t, svc, 2)

	var buf bytes.Buffer
	if err := svc.ToFile(ctx, original.Info.Ref, &buf); err != nil {
		t.Fatalf("to file: %v", err)
	}
	parsed, _, err := tabular.Parse(&buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	copied, _, err := svc.CreateSampleTemplate(ctx, 3, parsed)
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if copied.Table.Len() != original.Table.Len() {
		t.Fatalf("row count changed: %d vs %d", copied.Table.Len(), original.Table.Len())
	}
	for _, r := range copied.Table.Rows {
		oldKey := identity.LocalKey(r.Key, 3)
		for _, c := range original.Table.Columns {
			if want, got := original.Table.Get(oldKey, c), r.Get(c); !want.Equal(got) {
				t.Fatalf("cell %s/%s changed: %v -> %v", oldKey, c, want, got)
			}
		}
	}
}

func TestGetUnknownTemplate(t *testing.T) {
	svc := newService(t)
	_, err := svc.Get(context.Background(), domain.PrepTemplate(9))
	if !domain.ErrUnknownID.Has(err) {
		t.Fatalf("expected unknown id error, got %v", err)
	}
}

func TestCreatePrepTemplate(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	if _, _, err := svc.CreatePrepTemplate(ctx, 2, ampliconPrep(), "16S", ""); !domain.ErrUnknownID.Has(err) {
		t.Fatalf("expected missing sample template error, got %v", err)
	}
	mustCreateSamples(t, svc, 2)
	if _, _, err := svc.CreatePrepTemplate(ctx, 2, ampliconPrep(), "Plankton", ""); !domain.ErrValidation.Has(err) {
		t.Fatalf("expected data type error, got %v", err)
	}
	_, _, err := svc.CreatePrepTemplate(ctx, 2, ampliconPrep(), "16S", "Pond Study")
	if !domain.ErrValidation.Has(err) || !strings.Contains(err.Error(), "'Pond Study' is Not a valid investigation_type") {
		t.Fatalf("expected investigation type error, got %v", err)
	}

	stray := ampliconPrep()
	stray.AddRow("S9", row("barcode", "AAAACCCC", "primer", "GTGC", "run_prefix", "run1", "notes", "x"))
	_, _, err = svc.CreatePrepTemplate(ctx, 2, stray, "16S", "")
	if !domain.ErrNotPermitted.Has(err) || !strings.Contains(err.Error(), "Samples found in prep template but not sample template: 2.S9") {
		t.Fatalf("expected subset violation, got %v", err)
	}
	if _, ok := asRuleViolation(err); !ok {
		t.Fatalf("expected rule violation detail, got %T", err)
	}

	prep, _, err := svc.CreatePrepTemplate(ctx, 2, ampliconPrep(), "16S", "Metagenomics")
	if err != nil {
		t.Fatalf("create prep: %v", err)
	}
	if prep.Info.Ref != domain.PrepTemplate(1) {
		t.Fatalf("refused creations must not consume prep ids, got %s", prep.Info.Ref)
	}
	if diff := cmp.Diff([]string{"ebi_prep", "demultiplex", "demultiplex_multiple"}, prep.Info.Restrictions); diff != "" {
		t.Fatalf("restrictions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"2.S1", "2.S2"}, prep.Table.RowKeys()); diff != "" {
		t.Fatalf("prep keys mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusMirrorsArtifacts(t *testing.T) {
	ctx := context.Background()
	reg := artifacts.New()
	svc := newService(t, core.WithArtifactRegistry(reg))
	mustCreateSamples(t, svc, 2)
	prep := mustCreatePrep(t, svc, 2)
	ref := prep.Info.Ref

	if err := reg.Attach(ctx, ref, "a1", domain.StatusPrivate); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := mustGet(t, svc, ref).Status; got != domain.StatusPrivate {
		t.Fatalf("expected private prep, got %s", got)
	}
	if err := reg.Attach(ctx, ref, "a2", domain.StatusPublic); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := mustGet(t, svc, domain.SampleTemplate(2)).Status; got != domain.StatusPublic {
		t.Fatalf("expected sample template to follow its preps, got %s", got)
	}
}

func TestDeleteGuards(t *testing.T) {
	ctx := context.Background()
	reg := artifacts.New()
	svc := newService(t, core.WithArtifactRegistry(reg))
	mustCreateSamples(t, svc, 2)
	prep := mustCreatePrep(t, svc, 2)

	if _, err := svc.Delete(ctx, domain.SampleTemplate(2)); !domain.ErrNotPermitted.Has(err) {
		t.Fatalf("expected sample template delete to be refused, got %v", err)
	}
	if err := reg.Attach(ctx, prep.Info.Ref, "a1", domain.StatusSandbox); err != nil {
		t.Fatalf("attach: %v", err)
	}
	_, err := svc.Delete(ctx, prep.Info.Ref)
	if !domain.ErrNotPermitted.Has(err) || !strings.Contains(err.Error(), "Cannot remove prep template 1") {
		t.Fatalf("expected processed prep delete to be refused, got %v", err)
	}
	if err := reg.Detach(ctx, prep.Info.Ref, "a1"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, err := svc.Delete(ctx, prep.Info.Ref); err != nil {
		t.Fatalf("delete prep: %v", err)
	}
	if _, err := svc.Delete(ctx, domain.SampleTemplate(2)); err != nil {
		t.Fatalf("delete sample template: %v", err)
	}
	if ok, _ := svc.Exists(ctx, domain.SampleTemplate(2)); ok {
		t.Fatalf("expected sample template to be gone")
	}
	if _, err := svc.Delete(ctx, domain.SampleTemplate(2)); !domain.ErrUnknownID.Has(err) {
		t.Fatalf("expected unknown id on second delete, got %v", err)
	}
}
