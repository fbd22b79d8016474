package core_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"metacore/internal/core"
	"metacore/pkg/domain"
)

func TestAccessionsAreTemplateScoped(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	sample := mustCreateSamples(t, svc, 2)
	prep := mustCreatePrep(t, svc, 2)

	res, err := svc.SetAccessions(ctx, sample.Info.Ref, domain.AccessionEBISample, map[string]string{"2.S1": "ERS001"})
	if err != nil {
		t.Fatalf("set accessions: %v", err)
	}
	if len(res.Warnings()) != 0 {
		t.Fatalf("unexpected warnings %v", res.Warnings())
	}

	got, err := svc.Accessions(ctx, sample.Info.Ref, domain.AccessionEBISample)
	if err != nil {
		t.Fatalf("accessions: %v", err)
	}
	want := map[string]domain.Value{"2.S1": domain.Str("ERS001"), "2.S2": domain.Null(), "2.S3": domain.Null()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sample accessions mismatch (-want +got):\n%s", diff)
	}

	other, err := svc.Accessions(ctx, prep.Info.Ref, domain.AccessionEBIExperiment)
	if err != nil {
		t.Fatalf("prep accessions: %v", err)
	}
	if diff := cmp.Diff(map[string]domain.Value{"2.S1": domain.Null(), "2.S2": domain.Null()}, other); diff != "" {
		t.Fatalf("accessions leaked between templates (-want +got):\n%s", diff)
	}
	biosample, err := svc.Accessions(ctx, sample.Info.Ref, domain.AccessionBioSample)
	if err != nil {
		t.Fatalf("biosample accessions: %v", err)
	}
	if !biosample["2.S1"].IsNull() {
		t.Fatalf("accession kinds must be independent, got %v", biosample["2.S1"])
	}
}

func TestSetAccessionsRules(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, core.WithProtectedSampleTemplates(1))
	sample := mustCreateSamples(t, svc, 2)
	ref := sample.Info.Ref

	if _, err := svc.SetAccessions(ctx, ref, domain.AccessionEBISample, map[string]string{"2.S1": "ERS001"}); err != nil {
		t.Fatalf("first assignment: %v", err)
	}
	res, err := svc.SetAccessions(ctx, ref, domain.AccessionEBISample, map[string]string{"2.S1": "ERS001", "2.S2": "ERS002"})
	if err != nil {
		t.Fatalf("re-assigning the same value: %v", err)
	}
	if !hasWarning(res, "already set to the same value for: 2.S1") {
		t.Fatalf("expected repeated accession warning, got %v", res.Warnings())
	}
	if _, err := svc.SetAccessions(ctx, ref, domain.AccessionEBISample, map[string]string{"2.S1": "ERS999"}); !domain.ErrNotPermitted.Has(err) {
		t.Fatalf("expected overwrite to be refused, got %v", err)
	}
	if _, err := svc.SetAccessions(ctx, ref, domain.AccessionEBISample, map[string]string{"2.S9": "ERS009"}); !domain.ErrUnknownID.Has(err) {
		t.Fatalf("expected unknown sample error, got %v", err)
	}
	if _, err := svc.SetAccessions(ctx, ref, domain.AccessionEBISample, map[string]string{"2.S3": " "}); !domain.ErrValidation.Has(err) {
		t.Fatalf("expected empty accession error, got %v", err)
	}
	if _, err := svc.SetAccessions(ctx, ref, domain.AccessionEBIExperiment, map[string]string{"2.S3": "ERX1"}); !domain.ErrValidation.Has(err) {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}

	got, _ := svc.Accessions(ctx, ref, domain.AccessionEBISample)
	if got["2.S1"].Text() != "ERS001" || got["2.S2"].Text() != "ERS002" {
		t.Fatalf("unexpected accessions %v", got)
	}

	protected := mustCreateSamples(t, svc, 1)
	if _, err := svc.SetAccessions(ctx, protected.Info.Ref, domain.AccessionBioSample, map[string]string{"1.S1": "SAMN1"}); !domain.ErrNotPermitted.Has(err) {
		t.Fatalf("expected protected template to be refused, got %v", err)
	}
}

func TestAccessionsFollowDeletedSamples(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	sample := mustCreateSamples(t, svc, 2)
	ref := sample.Info.Ref

	if _, err := svc.SetAccessions(ctx, ref, domain.AccessionBioSample, map[string]string{"2.S3": "SAMN3"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := svc.DeleteSamples(ctx, ref, []string{"2.S3"}); err != nil {
		t.Fatalf("delete samples: %v", err)
	}
	restore := domain.NewTable("ph")
	restore.AddRow("S3", row("ph", "7"))
	if _, err := svc.Extend(ctx, ref, restore); err != nil {
		t.Fatalf("extend: %v", err)
	}
	got, _ := svc.Accessions(ctx, ref, domain.AccessionBioSample)
	if !got["2.S3"].IsNull() {
		t.Fatalf("a re-added sample must not inherit the old accession, got %v", got["2.S3"])
	}
}
