package core_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"metacore/internal/blob"
	"metacore/internal/core"
	"metacore/pkg/domain"
)

func TestToFileOrdersRequiredColumnsFirst(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	input := domain.NewTable("zeta", "alpha", "description", "sample_type")
	input.AddRow("S2", row("zeta", "z2", "alpha", "a2", "description", "second", "sample_type", "soil"))
	input.AddRow("S1", row("zeta", "z1", "alpha", "", "description", "first", "sample_type", "soil"))
	tmpl, _, err := svc.CreateSampleTemplate(ctx, 2, input)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var buf bytes.Buffer
	if err := svc.ToFile(ctx, tmpl.Info.Ref, &buf); err != nil {
		t.Fatalf("to file: %v", err)
	}
	want := "sample_name\tdescription\tsample_type\talpha\tzeta\n" +
		"2.S1\tfirst\tsoil\t\tz1\n" +
		"2.S2\tsecond\tsoil\ta2\tz2\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("export mismatch (-want +got):\n%s", diff)
	}

	buf.Reset()
	if err := svc.ToFile(ctx, tmpl.Info.Ref, &buf, "2.S2"); err != nil {
		t.Fatalf("to file subset: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(buf.String()), "\n"); len(lines) != 2 || !strings.HasPrefix(lines[1], "2.S2\t") {
		t.Fatalf("unexpected subset export %q", buf.String())
	}
	if err := svc.ToFile(ctx, tmpl.Info.Ref, io.Discard, "2.S9"); !domain.ErrUnknownID.Has(err) {
		t.Fatalf("expected unknown sample error, got %v", err)
	}
}

func TestQIIMEMappingFile(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	mustCreateSamples(t, svc, 2)
	prep := mustCreatePrep(t, svc, 2)

	var buf bytes.Buffer
	if err := svc.QIIMEMappingFile(ctx, prep.Info.Ref, &buf); err != nil {
		t.Fatalf("mapping: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	header := strings.Split(lines[0], "\t")
	if header[0] != "#SampleID" || header[1] != "BarcodeSequence" || header[2] != "LinkerPrimerSequence" || header[len(header)-1] != "Description" {
		t.Fatalf("unexpected mapping header %v", header)
	}
	if len(lines) != 3 || !strings.Contains(lines[2], "XXQIITAXX") {
		t.Fatalf("expected placeholder for missing notes, got %q", buf.String())
	}
	if err := svc.QIIMEMappingFile(ctx, domain.SampleTemplate(2), &buf); !domain.ErrValidation.Has(err) {
		t.Fatalf("expected sample template to be rejected, got %v", err)
	}
}

func TestArchiveRecordsFileHistory(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	svc := newService(t, core.WithBlobStore(store))
	sample := mustCreateSamples(t, svc, 2)
	prep := mustCreatePrep(t, svc, 2)

	files, err := svc.Filepaths(ctx, sample.Info.Ref)
	if err != nil {
		t.Fatalf("filepaths: %v", err)
	}
	if len(files) != 1 || files[0].Key != "templates/2_20260102-030405.txt" || files[0].Kind != domain.FileTemplate {
		t.Fatalf("unexpected sample history %+v", files)
	}
	info, rc, err := store.Get(ctx, files[0].Key)
	if err != nil {
		t.Fatalf("get archived file: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !strings.HasPrefix(string(data), "sample_name\t") || info.Metadata["template"] != "sample_2" {
		t.Fatalf("unexpected archived file %q %v", data, info.Metadata)
	}

	prepFiles, err := svc.Filepaths(ctx, prep.Info.Ref)
	if err != nil {
		t.Fatalf("prep filepaths: %v", err)
	}
	keys := map[domain.FileKind]string{}
	for _, f := range prepFiles {
		keys[f.Kind] = f.Key
	}
	want := map[domain.FileKind]string{
		domain.FileTemplate: "templates/2_prep_1_20260102-030405.txt",
		domain.FileQIIMEMap: "templates/2_prep_1_qiime_20260102-030405.txt",
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("prep history mismatch (-want +got):\n%s", diff)
	}

	// a second export within the same second gets a distinct key
	res, err := svc.GenerateFiles(ctx, sample.Info.Ref)
	if err != nil || len(res.Warnings()) != 0 {
		t.Fatalf("generate files: %v %v", err, res.Warnings())
	}
	files, _ = svc.Filepaths(ctx, sample.Info.Ref)
	if len(files) != 2 || files[0].Key == files[1].Key || !strings.HasPrefix(files[0].Key, "templates/2_20260102-030405_") {
		t.Fatalf("unexpected history after regeneration %+v", files)
	}

	if _, err := svc.Delete(ctx, prep.Info.Ref); err != nil {
		t.Fatalf("delete prep: %v", err)
	}
	if _, err := store.Head(ctx, want[domain.FileQIIMEMap]); !blob.ErrNotFound.Has(err) {
		t.Fatalf("expected archived files to be removed, got %v", err)
	}
}

func TestArchiveKeepsHistoryWithinOneSecond(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, core.WithBlobStore(blob.NewMemory()))
	sample := mustCreateSamples(t, svc, 2)

	extra := domain.NewTable("description", "ph")
	extra.AddRow("S4", row("description", "deep core", "ph", "6.1"))
	res, err := svc.Extend(ctx, sample.Info.Ref, extra)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if hasWarning(res, "not archived") {
		t.Fatalf("expected extend to be archived, got %v", res.Warnings())
	}
	files, err := svc.Filepaths(ctx, sample.Info.Ref)
	if err != nil {
		t.Fatalf("filepaths: %v", err)
	}
	if len(files) != 2 || files[1].Key != "templates/2_20260102-030405.txt" || !strings.HasPrefix(files[0].Key, "templates/2_20260102-030405_") {
		t.Fatalf("expected both versions in history, got %+v", files)
	}
}

func TestGenerateFilesWithoutArchive(t *testing.T) {
	svc := newService(t)
	sample := mustCreateSamples(t, svc, 2)
	if _, err := svc.GenerateFiles(context.Background(), sample.Info.Ref); !domain.ErrNotPermitted.Has(err) {
		t.Fatalf("expected missing archive error, got %v", err)
	}
}

type failingBlobs struct{ blob.Store }

func (failingBlobs) Put(context.Context, string, io.Reader, blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, io.ErrClosedPipe
}

func TestArchiveFailureOnlyWarns(t *testing.T) {
	svc := newService(t, core.WithBlobStore(failingBlobs{blob.NewMemory()}))
	_, res, err := svc.CreateSampleTemplate(context.Background(), 2, soilSamples())
	if err != nil {
		t.Fatalf("archive failures must not fail the operation: %v", err)
	}
	if !hasWarning(res, "template files were not archived") {
		t.Fatalf("expected archive warning, got %v", res.Warnings())
	}
	files, _ := svc.Filepaths(context.Background(), domain.SampleTemplate(2))
	if len(files) != 0 {
		t.Fatalf("failed uploads must not be recorded: %+v", files)
	}
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	sample := mustCreateSamples(t, svc, 2)
	mustCreatePrep(t, svc, 2)

	missing, err := svc.CheckRestrictions(ctx, sample.Info.Ref, []string{"qiita_main"})
	if err != nil {
		t.Fatalf("check restrictions: %v", err)
	}
	want := []string{"dna_extracted", "host_subject_id", "latitude", "longitude", "physical_specimen_remaining"}
	if diff := cmp.Diff(want, missing); diff != "" {
		t.Fatalf("missing columns mismatch (-want +got):\n%s", diff)
	}
	all, err := svc.CheckRestrictions(ctx, sample.Info.Ref, nil)
	if err != nil || len(all) <= len(missing) {
		t.Fatalf("expected template restrictions to include ebi_sample: %v %v", all, err)
	}

	headers, err := svc.MetadataHeaders(ctx, domain.KindPrep)
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if diff := cmp.Diff([]string{"barcode", "notes", "primer", "run_prefix"}, headers); diff != "" {
		t.Fatalf("headers mismatch (-want +got):\n%s", diff)
	}
	if _, err := svc.GetCategory(ctx, sample.Info.Ref, "nope"); !domain.ErrValidation.Has(err) {
		t.Fatalf("expected unknown category error, got %v", err)
	}
	if _, err := svc.Filepaths(ctx, domain.PrepTemplate(42)); !domain.ErrUnknownID.Has(err) {
		t.Fatalf("expected unknown template error, got %v", err)
	}
}
