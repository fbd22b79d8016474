package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"metacore/pkg/domain"
)

const sampleFile = "sample_name\tdescription\tsample_type\tph\n" +
	"S1\tbulk soil\tsoil\t6.5\n" +
	"S2\trhizosphere\tsoil\t7.1\n" +
	"S3\tcontrol\tblank\t\n"

const prepFile = "sample_name\tbarcode\tprimer\trun_prefix\n" +
	"S1\tACGTACGT\tGTGCCAGCMGCCGCGGTAA\trun1\n" +
	"S2\tTTGGCCAA\tGTGCCAGCMGCCGCGGTAA\trun1\n"

// testEnv points every backend at temporary storage and returns a runner.
func testEnv(t *testing.T) func(args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	redis := miniredis.RunT(t)
	t.Setenv("METACORE_STORAGE__DRIVER", "sqlite")
	t.Setenv("METACORE_STORAGE__SQLITE_PATH", filepath.Join(dir, "metacore.db"))
	t.Setenv("METACORE_BLOB__DRIVER", "fs")
	t.Setenv("METACORE_BLOB__FS_ROOT", filepath.Join(dir, "files"))
	t.Setenv("METACORE_ARTIFACTS__DRIVER", "redis")
	t.Setenv("METACORE_ARTIFACTS__REDIS_URL", "redis://"+redis.Addr())
	t.Setenv("METACORE_LOG__LEVEL", "error")

	return func(args ...string) (string, error) {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), args, &stdout, &stderr)
		return stdout.String(), err
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func mustRun(t *testing.T, run func(...string) (string, error), args ...string) string {
	t.Helper()
	out, err := run(args...)
	if err != nil {
		t.Fatalf("metacore %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestTemplateLifecycle(t *testing.T) {
	metacore := testEnv(t)
	samples := writeFile(t, "samples.txt", sampleFile)
	prep := writeFile(t, "prep.txt", prepFile)

	out := mustRun(t, metacore, "validate", samples)
	if !strings.Contains(out, "valid: 3 samples, 3 categories") || !strings.Contains(out, "warning:") {
		t.Fatalf("unexpected validate output %q", out)
	}
	if out := mustRun(t, metacore, "create", "sample", "2", samples); !strings.Contains(out, "created sample:2 with 3 samples") {
		t.Fatalf("unexpected create output %q", out)
	}
	if out := mustRun(t, metacore, "create", "prep", "2", prep, "--data-type", "16S"); !strings.Contains(out, "created prep:1 with 2 samples") {
		t.Fatalf("unexpected create prep output %q", out)
	}

	extra := writeFile(t, "extra.txt", "sample_name\tdescription\tdepth\nS4\tdeep core\t30\n")
	mustRun(t, metacore, "extend", "sample:2", extra)
	changed := writeFile(t, "changed.txt", "sample_name\tph\nS3\t5.5\n")
	mustRun(t, metacore, "update", "sample:2", changed)

	out = mustRun(t, metacore, "export", "sample:2", "--samples", "2.S3,2.S4")
	want := "sample_name\tdescription\tsample_type\tdepth\tph\n" +
		"2.S3\tcontrol\tblank\t\t5.5\n" +
		"2.S4\tdeep core\t\t30\t\n"
	if out != want {
		t.Fatalf("unexpected export:\n%s", out)
	}
	if out := mustRun(t, metacore, "export", "prep:1", "--qiime"); !strings.HasPrefix(out, "#SampleID\tBarcodeSequence\tLinkerPrimerSequence") {
		t.Fatalf("unexpected mapping file %q", out)
	}

	out = mustRun(t, metacore, "files", "sample:2")
	if strings.Count(out, "templates/2_") != 3 {
		t.Fatalf("expected one archived file per change, got %q", out)
	}
}

func TestAccessionsAndArtifacts(t *testing.T) {
	metacore := testEnv(t)
	mustRun(t, metacore, "create", "sample", "2", writeFile(t, "samples.txt", sampleFile))
	mustRun(t, metacore, "create", "prep", "2", writeFile(t, "prep.txt", prepFile), "--data-type", "16S")

	mustRun(t, metacore, "accessions", "set", "sample:2", "ebi_sample_accession", "2.S1=ERS1")
	out := mustRun(t, metacore, "accessions", "get", "sample:2", "ebi_sample_accession")
	if out != "2.S1\tERS1\n2.S2\t\n2.S3\t\n" {
		t.Fatalf("unexpected accessions %q", out)
	}
	if _, err := metacore("accessions", "set", "sample:2", "ebi_sample_accession", "2.S1=ERS9"); !domain.ErrNotPermitted.Has(err) {
		t.Fatalf("expected overwrite to be refused, got %v", err)
	}

	mustRun(t, metacore, "artifacts", "attach", "prep:1", "a1", "--status", "private")
	if out := mustRun(t, metacore, "show", "prep:1"); !strings.Contains(out, "status: private") || !strings.Contains(out, "data type: 16S") {
		t.Fatalf("unexpected show output %q", out)
	}
	if _, err := metacore("delete", "prep:1"); !domain.ErrNotPermitted.Has(err) {
		t.Fatalf("expected processed prep delete to be refused, got %v", err)
	}
	mustRun(t, metacore, "artifacts", "detach", "prep:1", "a1")
	mustRun(t, metacore, "delete", "prep:1")
	if _, err := metacore("show", "prep:1"); !domain.ErrUnknownID.Has(err) {
		t.Fatalf("expected deleted prep to be gone, got %v", err)
	}
}

func TestMetricsAndTraceFiles(t *testing.T) {
	cases := []struct {
		recorder string
		want     string
	}{
		{"prometheus", `metacore_service_operations_total{operation="create_sample_template",status="success"} 1`},
		{"expvar", `"create_sample_template.success": 1`},
	}
	for _, tc := range cases {
		t.Run(tc.recorder, func(t *testing.T) {
			metacore := testEnv(t)
			dir := t.TempDir()
			metrics, trace := filepath.Join(dir, "metrics.out"), filepath.Join(dir, "trace.jsonl")
			t.Setenv("METACORE_OBSERVABILITY__METRICS", tc.recorder)
			t.Setenv("METACORE_OBSERVABILITY__METRICS_PATH", metrics)
			t.Setenv("METACORE_OBSERVABILITY__TRACE_PATH", trace)

			mustRun(t, metacore, "create", "sample", "2", writeFile(t, "samples.txt", sampleFile))
			data, err := os.ReadFile(metrics)
			if err != nil {
				t.Fatalf("read metrics: %v", err)
			}
			if !strings.Contains(string(data), tc.want) {
				t.Fatalf("metrics file lacks %q:\n%s", tc.want, data)
			}

			// every invocation rewrites the metrics file but appends to the trace
			if _, err := metacore("create", "sample", "2", writeFile(t, "again.txt", sampleFile)); !domain.ErrDuplicate.Has(err) {
				t.Fatalf("expected duplicate template error, got %v", err)
			}
			spans, err := os.ReadFile(trace)
			if err != nil {
				t.Fatalf("read trace: %v", err)
			}
			if strings.Count(string(spans), `"operation":"create_sample_template"`) != 2 || !strings.Contains(string(spans), `"status":"error"`) {
				t.Fatalf("unexpected trace file:\n%s", spans)
			}
		})
	}
}

func TestCommandErrors(t *testing.T) {
	metacore := testEnv(t)
	cases := [][]string{
		{"create", "sample", "zero", "x.txt"},
		{"create", "prep", "2", "x.txt"},
		{"export", "study:2"},
		{"accessions", "set", "sample:2", "ebi_sample_accession", "2.S1"},
		{"artifacts", "attach", "prep:1", "a1", "--status", "archived"},
		{"validate", "--kind", "study", writeFile(t, "s.txt", sampleFile)},
	}
	for _, args := range cases {
		if _, err := metacore(args...); err == nil {
			t.Fatalf("metacore %s: expected error", strings.Join(args, " "))
		}
	}
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		in   string
		want domain.TemplateRef
		ok   bool
	}{
		{"sample:2", domain.SampleTemplate(2), true},
		{"PREP:7", domain.PrepTemplate(7), true},
		{"prep:0", domain.TemplateRef{}, false},
		{"study:1", domain.TemplateRef{}, false},
		{"sample", domain.TemplateRef{}, false},
		{"sample:x", domain.TemplateRef{}, false},
	}
	for _, tc := range cases {
		got, err := parseRef(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("parseRef(%q) = %v, %v", tc.in, got, err)
		}
	}
}
