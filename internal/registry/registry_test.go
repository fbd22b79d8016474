package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"metacore/pkg/domain"
)

func vals(raw ...string) []domain.Value {
	out := make([]domain.Value, len(raw))
	for i, r := range raw {
		out[i] = domain.Parse(r)
	}
	return out
}

func TestInferType(t *testing.T) {
	cases := []struct {
		name   string
		values []domain.Value
		want   domain.ColumnType
	}{
		{"ints", vals("1", "2", "-3"), domain.TypeInt},
		{"ints with nulls", vals("1", "", "3"), domain.TypeInt},
		{"floats", vals("1", "2.5", "3"), domain.TypeFloat},
		{"exponent", vals("1e3", "2"), domain.TypeFloat},
		{"strings", vals("1", "two"), domain.TypeString},
		{"nan is text", vals("NaN", "1"), domain.TypeString},
		{"all null", vals("", " "), domain.TypeString},
		{"empty", nil, domain.TypeString},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InferType(tc.values); got != tc.want {
				t.Fatalf("InferType = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRestrictionsForUnknownTagIsEmpty(t *testing.T) {
	reg := Default()
	set := reg.RestrictionsFor("no_such_tag")
	if !set.Empty() {
		t.Fatalf("expected empty set, got %+v", set)
	}
	if set.Tag != "no_such_tag" {
		t.Fatalf("expected tag echoed, got %q", set.Tag)
	}
}

func TestTagsForTargetGenePrep(t *testing.T) {
	reg := Default()
	got := reg.TagsFor(domain.KindPrep, "16s")
	want := []string{"ebi_prep", "demultiplex", "demultiplex_multiple"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("TagsFor mismatch (-want +got):\n%s", diff)
	}
	if got := reg.TagsFor(domain.KindPrep, "Metagenomic"); len(got) != 1 {
		t.Fatalf("expected only ebi_prep for non target gene, got %v", got)
	}
	if got := reg.TagsFor(domain.KindSample, ""); len(got) != 2 {
		t.Fatalf("expected two sample sets, got %v", got)
	}
}

func TestRequiredColumnsRegistryOrderAndMissing(t *testing.T) {
	reg := Default()
	cols := reg.RequiredColumns([]string{"demultiplex_multiple", "demultiplex"})
	want := []string{"barcode", "primer", "run_prefix"}
	if diff := cmp.Diff(want, cols); diff != "" {
		t.Fatalf("RequiredColumns mismatch (-want +got):\n%s", diff)
	}
	missing := reg.MissingColumns([]string{"demultiplex_multiple"}, []string{"barcode"})
	if diff := cmp.Diff([]string{"primer", "run_prefix"}, missing); diff != "" {
		t.Fatalf("MissingColumns mismatch (-want +got):\n%s", diff)
	}
}

func TestReservedWords(t *testing.T) {
	for _, name := range []string{"select", "SELECT", "featureid", "sample-id", "sample_name", "Table"} {
		if !IsReserved(name) {
			t.Fatalf("expected %q to be reserved", name)
		}
	}
	for _, name := range []string{"valid_col", "selection", "linkerprimersequence", "order_id", "sample_type"} {
		if IsReserved(name) {
			t.Fatalf("expected %q to be allowed, got %s", name, ReservedReason(name))
		}
	}
}

func TestLoadOverridesCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	body := `{
		"restrictions": [
			{"tag": "ebi_sample", "scope": "sample", "error_msg": "custom", "columns": [{"name": "Taxon_ID", "type": "int"}]},
			{"tag": "soil", "scope": "sample", "columns": [{"name": "ph", "type": "float", "allowed": []}]}
		],
		"data_types": ["16S", "Soil"]
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ebi := reg.RestrictionsFor("ebi_sample")
	if ebi.ErrorMsg != "custom" || len(ebi.Columns) != 1 || ebi.Columns[0].Name != "taxon_id" {
		t.Fatalf("expected overridden ebi_sample set, got %+v", ebi)
	}
	if reg.RestrictionsFor("soil").Empty() {
		t.Fatalf("expected appended soil set")
	}
	if !reg.ValidDataType("soil") || reg.ValidDataType("Proteomic") {
		t.Fatalf("expected data types replaced by catalog file")
	}
	if !reg.IsControlled("PH") {
		t.Fatalf("expected restriction column to be controlled")
	}
}

func TestLoadRejectsBadScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(`{"restrictions":[{"tag":"x","scope":"study"}]}`), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected scope error")
	}
}

func TestInvestigationTypeOntology(t *testing.T) {
	reg := Default()
	if !reg.ValidInvestigationType("metagenomics") {
		t.Fatalf("expected ontology match to ignore case")
	}
	if reg.ValidInvestigationType("Not a term") {
		t.Fatalf("expected unknown term rejected")
	}
	if !IsTargetGene("ITS") || IsTargetGene("Metagenomic") {
		t.Fatalf("unexpected target gene classification")
	}
}
