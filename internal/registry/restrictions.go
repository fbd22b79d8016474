package registry

import (
	"sort"
	"strings"

	"metacore/pkg/domain"
)

// Shape names a semantic format a restricted column's values should follow.
type Shape string

const (
	ShapeNone      Shape = ""
	ShapeTimestamp Shape = "timestamp"
	ShapeLatitude  Shape = "latitude"
	ShapeLongitude Shape = "longitude"
	ShapeBoolean   Shape = "boolean"
	ShapeSequence  Shape = "sequence"
)

// RestrictionColumn is one required category of a restriction set.
type RestrictionColumn struct {
	Name    string            `koanf:"name" json:"name"`
	Type    domain.ColumnType `koanf:"type" json:"type"`
	Shape   Shape             `koanf:"shape" json:"shape,omitempty"`
	Allowed []string          `koanf:"allowed" json:"allowed,omitempty"`
}

// AllowedValue reports whether text is in the allowed list. Lists compare
// case-insensitively; an empty list allows everything.
func (c RestrictionColumn) AllowedValue(text string) bool {
	if len(c.Allowed) == 0 {
		return true
	}
	for _, a := range c.Allowed {
		if strings.EqualFold(a, strings.TrimSpace(text)) {
			return true
		}
	}
	return false
}

// RestrictionSet bundles the categories a template needs to satisfy an
// external requirement, such as submission eligibility.
type RestrictionSet struct {
	Tag       string              `koanf:"tag" json:"tag"`
	Scope     domain.TemplateKind `koanf:"scope" json:"scope"`
	DataTypes []string            `koanf:"data_types" json:"data_types,omitempty"`
	ErrorMsg  string              `koanf:"error_msg" json:"error_msg"`
	Columns   []RestrictionColumn `koanf:"columns" json:"columns"`
}

// Empty reports whether the set requires nothing.
func (s RestrictionSet) Empty() bool { return len(s.Columns) == 0 }

// ColumnNames returns the required category names in declaration order.
func (s RestrictionSet) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Column returns the definition of a required category.
func (s RestrictionSet) Column(name string) (RestrictionColumn, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return RestrictionColumn{}, false
}

// Missing returns the required categories absent from columns, sorted.
func (s RestrictionSet) Missing(columns []string) []string {
	have := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		have[c] = struct{}{}
	}
	var missing []string
	for _, c := range s.Columns {
		if _, ok := have[c.Name]; !ok {
			missing = append(missing, c.Name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Satisfied reports whether every required category is present.
func (s RestrictionSet) Satisfied(columns []string) bool {
	return len(s.Missing(columns)) == 0
}

// Applies reports whether the set is attached to templates of kind with the
// given data type.
func (s RestrictionSet) Applies(kind domain.TemplateKind, dataType string) bool {
	if s.Scope != kind {
		return false
	}
	if len(s.DataTypes) == 0 {
		return true
	}
	for _, dt := range s.DataTypes {
		if strings.EqualFold(dt, dataType) {
			return true
		}
	}
	return false
}

var targetGeneDataTypes = []string{"16S", "18S", "ITS"}

func defaultRestrictions() []RestrictionSet {
	return []RestrictionSet{
		{
			Tag:      "ebi_sample",
			Scope:    domain.KindSample,
			ErrorMsg: "EBI submission disabled",
			Columns: []RestrictionColumn{
				{Name: "collection_timestamp", Type: domain.TypeString, Shape: ShapeTimestamp},
				{Name: "physical_specimen_location", Type: domain.TypeString},
				{Name: "taxon_id", Type: domain.TypeInt},
				{Name: "description", Type: domain.TypeString},
				{Name: "scientific_name", Type: domain.TypeString},
			},
		},
		{
			Tag:      "qiita_main",
			Scope:    domain.KindSample,
			ErrorMsg: "Processed data approval disabled",
			Columns: []RestrictionColumn{
				{Name: "sample_type", Type: domain.TypeString},
				{Name: "latitude", Type: domain.TypeFloat, Shape: ShapeLatitude},
				{Name: "longitude", Type: domain.TypeFloat, Shape: ShapeLongitude},
				{Name: "physical_specimen_remaining", Type: domain.TypeString, Shape: ShapeBoolean},
				{Name: "dna_extracted", Type: domain.TypeString, Shape: ShapeBoolean},
				{Name: "host_subject_id", Type: domain.TypeString},
			},
		},
		{
			Tag:      "ebi_prep",
			Scope:    domain.KindPrep,
			ErrorMsg: "EBI submission disabled",
			Columns: []RestrictionColumn{
				{Name: "primer", Type: domain.TypeString, Shape: ShapeSequence},
				{Name: "center_name", Type: domain.TypeString},
				{Name: "platform", Type: domain.TypeString, Allowed: []string{
					"Illumina", "LS454", "Ion Torrent", "PacBio_SMRT", "Oxford Nanopore",
				}},
				{Name: "instrument_model", Type: domain.TypeString},
				{Name: "library_construction_protocol", Type: domain.TypeString},
				{Name: "experiment_design_description", Type: domain.TypeString},
			},
		},
		{
			Tag:       "demultiplex",
			Scope:     domain.KindPrep,
			DataTypes: targetGeneDataTypes,
			ErrorMsg:  "Demultiplexing disabled",
			Columns: []RestrictionColumn{
				{Name: "barcode", Type: domain.TypeString, Shape: ShapeSequence},
			},
		},
		{
			Tag:       "demultiplex_multiple",
			Scope:     domain.KindPrep,
			DataTypes: targetGeneDataTypes,
			ErrorMsg:  "Demultiplexing with multiple input files disabled",
			Columns: []RestrictionColumn{
				{Name: "barcode", Type: domain.TypeString, Shape: ShapeSequence},
				{Name: "primer", Type: domain.TypeString, Shape: ShapeSequence},
				{Name: "run_prefix", Type: domain.TypeString},
			},
		},
	}
}
