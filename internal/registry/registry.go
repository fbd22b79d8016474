package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"metacore/pkg/domain"
)

var defaultDataTypes = []string{
	"16S", "18S", "ITS", "Genomics", "Metabolomic", "Metagenomic", "Metatranscriptomics",
	"Multiomic", "Proteomic", "Transcriptomics", "Viromics",
}

// ENA investigation-type ontology terms accepted for prep templates.
var defaultInvestigationTypes = []string{
	"Cancer Genomics", "Epigenetics", "Exome Sequencing", "Forensic or Paleo-genomics",
	"Gene Regulation Study", "Metagenomics", "Pooled Clone Sequencing", "Population Genomics",
	"RNASeq", "Resequencing", "Synthetic Genomics", "Transcriptome Analysis",
	"Whole Genome Sequencing", "Other",
}

// Registry is the read-only category catalog.
type Registry struct {
	sets               []RestrictionSet
	dataTypes          []string
	investigationTypes []string
	controlled         map[string]struct{}
}

// New builds a registry from explicit restriction sets, using the default
// data types and ontology.
func New(sets ...RestrictionSet) *Registry {
	return build(sets, defaultDataTypes, defaultInvestigationTypes)
}

// Default returns the built-in catalog.
func Default() *Registry {
	return New(defaultRestrictions()...)
}

func build(sets []RestrictionSet, dataTypes, investigationTypes []string) *Registry {
	r := &Registry{
		sets:               make([]RestrictionSet, len(sets)),
		dataTypes:          append([]string(nil), dataTypes...),
		investigationTypes: append([]string(nil), investigationTypes...),
		controlled:         map[string]struct{}{KeyColumn: {}},
	}
	for i, s := range sets {
		cols := make([]RestrictionColumn, len(s.Columns))
		for j, c := range s.Columns {
			c.Name = strings.ToLower(c.Name)
			if !c.Type.Valid() {
				c.Type = domain.TypeString
			}
			c.Allowed = append([]string(nil), c.Allowed...)
			cols[j] = c
			r.controlled[c.Name] = struct{}{}
		}
		s.Columns = cols
		s.DataTypes = append([]string(nil), s.DataTypes...)
		r.sets[i] = s
	}
	return r
}

type catalogFile struct {
	Restrictions       []RestrictionSet `koanf:"restrictions"`
	DataTypes          []string         `koanf:"data_types"`
	InvestigationTypes []string         `koanf:"investigation_types"`
}

// Load reads a JSON catalog and layers it over the built-in one: restriction
// sets replace built-in sets with the same tag, new tags are appended, and
// non-empty lists replace the defaults.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return nil, fmt.Errorf("load restriction catalog: %w", err)
	}
	var cf catalogFile
	if err := k.Unmarshal("", &cf); err != nil {
		return nil, fmt.Errorf("decode restriction catalog: %w", err)
	}

	sets := defaultRestrictions()
	for _, s := range cf.Restrictions {
		if s.Tag == "" {
			return nil, fmt.Errorf("restriction catalog: set without tag")
		}
		if s.Scope != domain.KindSample && s.Scope != domain.KindPrep {
			return nil, fmt.Errorf("restriction catalog: set %s has invalid scope %q", s.Tag, s.Scope)
		}
		replaced := false
		for i := range sets {
			if sets[i].Tag == s.Tag {
				sets[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			sets = append(sets, s)
		}
	}
	dataTypes := defaultDataTypes
	if len(cf.DataTypes) > 0 {
		dataTypes = cf.DataTypes
	}
	invTypes := defaultInvestigationTypes
	if len(cf.InvestigationTypes) > 0 {
		invTypes = cf.InvestigationTypes
	}
	return build(sets, dataTypes, invTypes), nil
}

// RestrictionsFor returns the set registered under tag. Unknown tags yield an
// empty set.
func (r *Registry) RestrictionsFor(tag string) RestrictionSet {
	for _, s := range r.sets {
		if s.Tag == tag {
			return s
		}
	}
	return RestrictionSet{Tag: tag}
}

// Tags lists every registered tag in catalog order.
func (r *Registry) Tags() []string {
	out := make([]string, len(r.sets))
	for i, s := range r.sets {
		out[i] = s.Tag
	}
	return out
}

// TagsFor lists the tags attached to a template of kind with dataType.
func (r *Registry) TagsFor(kind domain.TemplateKind, dataType string) []string {
	var out []string
	for _, s := range r.sets {
		if s.Applies(kind, dataType) {
			out = append(out, s.Tag)
		}
	}
	return out
}

// Sets resolves tags to their restriction sets, skipping unknown tags.
func (r *Registry) Sets(tags []string) []RestrictionSet {
	var out []RestrictionSet
	for _, tag := range tags {
		if s := r.RestrictionsFor(tag); !s.Empty() {
			out = append(out, s)
		}
	}
	return out
}

// RequiredColumns returns the distinct categories of the tagged sets in
// registry order.
func (r *Registry) RequiredColumns(tags []string) []string {
	wanted := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		wanted[t] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, s := range r.sets {
		if _, ok := wanted[s.Tag]; !ok {
			continue
		}
		for _, c := range s.Columns {
			if _, dup := seen[c.Name]; dup {
				continue
			}
			seen[c.Name] = struct{}{}
			out = append(out, c.Name)
		}
	}
	return out
}

// MissingColumns returns the union of required categories absent from
// columns across the tagged sets, sorted.
func (r *Registry) MissingColumns(tags []string, columns []string) []string {
	set := make(map[string]struct{})
	for _, s := range r.Sets(tags) {
		for _, m := range s.Missing(columns) {
			set[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// IsControlled reports whether name is the key column or belongs to any
// restriction set.
func (r *Registry) IsControlled(name string) bool {
	_, ok := r.controlled[strings.ToLower(name)]
	return ok
}

// ValidDataType reports whether dataType is registered.
func (r *Registry) ValidDataType(dataType string) bool {
	return containsFold(r.dataTypes, dataType)
}

// DataTypes returns the registered data types.
func (r *Registry) DataTypes() []string { return append([]string(nil), r.dataTypes...) }

// ValidInvestigationType reports whether term is in the ontology.
func (r *Registry) ValidInvestigationType(term string) bool {
	return containsFold(r.investigationTypes, term)
}

// InvestigationTypes returns the ontology terms.
func (r *Registry) InvestigationTypes() []string {
	return append([]string(nil), r.investigationTypes...)
}

// IsTargetGene reports whether dataType is an amplicon data type.
func IsTargetGene(dataType string) bool {
	return containsFold(targetGeneDataTypes, dataType)
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
