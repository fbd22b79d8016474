package domain

import (
	"fmt"
	"time"
)

// TemplateKind distinguishes study-level sample templates from
// preparation-level templates.
type TemplateKind string

const (
	KindSample TemplateKind = "sample"
	KindPrep   TemplateKind = "prep"
)

// TemplateRef identifies a template. Sample templates are keyed by study id,
// prep templates by their own prep id.
type TemplateRef struct {
	Kind TemplateKind `json:"kind"`
	ID   int64        `json:"id"`
}

// SampleTemplate returns the reference of the study's sample template.
func SampleTemplate(studyID int64) TemplateRef { return TemplateRef{Kind: KindSample, ID: studyID} }

// PrepTemplate returns the reference of a prep template.
func PrepTemplate(prepID int64) TemplateRef { return TemplateRef{Kind: KindPrep, ID: prepID} }

// TableName is the deterministic name of the backing dynamic table.
func (r TemplateRef) TableName() string {
	return fmt.Sprintf("%s_%d", r.Kind, r.ID)
}

func (r TemplateRef) String() string {
	return fmt.Sprintf("%s template %d", r.Kind, r.ID)
}

// Valid reports whether the reference names a supported kind with a positive id.
func (r TemplateRef) Valid() bool {
	return (r.Kind == KindSample || r.Kind == KindPrep) && r.ID > 0
}

// TemplateInfo is the bookkeeping row stored for every template.
type TemplateInfo struct {
	Ref               TemplateRef `json:"ref"`
	StudyID           int64       `json:"study_id"`
	DataType          string      `json:"data_type,omitempty"`
	InvestigationType string      `json:"investigation_type,omitempty"`
	Restrictions      []string    `json:"restrictions,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Template is a fully loaded template.
type Template struct {
	Info    TemplateInfo `json:"info"`
	Columns []Column     `json:"columns"`
	Table   Table        `json:"table"`
	Status  Status       `json:"status"`
}

// ColumnType returns the stored type of a category.
func (t Template) ColumnType(name string) (ColumnType, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c.Type, true
		}
	}
	return "", false
}

// Status mirrors the visibility of artifacts derived from a template.
type Status string

const (
	StatusSandbox          Status = "sandbox"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusPrivate          Status = "private"
	StatusPublic           Status = "public"
)

var statusRank = map[Status]int{
	StatusSandbox:          0,
	StatusAwaitingApproval: 1,
	StatusPrivate:          2,
	StatusPublic:           3,
}

// InferStatus returns the least restrictive visibility among the artifacts,
// or sandbox when there are none.
func InferStatus(visibilities []Status) Status {
	status := StatusSandbox
	for _, v := range visibilities {
		if statusRank[v] > statusRank[status] {
			status = v
		}
	}
	return status
}

// AccessionKind names an external identifier namespace.
type AccessionKind string

const (
	AccessionEBISample     AccessionKind = "ebi_sample_accession"
	AccessionBioSample     AccessionKind = "biosample_accession"
	AccessionEBIExperiment AccessionKind = "ebi_experiment_accession"
)

// AccessionKinds lists the namespaces tracked for a template kind.
func AccessionKinds(kind TemplateKind) []AccessionKind {
	switch kind {
	case KindSample:
		return []AccessionKind{AccessionEBISample, AccessionBioSample}
	case KindPrep:
		return []AccessionKind{AccessionEBIExperiment}
	default:
		return nil
	}
}

// SupportsAccession reports whether kind tracks the accession namespace.
func SupportsAccession(kind TemplateKind, accession AccessionKind) bool {
	for _, k := range AccessionKinds(kind) {
		if k == accession {
			return true
		}
	}
	return false
}

// FileKind labels an exported template file.
type FileKind string

const (
	FileTemplate FileKind = "template"
	FileQIIMEMap FileKind = "qiime_map"
)

// Filepath records one archived export of a template.
type Filepath struct {
	ID        int64       `json:"id"`
	Ref       TemplateRef `json:"ref"`
	Key       string      `json:"key"`
	Kind      FileKind    `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
}
