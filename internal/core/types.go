package core

import "metacore/pkg/domain"

type (
	Result           = domain.Result
	Violation        = domain.Violation
	Change           = domain.Change
	Template         = domain.Template
	TemplateRef      = domain.TemplateRef
	TemplateInfo     = domain.TemplateInfo
	Table            = domain.Table
	Value            = domain.Value
	Rule             = domain.Rule
	RulesEngine      = domain.RulesEngine
	Transaction      = domain.Transaction
	TransactionView  = domain.TransactionView
	PersistentStore  = domain.PersistentStore
	ArtifactRegistry = domain.ArtifactRegistry
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine { return domain.NewRulesEngine() }
