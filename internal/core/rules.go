package core

// DefaultMaxSamples is the row ceiling applied when none is configured.
const DefaultMaxSamples = 10000

// NewDefaultRulesEngine builds a rules engine with the built-in policy set:
// the per-template row ceiling and prep/sample template consistency.
func NewDefaultRulesEngine(maxSamples int) *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewTemplateCapacityRule(maxSamples))
	engine.Register(NewPrepSubsetRule())
	return engine
}
