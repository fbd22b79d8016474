package core

import (
	"context"
	"fmt"

	"metacore/pkg/domain"
)

const ruleTemplateCapacity = "template_capacity"

// NewTemplateCapacityRule blocks transactions that leave a created or
// extended template with more than maxSamples rows. Non-positive values
// fall back to DefaultMaxSamples.
func NewTemplateCapacityRule(maxSamples int) domain.Rule {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return templateCapacityRule{max: maxSamples}
}

type templateCapacityRule struct {
	max int
}

func (templateCapacityRule) Name() string { return ruleTemplateCapacity }

func (r templateCapacityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	checked := make(map[domain.TemplateRef]struct{})
	for _, c := range changes {
		if c.Action != domain.ActionCreate && c.Action != domain.ActionExtend {
			continue
		}
		if _, done := checked[c.Ref]; done {
			continue
		}
		checked[c.Ref] = struct{}{}
		keys, err := view.RowKeys(c.Ref)
		if err != nil {
			return domain.Result{}, err
		}
		if len(keys) > r.max {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     ruleTemplateCapacity,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%s would hold %d samples, the maximum is %d", c.Ref, len(keys), r.max),
				Ref:      c.Ref,
			})
		}
	}
	return res, nil
}
