package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"metacore/pkg/domain"
)

const rulePrepSubset = "prep_sample_subset"

// NewPrepSubsetRule keeps every prep template row backed by a row of its
// study's sample template: prep rows must exist in the sample template, and
// sample rows or templates still used by a prep cannot be removed.
func NewPrepSubsetRule() domain.Rule {
	return prepSubsetRule{}
}

type prepSubsetRule struct{}

func (prepSubsetRule) Name() string { return rulePrepSubset }

func (r prepSubsetRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, c := range changes {
		var (
			v   *domain.Violation
			err error
		)
		switch {
		case c.Ref.Kind == domain.KindPrep && (c.Action == domain.ActionCreate || c.Action == domain.ActionExtend):
			v, err = r.checkPrepRows(view, c)
		case c.Ref.Kind == domain.KindSample && c.Action == domain.ActionDeleteRows:
			v, err = r.checkSampleRowsUnused(view, c)
		case c.Ref.Kind == domain.KindSample && c.Action == domain.ActionDelete:
			v, err = r.checkNoPreps(view, c)
		}
		if err != nil {
			return domain.Result{}, err
		}
		if v != nil {
			res.Violations = append(res.Violations, *v)
		}
	}
	return res, nil
}

func (prepSubsetRule) checkPrepRows(view domain.RuleView, c domain.Change) (*domain.Violation, error) {
	if len(c.Rows) == 0 {
		return nil, nil
	}
	info, ok, err := view.FindTemplate(c.Ref)
	if err != nil || !ok {
		return nil, err
	}
	sampleRef := domain.SampleTemplate(info.StudyID)
	if _, ok, err := view.FindTemplate(sampleRef); err != nil {
		return nil, err
	} else if !ok {
		return block(c.Ref, "study %d has no sample template", info.StudyID), nil
	}
	keys, err := view.RowKeys(sampleRef)
	if err != nil {
		return nil, err
	}
	known := toSet(keys)
	var unknown []string
	for _, k := range c.Rows {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil, nil
	}
	sort.Strings(unknown)
	return block(c.Ref, "Samples found in prep template but not sample template: %s", strings.Join(unknown, ", ")), nil
}

func (prepSubsetRule) checkSampleRowsUnused(view domain.RuleView, c domain.Change) (*domain.Violation, error) {
	templates, err := view.ListTemplates(c.Ref.ID)
	if err != nil {
		return nil, err
	}
	removed := toSet(c.Rows)
	used := make(map[string]struct{})
	for _, t := range templates {
		if t.Ref.Kind != domain.KindPrep {
			continue
		}
		keys, err := view.RowKeys(t.Ref)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if _, ok := removed[k]; ok {
				used[k] = struct{}{}
			}
		}
	}
	if len(used) == 0 {
		return nil, nil
	}
	return block(c.Ref, "Samples are still used by prep templates: %s", strings.Join(sortedKeys(used), ", ")), nil
}

func (prepSubsetRule) checkNoPreps(view domain.RuleView, c domain.Change) (*domain.Violation, error) {
	templates, err := view.ListTemplates(c.Ref.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range templates {
		if t.Ref.Kind == domain.KindPrep {
			return block(c.Ref, "study %d still has prep templates", c.Ref.ID), nil
		}
	}
	return nil, nil
}

func block(ref domain.TemplateRef, format string, args ...any) *domain.Violation {
	return &domain.Violation{
		Rule:     rulePrepSubset,
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf(format, args...),
		Ref:      ref,
	}
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
