// Package validation cleans and validates tabular metadata payloads before
// any of them reach the store.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"metacore/internal/identity"
	"metacore/internal/registry"
	"metacore/pkg/domain"
)

const (
	ruleMissingColumns = "restriction_missing_columns"
	ruleValueShape     = "restriction_value_shape"
)

var (
	rowKeyPattern     = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	columnNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Cleaned is the accepted form of a payload.
type Cleaned struct {
	Table   domain.Table
	Columns []domain.Column
	Result  domain.Result
}

// InvalidRowKeys returns the keys outside the allowed character class.
func InvalidRowKeys(keys []string) []string {
	var bad []string
	for _, k := range keys {
		if !rowKeyPattern.MatchString(k) {
			bad = append(bad, k)
		}
	}
	return bad
}

// InvalidColumnNames returns names with characters other than ASCII letters,
// digits and underscores, or with a leading digit.
func InvalidColumnNames(names []string) []string {
	var bad []string
	for _, n := range names {
		if !columnNamePattern.MatchString(n) {
			bad = append(bad, n)
		}
	}
	return bad
}

// CleanAndValidate rejects payloads that cannot be accepted safely and
// returns the canonical form otherwise. When studyID is positive row keys are
// namespaced under it. Missing restriction columns and malformed restricted
// values become warnings; the payload is still accepted.
func CleanAndValidate(raw domain.Table, studyID int64, sets ...registry.RestrictionSet) (Cleaned, error) {
	keys := raw.RowKeys()
	if bad := InvalidRowKeys(keys); len(bad) > 0 {
		return Cleaned{}, domain.NewColumnError("invalid sample names", bad...)
	}
	if dups := duplicates(keys, false); len(dups) > 0 {
		return Cleaned{}, domain.NewDuplicateSamplesError(dups...)
	}
	if dups := duplicates(raw.Columns, true); len(dups) > 0 {
		return Cleaned{}, domain.NewDuplicateHeaderError(dups...)
	}
	var reserved []string
	for _, c := range raw.Columns {
		if registry.IsReserved(c) {
			reserved = append(reserved, c)
		}
	}
	if len(reserved) > 0 {
		return Cleaned{}, domain.NewColumnError("reserved words", reserved...)
	}
	if bad := InvalidColumnNames(raw.Columns); len(bad) > 0 {
		return Cleaned{}, domain.NewColumnError("invalid column names", bad...)
	}

	clean := canonicalize(raw)
	var res domain.Result
	if studyID > 0 {
		normalized, warnings, err := identity.NormalizeRowKeys(clean, studyID)
		if err != nil {
			return Cleaned{}, err
		}
		clean = normalized
		res.Merge(warnings)
	}

	res.Merge(MissingColumnsWarning(clean.Columns, sets))
	res.Merge(ValueShapeWarning(clean, sets))
	return Cleaned{Table: clean, Columns: registry.InferColumns(clean), Result: res}, nil
}

// canonicalize lower-cases category names and rebuilds every row so that it
// exposes exactly the table's categories.
func canonicalize(raw domain.Table) domain.Table {
	lower := make([]string, len(raw.Columns))
	for i, c := range raw.Columns {
		lower[i] = strings.ToLower(c)
	}
	out := domain.NewTable(lower...)
	for _, r := range raw.Rows {
		values := make(map[string]domain.Value, len(lower))
		for i, c := range raw.Columns {
			values[lower[i]] = r.Get(c)
		}
		out.AddRow(r.Key, values)
	}
	return out
}

// MissingColumnsWarning aggregates absent required columns of every set into
// a single warning.
func MissingColumnsWarning(columns []string, sets []registry.RestrictionSet) domain.Result {
	var lines []string
	for _, s := range sets {
		if missing := s.Missing(columns); len(missing) > 0 {
			label := s.ErrorMsg
			if label == "" {
				label = s.Tag
			}
			lines = append(lines, fmt.Sprintf("%s: %s", label, strings.Join(missing, ", ")))
		}
	}
	var res domain.Result
	if len(lines) > 0 {
		res.Warn(ruleMissingColumns, domain.TemplateRef{},
			"Some functionality will be disabled due to missing columns:\n\t%s", strings.Join(lines, "\n\t"))
	}
	return res
}

// ValueShapeWarning aggregates every restricted value that does not fit its
// column into a single warning. Values are never modified.
func ValueShapeWarning(t domain.Table, sets []registry.RestrictionSet) domain.Result {
	checked := make(map[string]registry.RestrictionColumn)
	for _, s := range sets {
		for _, c := range s.Columns {
			if _, ok := checked[c.Name]; !ok && t.HasColumn(c.Name) {
				checked[c.Name] = c
			}
		}
	}
	names := make([]string, 0, len(checked))
	for n := range checked {
		names = append(names, n)
	}
	sort.Strings(names)

	var entries []string
	for _, name := range names {
		col := checked[name]
		for _, r := range t.Rows {
			v := r.Get(name)
			if !ValidShape(col, v) {
				entries = append(entries, fmt.Sprintf(`%s: %s, wrong value "%s"`, name, r.Key, v.Text()))
			}
		}
	}
	var res domain.Result
	if len(entries) > 0 {
		res.Warn(ruleValueShape, domain.TemplateRef{},
			"Some values do not match their column definition and were stored as-is:\n\t%s", strings.Join(entries, "\n\t"))
	}
	return res
}

// duplicates returns values appearing more than once, optionally comparing
// case-insensitively; every colliding spelling is reported.
func duplicates(values []string, fold bool) []string {
	groups := make(map[string][]string)
	var order []string
	for _, v := range values {
		k := v
		if fold {
			k = strings.ToLower(v)
		}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], v)
	}
	var out []string
	for _, k := range order {
		g := groups[k]
		if len(g) < 2 {
			continue
		}
		if !fold {
			out = append(out, g[0])
			continue
		}
		spellings := make(map[string]struct{}, len(g))
		for _, v := range g {
			if _, ok := spellings[v]; !ok {
				spellings[v] = struct{}{}
				out = append(out, v)
			}
		}
	}
	return out
}
