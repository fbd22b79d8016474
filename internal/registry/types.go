// Package registry holds the process-wide catalog of recognized categories:
// restriction sets keyed by tag, reserved words, data types and the
// investigation-type ontology. A Registry is built once at startup and never
// mutated afterwards.
package registry

import "metacore/pkg/domain"

// InferType types a column int when every non-null value parses as an
// integer, float when every non-null value parses as a float, and string
// otherwise. An entirely-null column is string.
func InferType(values []domain.Value) domain.ColumnType {
	seen := false
	isInt, isFloat := true, true
	for _, v := range values {
		if v.IsNull() {
			continue
		}
		seen = true
		if isInt {
			if _, ok := v.Int64(); !ok {
				isInt = false
			}
		}
		if _, ok := v.Float64(); !ok {
			isFloat = false
			break
		}
	}
	switch {
	case !seen:
		return domain.TypeString
	case isInt:
		return domain.TypeInt
	case isFloat:
		return domain.TypeFloat
	default:
		return domain.TypeString
	}
}

// InferColumns types every column of the table in column order.
func InferColumns(t domain.Table) []domain.Column {
	out := make([]domain.Column, len(t.Columns))
	for i, name := range t.Columns {
		out[i] = domain.Column{Name: name, Type: InferType(t.Column(name))}
	}
	return out
}
