package domain

import "sort"

// ColumnType is the inferred scalar type of a category.
type ColumnType string

const (
	TypeString ColumnType = "string"
	TypeInt    ColumnType = "int"
	TypeFloat  ColumnType = "float"
)

// Valid reports whether t is one of the supported type tags.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat:
		return true
	default:
		return false
	}
}

// Accepts reports whether v can be stored in a column of type t.
func (t ColumnType) Accepts(v Value) bool {
	if v.IsNull() {
		return true
	}
	switch t {
	case TypeInt:
		_, ok := v.Int64()
		return ok
	case TypeFloat:
		_, ok := v.Float64()
		return ok
	default:
		return true
	}
}

// Column describes one category of a template.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Row is one sample. Missing entries in Values read as null.
type Row struct {
	Key    string           `json:"key"`
	Values map[string]Value `json:"values"`
}

// Get returns the cell for column, null when absent.
func (r Row) Get(column string) Value {
	if r.Values == nil {
		return Null()
	}
	return r.Values[column]
}

func (r Row) clone() Row {
	values := make(map[string]Value, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return Row{Key: r.Key, Values: values}
}

// Table is an ordered tabular payload: the column order is explicit and
// independent of any row.
type Table struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// NewTable returns an empty table with the given column order.
func NewTable(columns ...string) Table {
	return Table{Columns: append([]string(nil), columns...)}
}

// AddRow appends a row, copying values.
func (t *Table) AddRow(key string, values map[string]Value) {
	t.Rows = append(t.Rows, Row{Key: key, Values: values}.clone())
}

// Len returns the number of rows.
func (t Table) Len() int { return len(t.Rows) }

// Row looks up a row by key.
func (t Table) Row(key string) (Row, bool) {
	for _, r := range t.Rows {
		if r.Key == key {
			return r, true
		}
	}
	return Row{}, false
}

// Get returns a single cell, null when the row or column is absent.
func (t Table) Get(key, column string) Value {
	r, ok := t.Row(key)
	if !ok {
		return Null()
	}
	return r.Get(column)
}

// HasColumn reports whether the column is part of the table.
func (t Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// RowKeys returns the row keys in row order.
func (t Table) RowKeys() []string {
	keys := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		keys[i] = r.Key
	}
	return keys
}

// Column returns every value of the named column in row order.
func (t Table) Column(name string) []Value {
	out := make([]Value, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Get(name)
	}
	return out
}

// Clone deep-copies the table.
func (t Table) Clone() Table {
	out := Table{Columns: append([]string(nil), t.Columns...), Rows: make([]Row, len(t.Rows))}
	for i, r := range t.Rows {
		out.Rows[i] = r.clone()
	}
	return out
}

// Index maps row keys to their rows.
func (t Table) Index() map[string]Row {
	idx := make(map[string]Row, len(t.Rows))
	for _, r := range t.Rows {
		idx[r.Key] = r
	}
	return idx
}

// SortRows orders rows by key.
func (t *Table) SortRows() {
	sort.SliceStable(t.Rows, func(i, j int) bool { return t.Rows[i].Key < t.Rows[j].Key })
}
