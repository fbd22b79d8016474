package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Value is an optional metadata cell. Values keep the exact text they were
// supplied with so that exported templates re-import unchanged; numeric
// interpretation happens on demand.
type Value struct {
	text  string
	valid bool
}

// Null returns the absent value.
func Null() Value { return Value{} }

// Str wraps a string cell.
func Str(s string) Value { return Value{text: s, valid: true} }

// Int wraps an integer cell.
func Int(i int64) Value { return Value{text: strconv.FormatInt(i, 10), valid: true} }

// Float wraps a floating point cell.
func Float(f float64) Value { return Value{text: strconv.FormatFloat(f, 'g', -1, 64), valid: true} }

// Parse maps raw tabular text to a Value: empty or whitespace-only text is null.
func Parse(raw string) Value {
	if strings.TrimSpace(raw) == "" {
		return Null()
	}
	return Str(raw)
}

// IsNull reports whether the cell holds no value.
func (v Value) IsNull() bool { return !v.valid }

// Text returns the stored text, or the empty string for null.
func (v Value) Text() string { return v.text }

// Int64 interprets the cell as an integer.
func (v Value) Int64() (int64, bool) {
	if !v.valid {
		return 0, false
	}
	i, err := strconv.ParseInt(strings.TrimSpace(v.text), 10, 64)
	return i, err == nil
}

// Float64 interprets the cell as a float.
func (v Value) Float64() (float64, bool) {
	if !v.valid {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.text), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Equal compares two cells by nullness and text.
func (v Value) Equal(other Value) bool {
	return v.valid == other.valid && v.text == other.text
}

func (v Value) String() string {
	if !v.valid {
		return "<null>"
	}
	return v.text
}

// MarshalJSON encodes null cells as JSON null and everything else as a string.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.text)
}

// UnmarshalJSON accepts null, strings and bare numbers.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*v = Null()
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Str(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = Str(n.String())
	return nil
}
