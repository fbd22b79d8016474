package validation

import (
	"strings"
	"time"

	"metacore/internal/registry"
	"metacore/pkg/domain"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15",
	"2006-01-02",
	"2006-01",
	"2006",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	time.RFC3339,
}

const nucleotides = "ACGTURYSWKMBDHVN"

// ValidShape reports whether a non-null value fits the column definition:
// its declared type, allowed values and semantic shape.
func ValidShape(col registry.RestrictionColumn, v domain.Value) bool {
	if v.IsNull() {
		return true
	}
	if !col.Type.Accepts(v) {
		return false
	}
	if !col.AllowedValue(v.Text()) {
		return false
	}
	text := strings.TrimSpace(v.Text())
	switch col.Shape {
	case registry.ShapeTimestamp:
		for _, layout := range timestampLayouts {
			if _, err := time.Parse(layout, text); err == nil {
				return true
			}
		}
		return false
	case registry.ShapeLatitude:
		f, ok := v.Float64()
		return ok && f >= -90 && f <= 90
	case registry.ShapeLongitude:
		f, ok := v.Float64()
		return ok && f >= -180 && f <= 180
	case registry.ShapeBoolean:
		switch strings.ToLower(text) {
		case "true", "false", "yes", "no", "y", "n":
			return true
		}
		return false
	case registry.ShapeSequence:
		if text == "" {
			return false
		}
		for _, r := range strings.ToUpper(text) {
			if !strings.ContainsRune(nucleotides, r) {
				return false
			}
		}
		return true
	default:
		return true
	}
}
