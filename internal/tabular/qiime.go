package tabular

import (
	"sort"

	"metacore/pkg/domain"
)

// Placeholder fills QIIME mapping cells that have no value.
const Placeholder = "XXQIITAXX"

const (
	colBarcode     = "BarcodeSequence"
	colPrimer      = "LinkerPrimerSequence"
	colDescription = "Description"
)

// prep categories renamed to the headers QIIME expects.
var qiimeRenames = map[string]string{
	"barcode":              colBarcode,
	"barcodesequence":      colBarcode,
	"primer":               colPrimer,
	"linkerprimersequence": colPrimer,
}

// QIIMEMapping joins a prep template with its study's sample template into a
// QIIME mapping table: one row per prep sample, BarcodeSequence and
// LinkerPrimerSequence first, Description last and every missing value filled
// with Placeholder. Prep categories that collide with sample categories get a
// "_prep" suffix.
func QIIMEMapping(prep, sample domain.Table) domain.Table {
	sampleCols := make(map[string]struct{}, len(sample.Columns))
	for _, c := range sample.Columns {
		sampleCols[c] = struct{}{}
	}

	type source struct {
		fromPrep bool
		name     string
	}
	sources := make(map[string]source)
	for _, c := range sample.Columns {
		header := c
		if c == "description" {
			header = colDescription
		}
		sources[header] = source{name: c}
	}
	for _, c := range prep.Columns {
		header := c
		if renamed, ok := qiimeRenames[c]; ok {
			header = renamed
		} else if _, clash := sampleCols[c]; clash {
			header = c + "_prep"
		}
		if _, taken := sources[header]; taken {
			header = c + "_prep"
		}
		sources[header] = source{fromPrep: true, name: c}
	}

	var middle []string
	for h := range sources {
		if h != colBarcode && h != colPrimer && h != colDescription {
			middle = append(middle, h)
		}
	}
	sort.Strings(middle)
	columns := append([]string{colBarcode, colPrimer}, middle...)
	columns = append(columns, colDescription)

	out := domain.NewTable(columns...)
	sampleRows := sample.Index()
	for _, pr := range prep.Rows {
		sr := sampleRows[pr.Key]
		values := make(map[string]domain.Value, len(columns))
		for _, h := range columns {
			src, ok := sources[h]
			var v domain.Value
			switch {
			case !ok:
			case src.fromPrep:
				v = pr.Get(src.name)
			default:
				v = sr.Get(src.name)
			}
			if v.IsNull() {
				v = domain.Str(Placeholder)
			}
			values[h] = v
		}
		out.AddRow(pr.Key, values)
	}
	out.SortRows()
	return out
}
