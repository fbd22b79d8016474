// Package tabular reads and writes the tab-delimited template interchange
// format, including QIIME mapping files.
package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"metacore/pkg/domain"
)

const (
	// KeyHeader heads the row-key column of template files.
	KeyHeader = "sample_name"
	// QIIMEKeyHeader heads the row-key column of QIIME mapping files.
	QIIMEKeyHeader = "#SampleID"

	ruleEmptyColumns = "tabular_empty_columns"
)

// Parse loads a template or QIIME mapping file. Cells are trimmed and empty
// cells become null. Rows without a key are dropped, as are columns holding
// no value at all (with a warning).
func Parse(r io.Reader) (domain.Table, domain.Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.Table{}, domain.Result{}, fmt.Errorf("read template: %w", err)
	}
	if bad := nonUTF8Lines(data); len(bad) > 0 {
		return domain.Table{}, domain.Result{}, domain.NewColumnError("non UTF-8 characters found", bad...)
	}
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))

	headerLine, body, _ := bytes.Cut(data, []byte("\n"))
	header, err := readRecord(headerLine)
	if err != nil {
		return domain.Table{}, domain.Result{}, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	keyIdx := -1
	for i, h := range header {
		if strings.EqualFold(h, KeyHeader) || strings.EqualFold(h, QIIMEKeyHeader) {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return domain.Table{}, domain.Result{}, domain.NewColumnError("missing key column", KeyHeader)
	}
	columns := make([]string, 0, len(header)-1)
	for i, h := range header {
		if i != keyIdx {
			columns = append(columns, h)
		}
	}
	if dups := exactDuplicates(columns); len(dups) > 0 {
		return domain.Table{}, domain.Result{}, domain.NewDuplicateHeaderError(dups...)
	}

	reader := csv.NewReader(bytes.NewReader(body))
	reader.Comma = '\t'
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	t := domain.NewTable(columns...)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.Table{}, domain.Result{}, fmt.Errorf("parse template: %w", err)
		}
		if len(record) > len(header) && strings.TrimSpace(strings.Join(record[len(header):], "")) != "" {
			line, _ := reader.FieldPos(0)
			return domain.Table{}, domain.Result{}, domain.NewColumnError("more fields than headers", fmt.Sprintf("line %d", line+1))
		}
		if keyIdx >= len(record) {
			continue
		}
		key := strings.TrimSpace(record[keyIdx])
		if key == "" {
			continue
		}
		values := make(map[string]domain.Value, len(columns))
		for i, h := range header {
			if i == keyIdx || i >= len(record) {
				continue
			}
			values[h] = domain.Parse(strings.TrimSpace(record[i]))
		}
		t.AddRow(key, values)
	}

	return dropEmptyColumns(t)
}

func readRecord(line []byte) ([]string, error) {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, domain.NewColumnError("missing key column", KeyHeader)
	}
	r := csv.NewReader(bytes.NewReader(line))
	r.Comma = '\t'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	rec, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	return rec, nil
}

func dropEmptyColumns(t domain.Table) (domain.Table, domain.Result, error) {
	var res domain.Result
	var keep, dropped []string
	for _, c := range t.Columns {
		empty := true
		for _, v := range t.Column(c) {
			if !v.IsNull() {
				empty = false
				break
			}
		}
		if empty {
			dropped = append(dropped, c)
		} else {
			keep = append(keep, c)
		}
	}
	if len(dropped) == 0 {
		return t, res, nil
	}
	out := domain.NewTable(keep...)
	for _, r := range t.Rows {
		values := make(map[string]domain.Value, len(keep))
		for _, c := range keep {
			values[c] = r.Get(c)
		}
		out.AddRow(r.Key, values)
	}
	res.Warn(ruleEmptyColumns, domain.TemplateRef{}, "Columns without any value were dropped: %s", strings.Join(dropped, ", "))
	return out, res, nil
}

func nonUTF8Lines(data []byte) []string {
	if utf8.Valid(data) {
		return nil
	}
	var bad []string
	for i, line := range bytes.Split(data, []byte("\n")) {
		if !utf8.Valid(line) {
			bad = append(bad, fmt.Sprintf("line %d", i+1))
		}
	}
	return bad
}

func exactDuplicates(values []string) []string {
	seen := make(map[string]int, len(values))
	var dups []string
	for _, v := range values {
		seen[v]++
		if seen[v] == 2 {
			dups = append(dups, v)
		}
	}
	return dups
}

// Write serializes t with keyHeader heading the row-key column. Columns are
// written in t.Columns order and rows in table order; null cells are empty.
func Write(w io.Writer, t domain.Table, keyHeader string) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(append([]string{keyHeader}, t.Columns...)); err != nil {
		return err
	}
	record := make([]string, len(t.Columns)+1)
	for _, r := range t.Rows {
		record[0] = r.Key
		for i, c := range t.Columns {
			record[i+1] = r.Get(c).Text()
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
