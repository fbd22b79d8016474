package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"metacore/pkg/domain"
)

// keyColumn holds the row key in every dynamic table. It is a reserved
// category name, so it can never clash with a user column.
const keyColumn = "sample_id"

type reader struct {
	ctx context.Context
	tx  *sql.Tx
	d   Dialect
}

// ph renders the n-th bind parameter; phList renders n of them from first.
func (r reader) ph(n int) string { return r.d.Placeholder(n) }

func (r reader) phList(first, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = r.ph(first + i)
	}
	return strings.Join(parts, ", ")
}

func (r reader) FindTemplate(ref domain.TemplateRef) (domain.TemplateInfo, bool, error) {
	row := r.tx.QueryRowContext(r.ctx, fmt.Sprintf(
		`SELECT kind, id, study_id, data_type, investigation_type, restrictions, created_at, updated_at
		FROM metadata_templates WHERE kind = %s AND id = %s`, r.ph(1), r.ph(2)), string(ref.Kind), ref.ID)
	info, err := scanInfo(row)
	if isNoRows(err) {
		return domain.TemplateInfo{}, false, nil
	}
	if err != nil {
		return domain.TemplateInfo{}, false, err
	}
	return info, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(s scanner) (domain.TemplateInfo, error) {
	var (
		info                 domain.TemplateInfo
		kind, restrictions   string
		createdAt, updatedAt string
	)
	if err := s.Scan(&kind, &info.Ref.ID, &info.StudyID, &info.DataType, &info.InvestigationType, &restrictions, &createdAt, &updatedAt); err != nil {
		return domain.TemplateInfo{}, err
	}
	info.Ref.Kind = domain.TemplateKind(kind)
	if err := json.Unmarshal([]byte(restrictions), &info.Restrictions); err != nil {
		return domain.TemplateInfo{}, fmt.Errorf("decode restrictions of %s: %w", info.Ref, err)
	}
	var err error
	if info.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.TemplateInfo{}, err
	}
	if info.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.TemplateInfo{}, err
	}
	return info, nil
}

func (r reader) ListTemplates(studyID int64) (out []domain.TemplateInfo, err error) {
	rows, err := r.tx.QueryContext(r.ctx, fmt.Sprintf(
		`SELECT kind, id, study_id, data_type, investigation_type, restrictions, created_at, updated_at
		FROM metadata_templates WHERE study_id = %s ORDER BY kind DESC, id`, r.ph(1)), studyID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (r reader) mustExist(ref domain.TemplateRef) (domain.TemplateInfo, error) {
	info, ok, err := r.FindTemplate(ref)
	if err != nil {
		return domain.TemplateInfo{}, err
	}
	if !ok {
		return domain.TemplateInfo{}, domain.UnknownTemplate(ref)
	}
	return info, nil
}

func (r reader) RowKeys(ref domain.TemplateRef) (keys []string, err error) {
	if _, err := r.mustExist(ref); err != nil {
		return nil, err
	}
	rows, err := r.tx.QueryContext(r.ctx, fmt.Sprintf(`SELECT %s FROM %s`, keyColumn, QuoteIdent(ref.TableName())))
	if err != nil {
		return nil, fmt.Errorf("row keys of %s: %w", ref, err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	// Collations differ between backends; order by bytes.
	sort.Strings(keys)
	return keys, rows.Err()
}

func (r reader) Columns(ref domain.TemplateRef) (cols []domain.Column, err error) {
	if _, err := r.mustExist(ref); err != nil {
		return nil, err
	}
	return r.columns(ref)
}

func (r reader) columns(ref domain.TemplateRef) (cols []domain.Column, err error) {
	rows, err := r.tx.QueryContext(r.ctx, fmt.Sprintf(
		`SELECT column_name, column_type FROM template_columns WHERE kind = %s AND template_id = %s ORDER BY position`,
		r.ph(1), r.ph(2)), string(ref.Kind), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", ref, err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		cols = append(cols, domain.Column{Name: name, Type: domain.ColumnType(typ)})
	}
	return cols, rows.Err()
}

func (r reader) LoadTemplate(ref domain.TemplateRef) (domain.TemplateInfo, []domain.Column, domain.Table, error) {
	info, err := r.mustExist(ref)
	if err != nil {
		return domain.TemplateInfo{}, nil, domain.Table{}, err
	}
	cols, err := r.columns(ref)
	if err != nil {
		return domain.TemplateInfo{}, nil, domain.Table{}, err
	}
	table, err := r.loadRows(ref, cols)
	if err != nil {
		return domain.TemplateInfo{}, nil, domain.Table{}, err
	}
	return info, cols, table, nil
}

func (r reader) loadRows(ref domain.TemplateRef, cols []domain.Column) (table domain.Table, err error) {
	names := make([]string, len(cols))
	selected := make([]string, len(cols)+1)
	selected[0] = keyColumn
	for i, c := range cols {
		names[i] = c.Name
		selected[i+1] = QuoteIdent(c.Name)
	}
	table = domain.NewTable(names...)
	rows, err := r.tx.QueryContext(r.ctx, fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(selected, ", "), QuoteIdent(ref.TableName())))
	if err != nil {
		return domain.Table{}, fmt.Errorf("load %s: %w", ref, err)
	}
	defer closeRows(rows, &err)
	cells := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols)+1)
	var key string
	dest[0] = &key
	for i := range cells {
		dest[i+1] = &cells[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return domain.Table{}, err
		}
		values := make(map[string]domain.Value, len(cols))
		for i, c := range cols {
			if cells[i].Valid {
				values[c.Name] = domain.Str(cells[i].String)
			} else {
				values[c.Name] = domain.Null()
			}
		}
		table.AddRow(key, values)
	}
	if err := rows.Err(); err != nil {
		return domain.Table{}, err
	}
	table.SortRows()
	return table, nil
}

func (r reader) Headers(kind domain.TemplateKind) (out []string, err error) {
	rows, err := r.tx.QueryContext(r.ctx, fmt.Sprintf(
		`SELECT DISTINCT column_name FROM template_columns WHERE kind = %s`, r.ph(1)), string(kind))
	if err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, rows.Err()
}

func (r reader) Accessions(ref domain.TemplateRef, kind domain.AccessionKind) (out map[string]string, err error) {
	if _, err := r.mustExist(ref); err != nil {
		return nil, err
	}
	rows, err := r.tx.QueryContext(r.ctx, fmt.Sprintf(
		`SELECT sample_id, accession FROM template_accessions
		WHERE kind = %s AND template_id = %s AND accession_kind = %s`, r.ph(1), r.ph(2), r.ph(3)),
		string(ref.Kind), ref.ID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("accessions of %s: %w", ref, err)
	}
	defer closeRows(rows, &err)
	out = make(map[string]string)
	for rows.Next() {
		var key, acc string
		if err := rows.Scan(&key, &acc); err != nil {
			return nil, err
		}
		out[key] = acc
	}
	return out, rows.Err()
}

func (r reader) Filepaths(ref domain.TemplateRef) (out []domain.Filepath, err error) {
	rows, err := r.tx.QueryContext(r.ctx, fmt.Sprintf(
		`SELECT id, blob_key, file_kind, created_at FROM template_filepaths
		WHERE kind = %s AND template_id = %s ORDER BY id DESC`, r.ph(1), r.ph(2)), string(ref.Kind), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("filepaths of %s: %w", ref, err)
	}
	defer closeRows(rows, &err)
	for rows.Next() {
		fp := domain.Filepath{Ref: ref}
		var kind, created string
		if err := rows.Scan(&fp.ID, &fp.Key, &kind, &created); err != nil {
			return nil, err
		}
		fp.Kind = domain.FileKind(kind)
		if fp.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

// transaction applies mutations through the open *sql.Tx and records every
// change for rule evaluation.
type transaction struct {
	reader
	now     time.Time
	changes []domain.Change
}

func (tx *transaction) exec(query string, args ...any) error {
	if _, err := tx.tx.ExecContext(tx.ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", tx.d.Name(), err)
	}
	return nil
}

func (tx *transaction) record(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) touch(ref domain.TemplateRef) error {
	return tx.exec(fmt.Sprintf(`UPDATE metadata_templates SET updated_at = %s WHERE kind = %s AND id = %s`,
		tx.ph(1), tx.ph(2), tx.ph(3)), formatTime(tx.now), string(ref.Kind), ref.ID)
}

func (tx *transaction) Now() time.Time { return tx.now }

func (tx *transaction) LockTemplate(ref domain.TemplateRef) error {
	if _, err := tx.mustExist(ref); err != nil {
		return err
	}
	return tx.d.LockTemplate(tx.ctx, tx.tx, ref)
}

func (tx *transaction) NextPrepID() (int64, error) {
	var id int64
	err := tx.tx.QueryRowContext(tx.ctx,
		`UPDATE template_sequences SET value = value + 1 WHERE name = 'prep' RETURNING value`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next prep id: %w", err)
	}
	return id, nil
}

func (tx *transaction) CreateTemplate(info domain.TemplateInfo, columns []domain.Column, rows []domain.Row) error {
	if !info.Ref.Valid() {
		return fmt.Errorf("invalid template reference %+v", info.Ref)
	}
	if _, exists, err := tx.FindTemplate(info.Ref); err != nil {
		return err
	} else if exists {
		return domain.ErrDuplicate.New("%s already exists", info.Ref)
	}
	restrictions, err := json.Marshal(append([]string{}, info.Restrictions...))
	if err != nil {
		return err
	}
	_, err = tx.tx.ExecContext(tx.ctx, fmt.Sprintf(
		`INSERT INTO metadata_templates (kind, id, study_id, data_type, investigation_type, restrictions, created_at, updated_at)
		VALUES (%s)`, tx.phList(1, 8)),
		string(info.Ref.Kind), info.Ref.ID, info.StudyID, info.DataType, info.InvestigationType,
		string(restrictions), formatTime(tx.now), formatTime(tx.now))
	if err != nil {
		if tx.d.IsUniqueViolation(err) {
			return domain.ErrDuplicate.New("%s already exists", info.Ref)
		}
		return fmt.Errorf("%s: insert template: %w", tx.d.Name(), err)
	}

	defs := make([]string, 0, len(columns)+1)
	defs = append(defs, keyColumn+" TEXT PRIMARY KEY")
	for _, c := range columns {
		defs = append(defs, QuoteIdent(c.Name)+" TEXT")
	}
	if err := tx.exec(fmt.Sprintf(`CREATE TABLE %s (%s)`, QuoteIdent(info.Ref.TableName()), strings.Join(defs, ", "))); err != nil {
		return err
	}
	if err := tx.catalogColumns(info.Ref, 0, columns); err != nil {
		return err
	}
	if err := tx.insertRows(info.Ref, columns, rows); err != nil {
		return err
	}
	tx.record(domain.Change{Ref: info.Ref, Action: domain.ActionCreate, Rows: rowKeys(rows), Columns: columnNames(columns)})
	return nil
}

func (tx *transaction) catalogColumns(ref domain.TemplateRef, offset int, columns []domain.Column) error {
	for i, c := range columns {
		err := tx.exec(fmt.Sprintf(
			`INSERT INTO template_columns (kind, template_id, column_name, column_type, position) VALUES (%s)`, tx.phList(1, 5)),
			string(ref.Kind), ref.ID, c.Name, string(c.Type), offset+i)
		if err != nil {
			return err
		}
	}
	return nil
}

func (tx *transaction) AddColumns(ref domain.TemplateRef, columns []domain.Column) error {
	existing, err := tx.Columns(ref)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		have[c.Name] = struct{}{}
	}
	for _, c := range columns {
		if _, ok := have[c.Name]; ok {
			return domain.ErrDuplicate.New("column %s already exists in %s", c.Name, ref)
		}
	}
	for _, c := range columns {
		if err := tx.exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, QuoteIdent(ref.TableName()), QuoteIdent(c.Name))); err != nil {
			return err
		}
	}
	// positions are never reused after a drop
	var next int
	err = tx.tx.QueryRowContext(tx.ctx, fmt.Sprintf(
		`SELECT COALESCE(MAX(position), -1) + 1 FROM template_columns WHERE kind = %s AND template_id = %s`, tx.ph(1), tx.ph(2)),
		string(ref.Kind), ref.ID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next column position: %w", err)
	}
	if err := tx.catalogColumns(ref, next, columns); err != nil {
		return err
	}
	if err := tx.touch(ref); err != nil {
		return err
	}
	tx.record(domain.Change{Ref: ref, Action: domain.ActionExtend, Columns: columnNames(columns)})
	return nil
}

func (tx *transaction) InsertRows(ref domain.TemplateRef, rows []domain.Row) error {
	cols, err := tx.Columns(ref)
	if err != nil {
		return err
	}
	if err := tx.insertRows(ref, cols, rows); err != nil {
		return err
	}
	if err := tx.touch(ref); err != nil {
		return err
	}
	tx.record(domain.Change{Ref: ref, Action: domain.ActionExtend, Rows: rowKeys(rows)})
	return nil
}

func (tx *transaction) insertRows(ref domain.TemplateRef, cols []domain.Column, rows []domain.Row) error {
	if len(rows) == 0 {
		return nil
	}
	existing, err := tx.RowKeys(ref)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		have[k] = struct{}{}
	}
	var dups []string
	for _, r := range rows {
		if _, ok := have[r.Key]; ok {
			dups = append(dups, r.Key)
		}
	}
	if len(dups) > 0 {
		return domain.NewDuplicateSamplesError(dups...)
	}

	names := make([]string, len(cols)+1)
	names[0] = keyColumn
	for i, c := range cols {
		names[i+1] = QuoteIdent(c.Name)
	}
	stmt, err := tx.tx.PrepareContext(tx.ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		QuoteIdent(ref.TableName()), strings.Join(names, ", "), tx.phList(1, len(names))))
	if err != nil {
		return fmt.Errorf("%s: prepare insert: %w", tx.d.Name(), err)
	}
	defer func() { _ = stmt.Close() }()
	args := make([]any, len(names))
	for _, r := range rows {
		args[0] = r.Key
		for i, c := range cols {
			args[i+1] = nullable(r.Get(c.Name))
		}
		if _, err := stmt.ExecContext(tx.ctx, args...); err != nil {
			return fmt.Errorf("%s: insert row %s: %w", tx.d.Name(), r.Key, err)
		}
	}
	return nil
}

func (tx *transaction) rowExists(ref domain.TemplateRef, key string) (bool, error) {
	var one int
	err := tx.tx.QueryRowContext(tx.ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = %s`,
		QuoteIdent(ref.TableName()), keyColumn, tx.ph(1)), key).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	return err == nil, err
}

func (tx *transaction) UpdateCells(ref domain.TemplateRef, key string, values map[string]domain.Value) error {
	cols, err := tx.Columns(ref)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		known[c.Name] = struct{}{}
	}
	ok, err := tx.rowExists(ref, key)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewUnknownIDError("sample", key)
	}
	names := make([]string, 0, len(values))
	for c := range values {
		if _, ok := known[c]; !ok {
			return domain.NewUnknownIDError("column", c)
		}
		names = append(names, c)
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	sets := make([]string, len(names))
	args := make([]any, 0, len(names)+1)
	for i, c := range names {
		sets[i] = fmt.Sprintf("%s = %s", QuoteIdent(c), tx.ph(i+1))
		args = append(args, nullable(values[c]))
	}
	args = append(args, key)
	if err := tx.exec(fmt.Sprintf(`UPDATE %s SET %s WHERE %s = %s`, QuoteIdent(ref.TableName()),
		strings.Join(sets, ", "), keyColumn, tx.ph(len(names)+1)), args...); err != nil {
		return err
	}
	if err := tx.touch(ref); err != nil {
		return err
	}
	tx.record(domain.Change{Ref: ref, Action: domain.ActionUpdate, Rows: []string{key}, Columns: names})
	return nil
}

func (tx *transaction) DropColumn(ref domain.TemplateRef, name string) error {
	cols, err := tx.Columns(ref)
	if err != nil {
		return err
	}
	found := false
	for _, c := range cols {
		found = found || c.Name == name
	}
	if !found {
		return domain.NewUnknownIDError("column", name)
	}
	if err := tx.exec(fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, QuoteIdent(ref.TableName()), QuoteIdent(name))); err != nil {
		return err
	}
	if err := tx.exec(fmt.Sprintf(`DELETE FROM template_columns WHERE kind = %s AND template_id = %s AND column_name = %s`,
		tx.ph(1), tx.ph(2), tx.ph(3)), string(ref.Kind), ref.ID, name); err != nil {
		return err
	}
	if err := tx.touch(ref); err != nil {
		return err
	}
	tx.record(domain.Change{Ref: ref, Action: domain.ActionDropColumn, Columns: []string{name}})
	return nil
}

func (tx *transaction) DeleteRows(ref domain.TemplateRef, keys []string) error {
	existing, err := tx.RowKeys(ref)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		have[k] = struct{}{}
	}
	var missing []string
	for _, k := range keys {
		if _, ok := have[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return domain.NewUnknownIDError("sample", missing...)
	}
	for _, k := range keys {
		if err := tx.exec(fmt.Sprintf(`DELETE FROM %s WHERE %s = %s`, QuoteIdent(ref.TableName()), keyColumn, tx.ph(1)), k); err != nil {
			return err
		}
		if err := tx.exec(fmt.Sprintf(`DELETE FROM template_accessions WHERE kind = %s AND template_id = %s AND sample_id = %s`,
			tx.ph(1), tx.ph(2), tx.ph(3)), string(ref.Kind), ref.ID, k); err != nil {
			return err
		}
	}
	if err := tx.touch(ref); err != nil {
		return err
	}
	tx.record(domain.Change{Ref: ref, Action: domain.ActionDeleteRows, Rows: append([]string(nil), keys...)})
	return nil
}

func (tx *transaction) DropTemplate(ref domain.TemplateRef) error {
	if _, err := tx.mustExist(ref); err != nil {
		return err
	}
	if err := tx.exec(fmt.Sprintf(`DROP TABLE %s`, QuoteIdent(ref.TableName()))); err != nil {
		return err
	}
	if err := tx.exec(fmt.Sprintf(`DELETE FROM metadata_templates WHERE kind = %s AND id = %s`, tx.ph(1), tx.ph(2)),
		string(ref.Kind), ref.ID); err != nil {
		return err
	}
	for _, table := range []string{"template_columns", "template_accessions", "template_filepaths"} {
		if err := tx.exec(fmt.Sprintf(`DELETE FROM %s WHERE kind = %s AND template_id = %s`, table, tx.ph(1), tx.ph(2)),
			string(ref.Kind), ref.ID); err != nil {
			return err
		}
	}
	tx.record(domain.Change{Ref: ref, Action: domain.ActionDelete})
	return nil
}

func (tx *transaction) SetAccessions(ref domain.TemplateRef, kind domain.AccessionKind, values map[string]string) error {
	existing, err := tx.RowKeys(ref)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		have[k] = struct{}{}
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if _, ok := have[k]; !ok {
			return domain.NewUnknownIDError("sample", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		err := tx.exec(fmt.Sprintf(
			`INSERT INTO template_accessions (kind, template_id, accession_kind, sample_id, accession) VALUES (%s)
			ON CONFLICT (kind, template_id, accession_kind, sample_id) DO UPDATE SET accession = excluded.accession`,
			tx.phList(1, 5)), string(ref.Kind), ref.ID, string(kind), k, values[k])
		if err != nil {
			return err
		}
	}
	if err := tx.touch(ref); err != nil {
		return err
	}
	tx.record(domain.Change{Ref: ref, Action: domain.ActionAccession, Rows: keys, Columns: []string{string(kind)}})
	return nil
}

func (tx *transaction) AddFilepath(fp domain.Filepath) (domain.Filepath, error) {
	if _, err := tx.mustExist(fp.Ref); err != nil {
		return domain.Filepath{}, err
	}
	fp.CreatedAt = tx.now
	err := tx.tx.QueryRowContext(tx.ctx, fmt.Sprintf(
		`INSERT INTO template_filepaths (kind, template_id, blob_key, file_kind, created_at) VALUES (%s) RETURNING id`,
		tx.phList(1, 5)), string(fp.Ref.Kind), fp.Ref.ID, fp.Key, string(fp.Kind), formatTime(fp.CreatedAt)).Scan(&fp.ID)
	if err != nil {
		return domain.Filepath{}, fmt.Errorf("%s: insert filepath: %w", tx.d.Name(), err)
	}
	return fp, nil
}

func nullable(v domain.Value) any {
	if v.IsNull() {
		return nil
	}
	return v.Text()
}

func rowKeys(rows []domain.Row) []string {
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	return keys
}

func columnNames(columns []domain.Column) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return names
}
