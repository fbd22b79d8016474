// Package memory provides an in-memory implementation of the template
// persistence store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"metacore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type templateState struct {
	info       domain.TemplateInfo
	columns    []domain.Column
	rows       map[string]map[string]domain.Value
	accessions map[domain.AccessionKind]map[string]string
}

func (t *templateState) clone() *templateState {
	cp := &templateState{
		info:       t.info,
		columns:    append([]domain.Column(nil), t.columns...),
		rows:       make(map[string]map[string]domain.Value, len(t.rows)),
		accessions: make(map[domain.AccessionKind]map[string]string, len(t.accessions)),
	}
	cp.info.Restrictions = append([]string(nil), t.info.Restrictions...)
	for k, values := range t.rows {
		row := make(map[string]domain.Value, len(values))
		for c, v := range values {
			row[c] = v
		}
		cp.rows[k] = row
	}
	for kind, m := range t.accessions {
		inner := make(map[string]string, len(m))
		for k, v := range m {
			inner[k] = v
		}
		cp.accessions[kind] = inner
	}
	return cp
}

func (t *templateState) hasColumn(name string) bool {
	for _, c := range t.columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

type memoryState struct {
	templates  map[domain.TemplateRef]*templateState
	filepaths  []domain.Filepath
	lastPrepID int64
	lastFileID int64
}

func newMemoryState() memoryState {
	return memoryState{templates: make(map[domain.TemplateRef]*templateState)}
}

func (s memoryState) clone() memoryState {
	cp := memoryState{
		templates:  make(map[domain.TemplateRef]*templateState, len(s.templates)),
		filepaths:  append([]domain.Filepath(nil), s.filepaths...),
		lastPrepID: s.lastPrepID,
		lastFileID: s.lastFileID,
	}
	for ref, t := range s.templates {
		cp.templates[ref] = t.clone()
	}
	return cp
}

// Store provides an in-memory transactional store for metadata templates.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// SetNowFunc overrides the clock used to stamp transactions.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// RunInTransaction executes fn within a transactional copy of the store
// state. Transactions are serialized, so LockTemplate is a no-op here.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		view: view{state: s.state.clone()},
		now:  s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, tx.view, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(view{state: snapshot})
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

type view struct {
	state memoryState
}

func (v view) template(ref domain.TemplateRef) (*templateState, error) {
	t, ok := v.state.templates[ref]
	if !ok {
		return nil, domain.UnknownTemplate(ref)
	}
	return t, nil
}

func (v view) FindTemplate(ref domain.TemplateRef) (domain.TemplateInfo, bool, error) {
	t, ok := v.state.templates[ref]
	if !ok {
		return domain.TemplateInfo{}, false, nil
	}
	return t.clone().info, true, nil
}

func (v view) ListTemplates(studyID int64) ([]domain.TemplateInfo, error) {
	var out []domain.TemplateInfo
	for _, t := range v.state.templates {
		if t.info.StudyID == studyID {
			out = append(out, t.clone().info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref.Kind != out[j].Ref.Kind {
			return out[i].Ref.Kind > out[j].Ref.Kind
		}
		return out[i].Ref.ID < out[j].Ref.ID
	})
	return out, nil
}

func (v view) RowKeys(ref domain.TemplateRef) ([]string, error) {
	t, err := v.template(ref)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (v view) LoadTemplate(ref domain.TemplateRef) (domain.TemplateInfo, []domain.Column, domain.Table, error) {
	t, err := v.template(ref)
	if err != nil {
		return domain.TemplateInfo{}, nil, domain.Table{}, err
	}
	cp := t.clone()
	names := make([]string, len(cp.columns))
	for i, c := range cp.columns {
		names[i] = c.Name
	}
	table := domain.NewTable(names...)
	for key, values := range cp.rows {
		table.AddRow(key, values)
	}
	table.SortRows()
	return cp.info, cp.columns, table, nil
}

func (v view) Columns(ref domain.TemplateRef) ([]domain.Column, error) {
	t, err := v.template(ref)
	if err != nil {
		return nil, err
	}
	return append([]domain.Column(nil), t.columns...), nil
}

func (v view) Headers(kind domain.TemplateKind) ([]string, error) {
	seen := make(map[string]struct{})
	for ref, t := range v.state.templates {
		if ref.Kind != kind {
			continue
		}
		for _, c := range t.columns {
			seen[c.Name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (v view) Accessions(ref domain.TemplateRef, kind domain.AccessionKind) (map[string]string, error) {
	t, err := v.template(ref)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(t.accessions[kind]))
	for k, acc := range t.accessions[kind] {
		out[k] = acc
	}
	return out, nil
}

func (v view) Filepaths(ref domain.TemplateRef) ([]domain.Filepath, error) {
	var out []domain.Filepath
	for _, fp := range v.state.filepaths {
		if fp.Ref == ref {
			out = append(out, fp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// transaction mutates a private copy of the state and records every change
// for rule evaluation.
type transaction struct {
	view
	changes []domain.Change
	now     time.Time
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) touch(t *templateState) {
	t.info.UpdatedAt = tx.now
}

func (tx *transaction) Now() time.Time { return tx.now }

func (tx *transaction) LockTemplate(domain.TemplateRef) error { return nil }

func (tx *transaction) NextPrepID() (int64, error) {
	tx.state.lastPrepID++
	return tx.state.lastPrepID, nil
}

func (tx *transaction) CreateTemplate(info domain.TemplateInfo, columns []domain.Column, rows []domain.Row) error {
	if !info.Ref.Valid() {
		return fmt.Errorf("invalid template reference %+v", info.Ref)
	}
	if _, exists := tx.state.templates[info.Ref]; exists {
		return domain.ErrDuplicate.New("%s already exists", info.Ref)
	}
	info.CreatedAt, info.UpdatedAt = tx.now, tx.now
	t := &templateState{
		info:       info,
		columns:    append([]domain.Column(nil), columns...),
		rows:       make(map[string]map[string]domain.Value, len(rows)),
		accessions: make(map[domain.AccessionKind]map[string]string),
	}
	t.info.Restrictions = append([]string(nil), info.Restrictions...)
	if err := insertRows(t, rows); err != nil {
		return err
	}
	tx.state.templates[info.Ref] = t
	tx.recordChange(domain.Change{Ref: info.Ref, Action: domain.ActionCreate, Rows: rowKeys(rows), Columns: columnNames(columns)})
	return nil
}

func (tx *transaction) AddColumns(ref domain.TemplateRef, columns []domain.Column) error {
	t, err := tx.template(ref)
	if err != nil {
		return err
	}
	for _, c := range columns {
		if t.hasColumn(c.Name) {
			return domain.ErrDuplicate.New("column %s already exists in %s", c.Name, ref)
		}
		t.columns = append(t.columns, c)
	}
	tx.touch(t)
	tx.recordChange(domain.Change{Ref: ref, Action: domain.ActionExtend, Columns: columnNames(columns)})
	return nil
}

func (tx *transaction) InsertRows(ref domain.TemplateRef, rows []domain.Row) error {
	t, err := tx.template(ref)
	if err != nil {
		return err
	}
	if err := insertRows(t, rows); err != nil {
		return err
	}
	tx.touch(t)
	tx.recordChange(domain.Change{Ref: ref, Action: domain.ActionExtend, Rows: rowKeys(rows)})
	return nil
}

func (tx *transaction) UpdateCells(ref domain.TemplateRef, key string, values map[string]domain.Value) error {
	t, err := tx.template(ref)
	if err != nil {
		return err
	}
	row, ok := t.rows[key]
	if !ok {
		return domain.NewUnknownIDError("sample", key)
	}
	cols := make([]string, 0, len(values))
	for c, v := range values {
		if !t.hasColumn(c) {
			return domain.NewUnknownIDError("column", c)
		}
		row[c] = v
		cols = append(cols, c)
	}
	sort.Strings(cols)
	tx.touch(t)
	tx.recordChange(domain.Change{Ref: ref, Action: domain.ActionUpdate, Rows: []string{key}, Columns: cols})
	return nil
}

func (tx *transaction) DropColumn(ref domain.TemplateRef, name string) error {
	t, err := tx.template(ref)
	if err != nil {
		return err
	}
	idx := -1
	for i, c := range t.columns {
		if c.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.NewUnknownIDError("column", name)
	}
	t.columns = append(t.columns[:idx], t.columns[idx+1:]...)
	for _, row := range t.rows {
		delete(row, name)
	}
	tx.touch(t)
	tx.recordChange(domain.Change{Ref: ref, Action: domain.ActionDropColumn, Columns: []string{name}})
	return nil
}

func (tx *transaction) DeleteRows(ref domain.TemplateRef, keys []string) error {
	t, err := tx.template(ref)
	if err != nil {
		return err
	}
	var missing []string
	for _, k := range keys {
		if _, ok := t.rows[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return domain.NewUnknownIDError("sample", missing...)
	}
	for _, k := range keys {
		delete(t.rows, k)
		for _, m := range t.accessions {
			delete(m, k)
		}
	}
	tx.touch(t)
	tx.recordChange(domain.Change{Ref: ref, Action: domain.ActionDeleteRows, Rows: append([]string(nil), keys...)})
	return nil
}

func (tx *transaction) DropTemplate(ref domain.TemplateRef) error {
	if _, err := tx.template(ref); err != nil {
		return err
	}
	delete(tx.state.templates, ref)
	kept := tx.state.filepaths[:0]
	for _, fp := range tx.state.filepaths {
		if fp.Ref != ref {
			kept = append(kept, fp)
		}
	}
	tx.state.filepaths = kept
	tx.recordChange(domain.Change{Ref: ref, Action: domain.ActionDelete})
	return nil
}

func (tx *transaction) SetAccessions(ref domain.TemplateRef, kind domain.AccessionKind, values map[string]string) error {
	t, err := tx.template(ref)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if _, ok := t.rows[k]; !ok {
			return domain.NewUnknownIDError("sample", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	m := t.accessions[kind]
	if m == nil {
		m = make(map[string]string, len(values))
		t.accessions[kind] = m
	}
	for k, acc := range values {
		m[k] = acc
	}
	tx.touch(t)
	tx.recordChange(domain.Change{Ref: ref, Action: domain.ActionAccession, Rows: keys, Columns: []string{string(kind)}})
	return nil
}

func (tx *transaction) AddFilepath(fp domain.Filepath) (domain.Filepath, error) {
	if _, err := tx.template(fp.Ref); err != nil {
		return domain.Filepath{}, err
	}
	tx.state.lastFileID++
	fp.ID = tx.state.lastFileID
	fp.CreatedAt = tx.now
	tx.state.filepaths = append(tx.state.filepaths, fp)
	return fp, nil
}

func insertRows(t *templateState, rows []domain.Row) error {
	var dups []string
	for _, r := range rows {
		if _, exists := t.rows[r.Key]; exists {
			dups = append(dups, r.Key)
		}
	}
	if len(dups) > 0 {
		return domain.NewDuplicateSamplesError(dups...)
	}
	for _, r := range rows {
		values := make(map[string]domain.Value, len(t.columns))
		for _, c := range t.columns {
			values[c.Name] = r.Get(c.Name)
		}
		t.rows[r.Key] = values
	}
	return nil
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
