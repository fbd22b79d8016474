package core

import (
	"context"
	"fmt"
	"strings"

	"metacore/internal/identity"
	"metacore/internal/registry"
	"metacore/internal/validation"
	"metacore/pkg/domain"
)

const ruleTemplateMerge = "template_merge"

type mergeMode uint8

const (
	mergeExtend mergeMode = 1 << iota
	mergeUpdate
)

// Extend adds the rows and categories of raw that the template lacks. Values
// of existing cells are never overwritten; the ignored portions are reported
// as warnings.
func (s *Service) Extend(ctx context.Context, ref domain.TemplateRef, raw domain.Table) (Result, error) {
	return s.merge(ctx, opExtend, ref, raw, mergeExtend)
}

// Update overwrites the cells that raw shares with the template. Rows and
// categories the template lacks are ignored with a warning.
func (s *Service) Update(ctx context.Context, ref domain.TemplateRef, raw domain.Table) (Result, error) {
	return s.merge(ctx, opUpdate, ref, raw, mergeUpdate)
}

// ExtendAndUpdate applies Extend and Update in a single transaction.
func (s *Service) ExtendAndUpdate(ctx context.Context, ref domain.TemplateRef, raw domain.Table) (Result, error) {
	return s.merge(ctx, opExtendAndUpdate, ref, raw, mergeExtend|mergeUpdate)
}

// mergePlan is the difference between a stored template and an input table.
type mergePlan struct {
	newColumns   []domain.Column
	newRows      []domain.Row
	existingRows []string
	// fill holds the values of new categories for rows already stored.
	fill map[string]map[string]domain.Value
	// changed holds differing cells of stored rows and categories.
	changed map[string]map[string]domain.Value
}

func planMerge(columns []domain.Column, current domain.Table, input validation.Cleaned) mergePlan {
	types := make(map[string]domain.ColumnType, len(columns))
	for _, c := range columns {
		types[c.Name] = c.Type
	}
	plan := mergePlan{
		fill:    make(map[string]map[string]domain.Value),
		changed: make(map[string]map[string]domain.Value),
	}
	for _, c := range input.Columns {
		if _, ok := types[c.Name]; !ok {
			plan.newColumns = append(plan.newColumns, c)
		}
	}
	stored := current.Index()
	for _, r := range input.Table.Rows {
		old, ok := stored[r.Key]
		if !ok {
			plan.newRows = append(plan.newRows, r)
			continue
		}
		plan.existingRows = append(plan.existingRows, r.Key)
		for _, c := range input.Table.Columns {
			v := r.Get(c)
			if _, known := types[c]; !known {
				if !v.IsNull() {
					setCell(plan.fill, r.Key, c, v)
				}
				continue
			}
			if !old.Get(c).Equal(v) {
				setCell(plan.changed, r.Key, c, v)
			}
		}
	}
	return plan
}

func setCell(cells map[string]map[string]domain.Value, key, column string, v domain.Value) {
	row, ok := cells[key]
	if !ok {
		row = make(map[string]domain.Value)
		cells[key] = row
	}
	row[column] = v
}

func cellColumns(cells map[string]map[string]domain.Value) []string {
	set := make(map[string]struct{})
	for _, row := range cells {
		for c := range row {
			set[c] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// typeMismatches returns the stored categories whose type rejects one of the
// values written to them.
func typeMismatches(columns []domain.Column, rows []domain.Row, cells map[string]map[string]domain.Value) []string {
	bad := make(map[string]struct{})
	check := func(values map[string]domain.Value) {
		for _, c := range columns {
			if v, ok := values[c.Name]; ok && !c.Type.Accepts(v) {
				bad[c.Name] = struct{}{}
			}
		}
	}
	for _, r := range rows {
		check(r.Values)
	}
	for _, values := range cells {
		check(values)
	}
	return sortedKeys(bad)
}

func (s *Service) merge(ctx context.Context, op string, ref domain.TemplateRef, raw domain.Table, mode mergeMode) (Result, error) {
	return s.observe(ctx, op, &ref, func(ctx context.Context) (Result, error) {
		info, err := s.findInfo(ctx, ref)
		if err != nil {
			return Result{}, err
		}
		cleaned, err := validation.CleanAndValidate(raw, info.StudyID)
		if err != nil {
			return Result{}, err
		}
		artifacts, err := s.artifactCount(ctx, ref)
		if err != nil {
			return Result{}, err
		}
		sets := s.registry.Sets(info.Restrictions)

		var (
			res     Result
			changed bool
		)
		txRes, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			res, changed = cleaned.Result, false
			if mode&mergeExtend == 0 {
				// update only matches stored rows, whose keys always carry the prefix
				res = res.Without(identity.PrefixRule)
			}
			if err := tx.LockTemplate(ref); err != nil {
				return err
			}
			_, columns, current, err := tx.LoadTemplate(ref)
			if err != nil {
				return err
			}
			plan := planMerge(columns, current, cleaned)
			if mode&mergeExtend == 0 {
				plan.fill = nil
				if len(plan.newRows) > 0 {
					res.Warn(ruleTemplateMerge, ref, "The following samples do not exist in the template and will be ignored: %s",
						strings.Join(rowKeysOf(plan.newRows), ", "))
				}
				if len(plan.newColumns) > 0 {
					res.Warn(ruleTemplateMerge, ref, "The following columns do not exist in the template and will be ignored: %s",
						strings.Join(columnNamesOf(plan.newColumns), ", "))
				}
				plan.newRows, plan.newColumns = nil, nil
			}
			if mode&mergeUpdate == 0 {
				plan.changed = nil
				if len(plan.existingRows) > 0 {
					msg := "The following samples already exist and will be ignored: %s"
					if len(plan.fill) > 0 {
						msg = "The following samples already exist, only their new columns were added: %s"
					}
					res.Warn(ruleTemplateMerge, ref, msg, strings.Join(plan.existingRows, ", "))
				}
			}

			if bad := typeMismatches(columns, plan.newRows, plan.changed); len(bad) > 0 {
				return domain.NewColumnError("values do not match the column type", bad...)
			}
			if artifacts > 0 {
				if len(plan.newRows) > 0 {
					return domain.ErrNotPermitted.New("%s", extendRefusal(artifacts))
				}
				if locked := restrictedColumns(sets, cellColumns(plan.changed)); len(locked) > 0 {
					return domain.ErrNotPermitted.New("Processed data have been already generated, these columns cannot be updated: %s",
						strings.Join(locked, ", "))
				}
			}

			if len(plan.newColumns) > 0 {
				if err := tx.AddColumns(ref, plan.newColumns); err != nil {
					return err
				}
				changed = true
			}
			for _, key := range sortedKeys(plan.fill) {
				if err := tx.UpdateCells(ref, key, plan.fill[key]); err != nil {
					return err
				}
				changed = true
			}
			if len(plan.newRows) > 0 {
				if err := tx.InsertRows(ref, plan.newRows); err != nil {
					return err
				}
				changed = true
			}
			for _, key := range sortedKeys(plan.changed) {
				if err := tx.UpdateCells(ref, key, plan.changed[key]); err != nil {
					return err
				}
				changed = true
			}
			if !changed {
				return nil
			}

			res.Merge(validation.ValueShapeWarning(writtenCells(plan), sets))
			if mode&mergeExtend != 0 && len(plan.newColumns) > 0 {
				names := columnNamesOf(columns)
				names = append(names, columnNamesOf(plan.newColumns)...)
				res.Merge(validation.MissingColumnsWarning(names, sets))
			}
			return nil
		})
		res.Merge(txRes)
		if err != nil {
			return res, err
		}
		if changed {
			res.Merge(s.archive(ctx, ref))
		}
		return res, nil
	})
}

// writtenCells gathers every cell a merge wrote into one table.
func writtenCells(plan mergePlan) domain.Table {
	cols := make(map[string]struct{})
	for _, c := range plan.newColumns {
		cols[c.Name] = struct{}{}
	}
	for _, r := range plan.newRows {
		for c := range r.Values {
			cols[c] = struct{}{}
		}
	}
	for _, c := range cellColumns(plan.changed) {
		cols[c] = struct{}{}
	}
	t := domain.NewTable(sortedKeys(cols)...)
	for _, r := range plan.newRows {
		t.AddRow(r.Key, r.Values)
	}
	for _, cells := range []map[string]map[string]domain.Value{plan.fill, plan.changed} {
		for _, key := range sortedKeys(cells) {
			t.AddRow(key, cells[key])
		}
	}
	return t
}

func extendRefusal(artifacts int) string {
	return fmt.Sprintf("Processed data have been already generated (%d artifacts). No new samples can be added to the prep template.", artifacts)
}

// restrictedColumns returns the members of columns required by any set.
func restrictedColumns(sets []registry.RestrictionSet, columns []string) []string {
	var out []string
	for _, c := range columns {
		for _, set := range sets {
			if _, ok := set.Column(c); ok {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func rowKeysOf(rows []domain.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key
	}
	return out
}

func columnNamesOf(columns []domain.Column) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Name
	}
	return out
}

// CanBeExtended reports whether rows and categories may be added to the
// template. Categories can always be added; samples cannot once a prep has
// processed data.
func (s *Service) CanBeExtended(ctx context.Context, ref domain.TemplateRef, newRows, newColumns []string) (bool, string, error) {
	if len(newRows) == 0 {
		return true, "", nil
	}
	artifacts, err := s.artifactCount(ctx, ref)
	if err != nil {
		return false, "", err
	}
	if artifacts == 0 {
		return true, "", nil
	}
	return false, extendRefusal(artifacts), nil
}

// CanBeUpdated reports whether the categories may be overwritten. Restricted
// categories of a prep with processed data are frozen.
func (s *Service) CanBeUpdated(ctx context.Context, ref domain.TemplateRef, columns []string) (bool, error) {
	processed, err := s.hasArtifacts(ctx, ref)
	if err != nil {
		return false, err
	}
	if !processed {
		return true, nil
	}
	info, err := s.findInfo(ctx, ref)
	if err != nil {
		return false, err
	}
	lower := make([]string, len(columns))
	for i, c := range columns {
		lower[i] = strings.ToLower(c)
	}
	return len(restrictedColumns(s.registry.Sets(info.Restrictions), lower)) == 0, nil
}

// DeleteColumn drops a category. Categories that complete a restriction set
// attached to the template are kept.
func (s *Service) DeleteColumn(ctx context.Context, ref domain.TemplateRef, name string) (Result, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	return s.observe(ctx, opDeleteColumn, &ref, func(ctx context.Context) (Result, error) {
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			if err := tx.LockTemplate(ref); err != nil {
				return err
			}
			info, _, err := tx.FindTemplate(ref)
			if err != nil {
				return err
			}
			columns, err := tx.Columns(ref)
			if err != nil {
				return err
			}
			names := columnNamesOf(columns)
			found := false
			for _, n := range names {
				found = found || n == name
			}
			if !found {
				return domain.NewColumnError("column does not exist in "+ref.String(), name)
			}
			for _, set := range s.registry.Sets(info.Restrictions) {
				if _, required := set.Column(name); required && set.Satisfied(names) {
					return domain.ErrNotPermitted.New("%s is required by the %s restrictions (%s)", name, set.Tag, set.ErrorMsg)
				}
			}
			return tx.DropColumn(ref, name)
		})
		if err != nil {
			return res, err
		}
		res.Merge(s.archive(ctx, ref))
		return res, nil
	})
}

// DeleteSamples removes rows and their accessions. A template can never be
// emptied this way.
func (s *Service) DeleteSamples(ctx context.Context, ref domain.TemplateRef, keys []string) (Result, error) {
	return s.observe(ctx, opDeleteSamples, &ref, func(ctx context.Context) (Result, error) {
		if len(keys) == 0 {
			return Result{}, domain.ErrValidation.New("no samples to delete from %s", ref)
		}
		processed, err := s.hasArtifacts(ctx, ref)
		if err != nil {
			return Result{}, err
		}
		if processed {
			return Result{}, domain.ErrNotPermitted.New("Cannot delete samples from %s because processed data have been already generated", ref)
		}
		requested := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			requested[k] = struct{}{}
		}
		unique := sortedKeys(requested)

		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			if err := tx.LockTemplate(ref); err != nil {
				return err
			}
			stored, err := tx.RowKeys(ref)
			if err != nil {
				return err
			}
			have := make(map[string]struct{}, len(stored))
			for _, k := range stored {
				have[k] = struct{}{}
			}
			var missing []string
			for _, k := range unique {
				if _, ok := have[k]; !ok {
					missing = append(missing, k)
				}
			}
			if len(missing) > 0 {
				return domain.NewUnknownIDError("sample", missing...)
			}
			if len(unique) == len(stored) {
				return domain.ErrNotPermitted.New("deleting all %d samples would leave %s empty", len(stored), ref)
			}
			return tx.DeleteRows(ref, unique)
		})
		if err != nil {
			return res, err
		}
		res.Merge(s.archive(ctx, ref))
		return res, nil
	})
}

// UpdateCategory overwrites one category for the given rows.
func (s *Service) UpdateCategory(ctx context.Context, ref domain.TemplateRef, category string, values map[string]domain.Value) (Result, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	return s.observe(ctx, opUpdateCategory, &ref, func(ctx context.Context) (Result, error) {
		processed, err := s.hasArtifacts(ctx, ref)
		if err != nil {
			return Result{}, err
		}
		var (
			res     Result
			changed bool
		)
		txRes, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			res, changed = Result{}, false
			if err := tx.LockTemplate(ref); err != nil {
				return err
			}
			info, columns, current, err := tx.LoadTemplate(ref)
			if err != nil {
				return err
			}
			var column *domain.Column
			for i := range columns {
				if columns[i].Name == category {
					column = &columns[i]
				}
			}
			if column == nil {
				return domain.NewColumnError("category does not exist in "+ref.String(), category)
			}
			stored := current.Index()
			var missing, mismatched []string
			for key, v := range values {
				if _, ok := stored[key]; !ok {
					missing = append(missing, key)
				} else if !column.Type.Accepts(v) {
					mismatched = append(mismatched, key)
				}
			}
			if len(missing) > 0 {
				return domain.NewUnknownIDError("sample", missing...)
			}
			if len(mismatched) > 0 {
				return domain.NewColumnError(fmt.Sprintf("values of %s do not match the column type for samples", category), mismatched...)
			}
			sets := s.registry.Sets(info.Restrictions)
			if processed && len(restrictedColumns(sets, []string{category})) > 0 {
				return domain.ErrNotPermitted.New("Processed data have been already generated, these columns cannot be updated: %s", category)
			}

			written := domain.NewTable(category)
			for _, key := range sortedKeys(values) {
				v := values[key]
				if stored[key].Get(category).Equal(v) {
					continue
				}
				if err := tx.UpdateCells(ref, key, map[string]domain.Value{category: v}); err != nil {
					return err
				}
				written.AddRow(key, map[string]domain.Value{category: v})
				changed = true
			}
			res.Merge(validation.ValueShapeWarning(written, sets))
			return nil
		})
		res.Merge(txRes)
		if err != nil {
			return res, err
		}
		if changed {
			res.Merge(s.archive(ctx, ref))
		}
		return res, nil
	})
}
