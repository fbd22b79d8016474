package core

import (
	"context"
	"strings"

	"metacore/pkg/domain"
)

// CheckRestrictions returns the required categories the template lacks for
// the given restriction tags, or for its own restrictions when tags is empty.
func (s *Service) CheckRestrictions(ctx context.Context, ref domain.TemplateRef, tags []string) ([]string, error) {
	var (
		info    domain.TemplateInfo
		columns []domain.Column
	)
	err := s.store.View(ctx, func(v TransactionView) error {
		found, ok, err := v.FindTemplate(ref)
		if err != nil {
			return err
		}
		if !ok {
			return domain.UnknownTemplate(ref)
		}
		info = found
		columns, err = v.Columns(ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		tags = info.Restrictions
	}
	return s.registry.MissingColumns(tags, columnNamesOf(columns)), nil
}

// MetadataHeaders lists every category used by templates of the kind.
func (s *Service) MetadataHeaders(ctx context.Context, kind domain.TemplateKind) ([]string, error) {
	var out []string
	err := s.store.View(ctx, func(v TransactionView) error {
		var err error
		out, err = v.Headers(kind)
		return err
	})
	return out, err
}

// Categories returns the typed categories of the template in stored order.
func (s *Service) Categories(ctx context.Context, ref domain.TemplateRef) ([]domain.Column, error) {
	var out []domain.Column
	err := s.store.View(ctx, func(v TransactionView) error {
		var err error
		out, err = v.Columns(ref)
		return err
	})
	return out, err
}

// GetCategory returns one category keyed by row.
func (s *Service) GetCategory(ctx context.Context, ref domain.TemplateRef, category string) (map[string]domain.Value, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	var out map[string]domain.Value
	err := s.store.View(ctx, func(v TransactionView) error {
		_, _, table, err := v.LoadTemplate(ref)
		if err != nil {
			return err
		}
		if !table.HasColumn(category) {
			return domain.NewColumnError("category does not exist in "+ref.String(), category)
		}
		out = make(map[string]domain.Value, table.Len())
		for _, r := range table.Rows {
			out[r.Key] = r.Get(category)
		}
		return nil
	})
	return out, err
}

// Filepaths lists the archived exports of the template, newest first.
func (s *Service) Filepaths(ctx context.Context, ref domain.TemplateRef) ([]domain.Filepath, error) {
	var out []domain.Filepath
	err := s.store.View(ctx, func(v TransactionView) error {
		if _, ok, err := v.FindTemplate(ref); err != nil {
			return err
		} else if !ok {
			return domain.UnknownTemplate(ref)
		}
		var err error
		out, err = v.Filepaths(ref)
		return err
	})
	return out, err
}
