package core

import (
	"context"
	"fmt"
	"strings"

	"metacore/internal/validation"
	"metacore/pkg/domain"
)

// CreateSampleTemplate validates raw and stores it as the sample template of
// the study. Missing restriction columns and malformed restricted values are
// returned as warnings.
func (s *Service) CreateSampleTemplate(ctx context.Context, studyID int64, raw domain.Table) (domain.Template, Result, error) {
	ref := domain.SampleTemplate(studyID)
	var created domain.Template
	res, err := s.observe(ctx, opCreateSample, &ref, func(ctx context.Context) (Result, error) {
		if studyID <= 0 {
			return Result{}, domain.ErrValidation.New("study id must be positive, got %d", studyID)
		}
		tags := s.registry.TagsFor(domain.KindSample, "")
		cleaned, err := validation.CleanAndValidate(raw, studyID, s.registry.Sets(tags)...)
		if err != nil {
			return Result{}, err
		}
		res := cleaned.Result
		if cleaned.Table.Len() == 0 {
			return res, domain.ErrValidation.New("%s has no samples", ref)
		}

		txRes, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			if _, exists, err := tx.FindTemplate(ref); err != nil {
				return err
			} else if exists {
				return domain.ErrDuplicate.New("%s already exists", ref)
			}
			info := domain.TemplateInfo{Ref: ref, StudyID: studyID, Restrictions: tags}
			return tx.CreateTemplate(info, cleaned.Columns, cleaned.Table.Rows)
		})
		res.Merge(txRes)
		if err != nil {
			return res, err
		}
		res.Merge(s.archive(ctx, ref))
		created, err = s.Get(ctx, ref)
		return res, err
	})
	return created, res, err
}

// CreatePrepTemplate stores raw as a new prep template of the study. Every
// prep row must already exist in the study's sample template.
func (s *Service) CreatePrepTemplate(ctx context.Context, studyID int64, raw domain.Table, dataType, investigationType string) (domain.Template, Result, error) {
	ref := domain.TemplateRef{Kind: domain.KindPrep}
	var created domain.Template
	res, err := s.observe(ctx, opCreatePrep, &ref, func(ctx context.Context) (Result, error) {
		if !s.registry.ValidDataType(dataType) {
			return Result{}, domain.ErrValidation.New("data type %q is not recognized, choose from: %s",
				dataType, strings.Join(s.registry.DataTypes(), ", "))
		}
		if investigationType != "" && !s.registry.ValidInvestigationType(investigationType) {
			return Result{}, domain.ErrValidation.New("'%s' is Not a valid investigation_type. Choose from: %s",
				investigationType, strings.Join(s.registry.InvestigationTypes(), ", "))
		}
		tags := s.registry.TagsFor(domain.KindPrep, dataType)
		cleaned, err := validation.CleanAndValidate(raw, studyID, s.registry.Sets(tags)...)
		if err != nil {
			return Result{}, err
		}
		res := cleaned.Result
		if cleaned.Table.Len() == 0 {
			return res, domain.ErrValidation.New("prep template for study %d has no samples", studyID)
		}

		sampleRef := domain.SampleTemplate(studyID)
		txRes, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			if _, exists, err := tx.FindTemplate(sampleRef); err != nil {
				return err
			} else if !exists {
				return domain.UnknownTemplate(sampleRef)
			}
			if err := tx.LockTemplate(sampleRef); err != nil {
				return err
			}
			id, err := tx.NextPrepID()
			if err != nil {
				return err
			}
			ref = domain.PrepTemplate(id)
			info := domain.TemplateInfo{
				Ref:               ref,
				StudyID:           studyID,
				DataType:          dataType,
				InvestigationType: investigationType,
				Restrictions:      tags,
			}
			return tx.CreateTemplate(info, cleaned.Columns, cleaned.Table.Rows)
		})
		res.Merge(txRes)
		if err != nil {
			return res, err
		}
		res.Merge(s.archive(ctx, ref))
		created, err = s.Get(ctx, ref)
		return res, err
	})
	return created, res, err
}

// Exists reports whether the template is stored.
func (s *Service) Exists(ctx context.Context, ref domain.TemplateRef) (bool, error) {
	var exists bool
	err := s.store.View(ctx, func(v TransactionView) error {
		_, ok, err := v.FindTemplate(ref)
		exists = ok
		return err
	})
	return exists, err
}

// Get loads a template with its derived status. A sample template takes the
// least restrictive status across the preps of its study.
func (s *Service) Get(ctx context.Context, ref domain.TemplateRef) (domain.Template, error) {
	var (
		t    domain.Template
		refs []domain.TemplateRef
	)
	err := s.store.View(ctx, func(v TransactionView) error {
		info, cols, table, err := v.LoadTemplate(ref)
		if err != nil {
			return err
		}
		t = domain.Template{Info: info, Columns: cols, Table: table}
		if ref.Kind == domain.KindPrep {
			refs = []domain.TemplateRef{ref}
			return nil
		}
		list, err := v.ListTemplates(info.StudyID)
		if err != nil {
			return err
		}
		for _, other := range list {
			if other.Ref.Kind == domain.KindPrep {
				refs = append(refs, other.Ref)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Template{}, err
	}
	t.Status, err = s.status(ctx, refs)
	return t, err
}

func (s *Service) status(ctx context.Context, refs []domain.TemplateRef) (domain.Status, error) {
	if s.artifacts == nil {
		return domain.StatusSandbox, nil
	}
	var all []domain.Status
	for _, ref := range refs {
		vis, err := s.artifacts.Visibilities(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("artifact visibilities of %s: %w", ref, err)
		}
		all = append(all, vis...)
	}
	return domain.InferStatus(all), nil
}

// Delete drops a template with its accessions and file history. Preps with
// processed data and sample templates still used by preps are kept.
func (s *Service) Delete(ctx context.Context, ref domain.TemplateRef) (Result, error) {
	return s.observe(ctx, opDelete, &ref, func(ctx context.Context) (Result, error) {
		has, err := s.hasArtifacts(ctx, ref)
		if err != nil {
			return Result{}, err
		}
		if has {
			return Result{}, domain.ErrNotPermitted.New(
				"Cannot remove prep template %d because a preprocessed data has been already generated using it.", ref.ID)
		}

		var files []domain.Filepath
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			if err := tx.LockTemplate(ref); err != nil {
				return err
			}
			if ref.Kind == domain.KindSample {
				list, err := tx.ListTemplates(ref.ID)
				if err != nil {
					return err
				}
				var preps []string
				for _, t := range list {
					if t.Ref.Kind == domain.KindPrep {
						preps = append(preps, fmt.Sprint(t.Ref.ID))
					}
				}
				if len(preps) > 0 {
					return domain.ErrNotPermitted.New("Cannot remove sample template %d because prep templates still use it: %s",
						ref.ID, strings.Join(preps, ", "))
				}
			}
			files, err = tx.Filepaths(ref)
			if err != nil {
				return err
			}
			return tx.DropTemplate(ref)
		})
		if err != nil {
			return res, err
		}
		res.Merge(s.removeFiles(ctx, files))
		return res, nil
	})
}
