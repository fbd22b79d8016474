package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"metacore/internal/blob"
	"metacore/internal/tabular"
	"metacore/pkg/domain"
)

const (
	ruleArchive = "template_archive"

	archivePrefix    = "templates/"
	archiveTimestamp = "20060102-150405"
	archiveMediaType = "text/tab-separated-values"
)

// ToFile writes the template as a tab-delimited file. Categories required by
// the template's restrictions come first in registry order, the rest follow
// lexically. When rows are given only those rows are written.
func (s *Service) ToFile(ctx context.Context, ref domain.TemplateRef, w io.Writer, rows ...string) error {
	var table domain.Table
	err := s.store.View(ctx, func(v TransactionView) error {
		info, _, stored, err := v.LoadTemplate(ref)
		if err != nil {
			return err
		}
		table, err = s.exportTable(info, stored, rows)
		return err
	})
	if err != nil {
		return err
	}
	return tabular.Write(w, table, tabular.KeyHeader)
}

// QIIMEMappingFile writes the QIIME mapping file of a prep template, joined
// with its study's sample template.
func (s *Service) QIIMEMappingFile(ctx context.Context, ref domain.TemplateRef, w io.Writer) error {
	if ref.Kind != domain.KindPrep {
		return domain.ErrValidation.New("QIIME mapping files are built from prep templates, not %s", ref)
	}
	var mapping domain.Table
	err := s.store.View(ctx, func(v TransactionView) error {
		var err error
		mapping, err = qiimeMapping(v, ref)
		return err
	})
	if err != nil {
		return err
	}
	return tabular.Write(w, mapping, tabular.QIIMEKeyHeader)
}

func qiimeMapping(v TransactionView, ref domain.TemplateRef) (domain.Table, error) {
	info, _, prep, err := v.LoadTemplate(ref)
	if err != nil {
		return domain.Table{}, err
	}
	_, _, sample, err := v.LoadTemplate(domain.SampleTemplate(info.StudyID))
	if err != nil {
		return domain.Table{}, err
	}
	return tabular.QIIMEMapping(prep, sample), nil
}

func (s *Service) exportTable(info domain.TemplateInfo, stored domain.Table, rows []string) (domain.Table, error) {
	out := domain.NewTable(s.exportOrder(info.Restrictions, stored.Columns)...)
	if len(rows) == 0 {
		for _, r := range stored.Rows {
			out.AddRow(r.Key, r.Values)
		}
		return out, nil
	}
	index := stored.Index()
	var missing []string
	for _, key := range rows {
		r, ok := index[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		out.AddRow(r.Key, r.Values)
	}
	if len(missing) > 0 {
		return domain.Table{}, domain.NewUnknownIDError("sample", missing...)
	}
	out.SortRows()
	return out, nil
}

func (s *Service) exportOrder(tags []string, columns []string) []string {
	have := toSet(columns)
	out := make([]string, 0, len(columns))
	for _, c := range s.registry.RequiredColumns(tags) {
		if _, ok := have[c]; ok {
			out = append(out, c)
			delete(have, c)
		}
	}
	return append(out, sortedKeys(have)...)
}

// GenerateFiles archives the current template files and records them in the
// file history. Failures are reported as warnings.
func (s *Service) GenerateFiles(ctx context.Context, ref domain.TemplateRef) (Result, error) {
	return s.observe(ctx, opGenerateFiles, &ref, func(ctx context.Context) (Result, error) {
		if s.blobs == nil {
			return Result{}, domain.ErrNotPermitted.New("no file archive is configured")
		}
		if _, err := s.findInfo(ctx, ref); err != nil {
			return Result{}, err
		}
		return s.archive(ctx, ref), nil
	})
}

type renderedFile struct {
	kind domain.FileKind
	key  string
	data []byte
}

func (s *Service) renderFiles(ctx context.Context, ref domain.TemplateRef) ([]renderedFile, error) {
	var files []renderedFile
	err := s.store.View(ctx, func(v TransactionView) error {
		info, _, stored, err := v.LoadTemplate(ref)
		if err != nil {
			return err
		}
		table, err := s.exportTable(info, stored, nil)
		if err != nil {
			return err
		}
		ts := s.clock.Now().UTC().Format(archiveTimestamp)
		base := fmt.Sprintf("%s%d", archivePrefix, info.StudyID)
		if ref.Kind == domain.KindPrep {
			base = fmt.Sprintf("%s_prep_%d", base, ref.ID)
		}
		var buf bytes.Buffer
		if err := tabular.Write(&buf, table, tabular.KeyHeader); err != nil {
			return err
		}
		files = append(files, renderedFile{kind: domain.FileTemplate, key: fmt.Sprintf("%s_%s.txt", base, ts), data: buf.Bytes()})
		if ref.Kind != domain.KindPrep {
			return nil
		}

		mapping, err := qiimeMapping(v, ref)
		if err != nil {
			return err
		}
		var qbuf bytes.Buffer
		if err := tabular.Write(&qbuf, mapping, tabular.QIIMEKeyHeader); err != nil {
			return err
		}
		files = append(files, renderedFile{kind: domain.FileQIIMEMap, key: fmt.Sprintf("%s_qiime_%s.txt", base, ts), data: qbuf.Bytes()})
		return nil
	})
	return files, err
}

// archive uploads the template files and records them. It runs after the
// mutation committed, so failures only warn.
func (s *Service) archive(ctx context.Context, ref domain.TemplateRef) Result {
	var res Result
	if s.blobs == nil {
		return res
	}
	files, err := s.renderFiles(ctx, ref)
	if err != nil {
		res.Warn(ruleArchive, ref, "template files were not archived: %v", err)
		return res
	}

	exportID := uuid.NewString()
	stored := make([]domain.Filepath, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			key, err := s.putFile(gctx, ref, f, exportID)
			if err != nil {
				return fmt.Errorf("archive %s file: %w", f.kind, err)
			}
			stored[i] = domain.Filepath{Ref: ref, Key: key, Kind: f.kind}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		res.Warn(ruleArchive, ref, "template files were not archived: %v", err)
		return res
	}

	_, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		for _, fp := range stored {
			if _, err := tx.AddFilepath(fp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		res.Warn(ruleArchive, ref, "archived template files were not recorded: %v", err)
	}
	return res
}

func (s *Service) putFile(ctx context.Context, ref domain.TemplateRef, f renderedFile, exportID string) (string, error) {
	opts := blob.PutOptions{
		ContentType: archiveMediaType,
		Metadata: map[string]string{
			"template":  ref.TableName(),
			"kind":      string(f.kind),
			"export_id": exportID,
		},
	}
	key := f.key
	_, err := s.blobs.Put(ctx, key, bytes.NewReader(f.data), opts)
	if blob.ErrExists.Has(err) {
		// two exports within the same second
		key = strings.TrimSuffix(key, ".txt") + "_" + exportID[:8] + ".txt"
		_, err = s.blobs.Put(ctx, key, bytes.NewReader(f.data), opts)
	}
	return key, err
}

// removeFiles deletes archived files of a dropped template.
func (s *Service) removeFiles(ctx context.Context, files []domain.Filepath) Result {
	var res Result
	if s.blobs == nil {
		return res
	}
	for _, fp := range files {
		if _, err := s.blobs.Delete(ctx, fp.Key); err != nil {
			res.Warn(ruleArchive, fp.Ref, "archived file %s was not removed: %v", fp.Key, err)
		}
	}
	return res
}
