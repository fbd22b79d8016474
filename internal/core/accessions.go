package core

import (
	"context"
	"strings"

	"metacore/pkg/domain"
)

const ruleAccession = "accession_reassigned"

// Accessions returns the accession of every row of the template, null where
// none was assigned.
func (s *Service) Accessions(ctx context.Context, ref domain.TemplateRef, kind domain.AccessionKind) (map[string]domain.Value, error) {
	if !domain.SupportsAccession(ref.Kind, kind) {
		return nil, domain.ErrValidation.New("%s templates do not track %s", ref.Kind, kind)
	}
	out := make(map[string]domain.Value)
	err := s.store.View(ctx, func(v TransactionView) error {
		keys, err := v.RowKeys(ref)
		if err != nil {
			return err
		}
		assigned, err := v.Accessions(ref, kind)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if acc, ok := assigned[k]; ok && acc != "" {
				out[k] = domain.Str(acc)
			} else {
				out[k] = domain.Null()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetAccessions assigns accessions to rows of the template. An assigned
// accession can never change; assigning the same value again only warns.
func (s *Service) SetAccessions(ctx context.Context, ref domain.TemplateRef, kind domain.AccessionKind, values map[string]string) (Result, error) {
	return s.observe(ctx, opSetAccessions, &ref, func(ctx context.Context) (Result, error) {
		if !domain.SupportsAccession(ref.Kind, kind) {
			return Result{}, domain.ErrValidation.New("%s templates do not track %s", ref.Kind, kind)
		}
		if _, protected := s.protected[ref.ID]; protected && ref.Kind == domain.KindSample {
			return Result{}, domain.ErrNotPermitted.New("accessions of %s are reserved for system use", ref)
		}
		var empty []string
		for k, acc := range values {
			if strings.TrimSpace(acc) == "" {
				empty = append(empty, k)
			}
		}
		if len(empty) > 0 {
			return Result{}, domain.NewColumnError("empty "+string(kind)+" for samples", empty...)
		}

		var res Result
		txRes, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			res = Result{}
			if err := tx.LockTemplate(ref); err != nil {
				return err
			}
			keys, err := tx.RowKeys(ref)
			if err != nil {
				return err
			}
			rows := toSet(keys)
			var missing []string
			for k := range values {
				if _, ok := rows[k]; !ok {
					missing = append(missing, k)
				}
			}
			if len(missing) > 0 {
				return domain.NewUnknownIDError("sample", missing...)
			}
			current, err := tx.Accessions(ref, kind)
			if err != nil {
				return err
			}
			var conflicts, repeated []string
			pending := make(map[string]string, len(values))
			for _, k := range sortedKeys(values) {
				acc := strings.TrimSpace(values[k])
				switch old, ok := current[k]; {
				case !ok || old == "":
					pending[k] = acc
				case old == acc:
					repeated = append(repeated, k)
				default:
					conflicts = append(conflicts, k+" ("+old+")")
				}
			}
			if len(conflicts) > 0 {
				return domain.ErrNotPermitted.New("%s already set for: %s", kind, strings.Join(conflicts, ", "))
			}
			if len(repeated) > 0 {
				res.Warn(ruleAccession, ref, "%s already set to the same value for: %s", kind, strings.Join(repeated, ", "))
			}
			if len(pending) == 0 {
				return nil
			}
			return tx.SetAccessions(ref, kind, pending)
		})
		res.Merge(txRes)
		return res, err
	})
}
