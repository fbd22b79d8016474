package domain

import (
	"context"
	"time"
)

// TransactionView provides read-only access to persisted templates.
type TransactionView interface {
	RuleView
	// LoadTemplate returns the bookkeeping, typed columns and rows of a
	// template. Missing templates yield an ErrUnknownID error.
	LoadTemplate(ref TemplateRef) (TemplateInfo, []Column, Table, error)
	Columns(ref TemplateRef) ([]Column, error)
	// Headers returns every category name recorded in the side catalog for
	// templates of the given kind.
	Headers(kind TemplateKind) ([]string, error)
	Accessions(ref TemplateRef, kind AccessionKind) (map[string]string, error)
	Filepaths(ref TemplateRef) ([]Filepath, error)
}

// Transaction exposes the template operations that a persistence
// implementation must support within an atomic scope.
type Transaction interface {
	TransactionView
	// Now is the timestamp applied to every mutation in the transaction.
	Now() time.Time
	// LockTemplate serializes concurrent writers of the same template until
	// the transaction ends. It must be called before reading state that a
	// structural change depends on.
	LockTemplate(ref TemplateRef) error
	NextPrepID() (int64, error)
	CreateTemplate(info TemplateInfo, columns []Column, rows []Row) error
	AddColumns(ref TemplateRef, columns []Column) error
	InsertRows(ref TemplateRef, rows []Row) error
	UpdateCells(ref TemplateRef, key string, values map[string]Value) error
	DropColumn(ref TemplateRef, name string) error
	DeleteRows(ref TemplateRef, keys []string) error
	DropTemplate(ref TemplateRef) error
	SetAccessions(ref TemplateRef, kind AccessionKind, values map[string]string) error
	AddFilepath(fp Filepath) (Filepath, error)
}

// PersistentStore is the abstraction over durable template backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Close() error
}

// ArtifactRegistry is the boundary to the downstream processing system that
// derives artifacts from prep templates. The engine only reads it.
type ArtifactRegistry interface {
	// Visibilities returns the visibility of every artifact derived from the
	// template; an empty slice means no artifact exists.
	Visibilities(ctx context.Context, ref TemplateRef) ([]Status, error)
}

// HasDownstreamArtifact reports whether any artifact references the template.
func HasDownstreamArtifact(ctx context.Context, registry ArtifactRegistry, ref TemplateRef) (bool, error) {
	if registry == nil {
		return false, nil
	}
	vis, err := registry.Visibilities(ctx, ref)
	if err != nil {
		return false, err
	}
	return len(vis) > 0, nil
}
