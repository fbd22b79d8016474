// Package memory keeps the downstream artifact registry in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"metacore/pkg/domain"
)

var _ domain.ArtifactRegistry = (*Registry)(nil)

// Registry maps templates to the visibility of their artifacts.
type Registry struct {
	mu        sync.RWMutex
	artifacts map[domain.TemplateRef]map[string]domain.Status
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{artifacts: make(map[domain.TemplateRef]map[string]domain.Status)}
}

// Attach records (or re-labels) an artifact derived from ref.
func (r *Registry) Attach(_ context.Context, ref domain.TemplateRef, artifactID string, status domain.Status) error {
	if artifactID == "" {
		return fmt.Errorf("artifact id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.artifacts[ref] == nil {
		r.artifacts[ref] = make(map[string]domain.Status)
	}
	r.artifacts[ref][artifactID] = status
	return nil
}

// Detach forgets an artifact.
func (r *Registry) Detach(_ context.Context, ref domain.TemplateRef, artifactID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.artifacts[ref], artifactID)
	if len(r.artifacts[ref]) == 0 {
		delete(r.artifacts, ref)
	}
	return nil
}

// Visibilities returns artifact visibilities ordered by artifact id.
func (r *Registry) Visibilities(_ context.Context, ref domain.TemplateRef) ([]domain.Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.artifacts[ref]))
	for id := range r.artifacts[ref] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.Status, len(ids))
	for i, id := range ids {
		out[i] = r.artifacts[ref][id]
	}
	return out, nil
}

// Close is a no-op.
func (r *Registry) Close() error { return nil }
