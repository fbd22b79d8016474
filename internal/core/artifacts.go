package core

import (
	"context"
	"fmt"

	artifactsmemory "metacore/internal/infra/artifacts/memory"
	artifactsredis "metacore/internal/infra/artifacts/redis"
	"metacore/pkg/domain"
)

// ArtifactDriver identifies an artifact registry backend.
type ArtifactDriver string

const (
	ArtifactsMemory ArtifactDriver = "memory"
	ArtifactsRedis  ArtifactDriver = "redis"
)

// ArtifactStore is an artifact registry that can also record artifacts on
// behalf of the downstream processing system.
type ArtifactStore interface {
	ArtifactRegistry
	Attach(ctx context.Context, ref domain.TemplateRef, artifactID string, status domain.Status) error
	Detach(ctx context.Context, ref domain.TemplateRef, artifactID string) error
	Close() error
}

// ArtifactConfig selects the artifact registry.
type ArtifactConfig struct {
	Driver   ArtifactDriver
	RedisURL string
}

// OpenArtifactStore builds the configured registry; an empty driver means memory.
func OpenArtifactStore(cfg ArtifactConfig) (ArtifactStore, error) {
	switch cfg.Driver {
	case "", ArtifactsMemory:
		return artifactsmemory.New(), nil
	case ArtifactsRedis:
		return artifactsredis.New(cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown artifact driver %s", cfg.Driver)
	}
}
