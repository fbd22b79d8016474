// Package redis reads the downstream artifact registry from Redis. Each
// template owns a hash mapping artifact ids to their visibility.
package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"metacore/pkg/domain"
)

var _ domain.ArtifactRegistry = (*Registry)(nil)

const defaultPrefix = "metacore:artifacts:"

// Registry implements domain.ArtifactRegistry over Redis hashes.
type Registry struct {
	client *redis.Client
	prefix string
}

// New connects to redisURL and verifies the connection.
func New(redisURL string) (*Registry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Registry {
	return &Registry{client: client, prefix: defaultPrefix}
}

func (r *Registry) key(ref domain.TemplateRef) string {
	return r.prefix + ref.TableName()
}

// Attach records (or re-labels) an artifact derived from ref.
func (r *Registry) Attach(ctx context.Context, ref domain.TemplateRef, artifactID string, status domain.Status) error {
	if artifactID == "" {
		return fmt.Errorf("artifact id required")
	}
	if err := r.client.HSet(ctx, r.key(ref), artifactID, string(status)).Err(); err != nil {
		return fmt.Errorf("attach artifact: %w", err)
	}
	return nil
}

// Detach forgets an artifact.
func (r *Registry) Detach(ctx context.Context, ref domain.TemplateRef, artifactID string) error {
	if err := r.client.HDel(ctx, r.key(ref), artifactID).Err(); err != nil {
		return fmt.Errorf("detach artifact: %w", err)
	}
	return nil
}

// Visibilities returns artifact visibilities ordered by artifact id.
func (r *Registry) Visibilities(ctx context.Context, ref domain.TemplateRef) ([]domain.Status, error) {
	all, err := r.client.HGetAll(ctx, r.key(ref)).Result()
	if err != nil {
		return nil, fmt.Errorf("read artifacts: %w", err)
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.Status, len(ids))
	for i, id := range ids {
		out[i] = domain.Status(all[id])
	}
	return out, nil
}

// Ping checks if Redis is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Registry) Close() error {
	return r.client.Close()
}
