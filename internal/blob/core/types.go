// Package core defines the archive abstraction used to keep exported
// template files, independent of the backend holding them.
package core

import (
	"context"
	"io"
	"time"

	"github.com/zeebo/errs"
)

// Driver identifies a concrete archive backend.
type Driver string

const (
	// DriverFilesystem keeps files under a local directory.
	DriverFilesystem Driver = "fs"
	// DriverS3 keeps files in an S3 compatible bucket.
	DriverS3 Driver = "s3"
	// DriverMemory keeps files in process memory (tests).
	DriverMemory Driver = "memory"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes an archived file.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is a create-only key/value archive. Put fails with ErrExists when
// the key is taken; Get and Head fail with ErrNotFound for missing keys.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

var (
	// ErrNotFound classifies lookups of missing keys.
	ErrNotFound = errs.Class("blob not found")
	// ErrExists classifies writes to keys that are already taken.
	ErrExists = errs.Class("blob exists")
)

// CloneMetadata copies user metadata so callers cannot mutate stored state.
func CloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
