// Package blob re-exports the archive abstractions and selects a backend
// for exported template files.
package blob

import (
	"metacore/internal/blob/core"
)

type (
	// Driver identifies an archive backend.
	Driver = core.Driver
	// PutOptions configures a write.
	PutOptions = core.PutOptions
	// Info describes an archived file.
	Info = core.Info
	// Store is the interface for archive backends.
	Store = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	// ErrNotFound classifies missing keys.
	ErrNotFound = &core.ErrNotFound
	// ErrExists classifies keys that are already taken.
	ErrExists = &core.ErrExists
)
