package blob

import (
	"metacore/internal/infra/blob/fs"
)

// NewFilesystem constructs a Store rooted at the provided directory.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}
