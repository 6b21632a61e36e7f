// Package mirror shares snapshot files between machines through a common store.
package mirror

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when the key is not in the mirror.
var ErrNotFound = errors.New("snapshot not in mirror")

// Mirror stores snapshot files by name. Keys are snapshot file names; a
// mirror never interprets them.
type Mirror interface {
	Name() string

	// Put stores the data read from r under key, replacing any previous value.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get writes the value stored under key to w. It returns ErrNotFound when
	// the key is missing.
	Get(ctx context.Context, key string, w io.Writer) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
