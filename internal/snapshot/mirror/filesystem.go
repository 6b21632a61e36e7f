package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
)

// Filesystem stores snapshots as plain files in one directory, typically a
// network share mounted on every machine running tests.
type Filesystem struct {
	name string
	root string
}

var _ Mirror = (*Filesystem)(nil)

// NewFilesystem creates a mirror rooted at root, creating the directory if needed.
func NewFilesystem(name, root string) (*Filesystem, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	return &Filesystem{name: name, root: root}, nil
}

func (f *Filesystem) Name() string { return f.name }

func (f *Filesystem) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid snapshot key %q", key)
	}
	return filepath.Join(f.root, key), nil
}

// Put writes through a temp file and rename so readers never see a partial snapshot.
func (f *Filesystem) Put(_ context.Context, key string, r io.Reader) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(p, r); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (f *Filesystem) Get(_ context.Context, key string, w io.Writer) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	file, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer file.Close()

	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	return nil
}

func (f *Filesystem) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (f *Filesystem) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read mirror directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
