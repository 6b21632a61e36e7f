// Package seed runs the named seeders of a scenario.
package seed

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"scenariodb/internal/scenario"
)

// Func seeds data inside tx.
type Func func(ctx context.Context, tx *sql.Tx) error

// Registry resolves seeder names. A name is looked up, in order, among the
// registered functions, then as <dir>/<name>.sql, then as a YAML fixture
// <dir>/<name>.yaml (or .yml). Every seeder runs in its own transaction.
type Registry struct {
	driver scenario.Driver
	dir    string

	mu    sync.RWMutex
	funcs map[string]Func
}

var _ scenario.Seeder = (*Registry)(nil)

// NewRegistry creates a Registry reading seeder files from dir. dir may be empty
// when only registered functions are used.
func NewRegistry(driver scenario.Driver, dir string) *Registry {
	return &Registry{driver: driver, dir: dir, funcs: make(map[string]Func)}
}

// Register adds a seeder function, replacing any previous one with the same name.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Names lists the registered functions and the seeder files found in dir.
func (r *Registry) Names() ([]string, error) {
	seen := make(map[string]bool)
	r.mu.RLock()
	for name := range r.funcs {
		seen[name] = true
	}
	r.mu.RUnlock()

	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading seeder directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := filepath.Ext(e.Name())
			switch ext {
			case ".sql", ".yaml", ".yml":
				seen[strings.TrimSuffix(e.Name(), ext)] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Seed runs the named seeder against db.
func (r *Registry) Seed(ctx context.Context, db *sql.DB, name string) error {
	fn, err := r.lookup(name)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing seeder %s: %w", name, err)
	}
	return nil
}

func (r *Registry) lookup(name string) (Func, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if ok {
		return fn, nil
	}

	if path, ok := SourceFile(r.dir, name); ok {
		if filepath.Ext(path) == ".sql" {
			return sqlFile(path), nil
		}
		return r.fixture(path), nil
	}
	return nil, &scenario.ConfigError{Field: "Seeders", Path: name, Message: "unknown seeder"}
}

// SourceFile returns the file a seeder named name is read from in dir:
// <name>.sql, else <name>.yaml or <name>.yml. It reports false for seeders
// without a file, such as registered functions.
func SourceFile(dir, name string) (string, bool) {
	if dir == "" || name == "" || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	base := filepath.Join(dir, name)
	for _, ext := range []string{".sql", ".yaml", ".yml"} {
		if fileExists(base + ext) {
			return base + ext, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func sqlFile(path string) Func {
	return func(ctx context.Context, tx *sql.Tx) error {
		script, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if _, err := tx.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("executing %s: %w", path, err)
		}
		return nil
	}
}
