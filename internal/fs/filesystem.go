package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrNotExist is returned by Resolve when a path does not exist.
var ErrNotExist = errors.New("path does not exist")

// ErrIsDirectory is returned by Resolve when a directory is given where only files are allowed.
var ErrIsDirectory = errors.New("path is a directory")

// Resolver expands the paths that feed a build checksum into sorted lists of regular files.
type Resolver struct {
	baseDir string
	ignore  *IgnoreMatcher
}

// NewResolver creates a Resolver. Paths are reported relative to baseDir when
// they lie inside it; an empty baseDir means the working directory.
func NewResolver(baseDir string, ignoreRules []string) *Resolver {
	return &Resolver{
		baseDir: baseDir,
		ignore:  NewIgnoreMatcher(append(append([]string{}, defaultIgnoreRules...), ignoreRules...)),
	}
}

// Resolve returns the regular files at or under path, sorted.
// A directory is walked recursively when dirAllowed is set, and is an
// ErrIsDirectory error otherwise. Ignore rules apply to entries found inside
// a directory, never to a path named directly.
func (r *Resolver) Resolve(path string, dirAllowed bool) ([]string, error) {
	full := r.abs(path)
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotExist)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("not a regular file: %s", path)
		}
		return []string{full}, nil
	}
	if !dirAllowed {
		return nil, fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}

	var files []string
	err = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(full, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if r.ignore.Match(rel, true) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || r.ignore.Match(rel, false) {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}

// Key returns the name a file is recorded under in a checksum: relative to the
// base directory when inside it, with forward slashes.
func (r *Resolver) Key(path string) string {
	base := r.baseDir
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return filepath.ToSlash(path)
		}
		base = wd
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (r *Resolver) abs(path string) string {
	if filepath.IsAbs(path) || r.baseDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(r.baseDir, path)
}

// FileChecksum returns the xxhash64 of a file's contents as 16 hex characters.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
