package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFileName is the project file listing extra checksum ignore rules.
const IgnoreFileName = ".scenariodbignore"

var defaultIgnoreRules = []string{IgnoreFileName, ".DS_Store", "*.swp", "*~", ".git/"}

// ignoreRule is one line of an ignore list.
//
//	*.bak         any file named *.bak, at any depth
//	fixtures/*.csv  relative to the walked directory
//	generated/    a directory and everything below it
//	!keep.bak     re-include what an earlier rule excluded
type ignoreRule struct {
	glob    string
	negate  bool
	dirOnly bool
	rooted  bool // glob contains '/' and is matched against the whole relative path
}

func (r ignoreRule) matches(rel string, isDir bool) bool {
	if r.dirOnly && !isDir {
		return false
	}
	target := path.Base(rel)
	if r.rooted {
		target = rel
	}
	ok, err := path.Match(r.glob, target)
	return err == nil && ok
}

// IgnoreMatcher decides which entries of a checksum directory are skipped.
// Rules are applied in order and the last matching rule wins, so a later
// negated rule can bring back a file excluded before it.
type IgnoreMatcher struct {
	rules []ignoreRule
}

// NewIgnoreMatcher compiles raw rule lines. Blank lines and '#' comments are dropped.
func NewIgnoreMatcher(lines []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var r ignoreRule
		if rest, ok := strings.CutPrefix(line, "!"); ok {
			r.negate = true
			line = rest
		}
		if rest, ok := strings.CutSuffix(line, "/"); ok {
			r.dirOnly = true
			line = rest
		}
		line = strings.TrimPrefix(line, "/")
		if line == "" {
			continue
		}
		r.glob = line
		r.rooted = strings.Contains(line, "/")
		m.rules = append(m.rules, r)
	}
	return m
}

// Match reports whether the entry at rel, relative to the walked directory,
// is ignored. isDir tells directory rules apart from file rules.
func (m *IgnoreMatcher) Match(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	if rel == "" || rel == "." {
		return false
	}
	ignored := false
	for _, r := range m.rules {
		if r.matches(rel, isDir) {
			ignored = !r.negate
		}
	}
	return ignored
}

// ParseIgnoreFile returns the lines of an ignore file, or nil when it does not exist.
func ParseIgnoreFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file %s: %w", name, err)
	}
	return lines, nil
}

// ProjectIgnoreRules returns the rules of the project's ignore file followed
// by extra, which come from configuration.
func ProjectIgnoreRules(projectDir string, extra []string) ([]string, error) {
	lines, err := ParseIgnoreFile(filepath.Join(projectDir, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	return append(lines, extra...), nil
}
