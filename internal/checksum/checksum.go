// Package checksum computes the fingerprints that identify a database build.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"scenariodb/internal/fs"
	"scenariodb/internal/scenario"
	"scenariodb/internal/seed"
)

// Domain prefixes keep the three checksums from ever colliding with each other.
const (
	domainBuild    = "scenariodb/build/v1"
	domainRecipe   = "scenariodb/recipe/v1"
	domainScenario = "scenariodb/scenario/v1"
	domainSettings = "scenariodb/settings/v1"
)

// Engine computes and memoizes the checksums of one build. It is safe for
// concurrent use; Reset forces recomputation.
type Engine struct {
	settings  scenario.Settings
	snapshots bool
	resolver  *fs.Resolver

	mu          sync.Mutex
	build       *string
	recipes     map[string]string
	scenarioSum *string
}

var _ scenario.Checksummer = (*Engine)(nil)

// New creates an Engine for the settings, resolved against the engine capabilities.
func New(s scenario.Settings, caps scenario.Capabilities, resolver *fs.Resolver) *Engine {
	if resolver == nil {
		resolver = fs.NewResolver("", nil)
	}
	return &Engine{
		settings:  s.Resolve(caps),
		snapshots: caps.Snapshots,
		resolver:  resolver,
		recipes:   make(map[string]string),
	}
}

// Reset forgets every memoized checksum.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.build = nil
	e.scenarioSum = nil
	e.recipes = make(map[string]string)
}

// Fingerprint returns all three checksums for the seeders that will run.
func (e *Engine) Fingerprint() (scenario.Fingerprint, error) {
	build, err := e.BuildChecksum()
	if err != nil {
		return scenario.Fingerprint{}, err
	}
	scen, err := e.ScenarioChecksum()
	if err != nil {
		return scenario.Fingerprint{}, err
	}
	snap, err := e.SnapshotChecksum()
	if err != nil {
		return scenario.Fingerprint{}, err
	}
	return scenario.Fingerprint{BuildChecksum: build, ScenarioChecksum: scen, SnapshotChecksum: snap}, nil
}

type buildInput struct {
	Files          map[string]string `json:"files"`
	DatabasePrefix string            `json:"databasePrefix"`
	Version        string            `json:"version"`
}

// BuildChecksum hashes the contents of every file that can affect how the
// database is built. It is "" when source checks are off, and the
// pre-calculated value when one was supplied by a remote caller.
func (e *Engine) BuildChecksum() (string, error) {
	s := e.settings
	if s.PreCalculatedBuildChecksum != "" {
		return s.PreCalculatedBuildChecksum, nil
	}
	if !s.CheckForSourceChanges {
		return "", nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.build != nil {
		return *e.build, nil
	}

	files, err := e.buildFiles()
	if err != nil {
		return "", err
	}
	sums := make(map[string]string, len(files))
	for _, f := range files {
		sum, err := fs.FileChecksum(f)
		if err != nil {
			return "", fmt.Errorf("checksumming build files: %w", err)
		}
		sums[e.resolver.Key(f)] = sum
	}

	sum, err := digest(domainBuild, buildInput{Files: sums, DatabasePrefix: s.DatabasePrefix, Version: scenario.StructureVersion})
	if err != nil {
		return "", err
	}
	e.build = &sum
	return sum, nil
}

// buildFiles lists the pre-data imports, migrations, the files of the seeders
// that will run and the checksum paths as a sorted set of files. Pre-data
// imports must be files.
func (e *Engine) buildFiles() ([]string, error) {
	s := e.settings
	var all []string
	for _, p := range s.Scenario.ImportsFor(s.Driver) {
		files, err := e.resolve("PreDataImports", p, false)
		if err != nil {
			return nil, err
		}
		all = append(all, files...)
	}
	if s.Scenario.Migrations != "" {
		files, err := e.resolve("Migrations", s.Scenario.Migrations, true)
		if err != nil {
			return nil, err
		}
		all = append(all, files...)
	}
	if s.SeederDir != "" {
		dir := s.Path(s.SeederDir)
		for _, name := range s.Scenario.SeedersToRun() {
			if file, ok := seed.SourceFile(dir, name); ok {
				all = append(all, file)
			}
		}
	}
	for _, p := range s.Scenario.ChecksumPaths {
		files, err := e.resolve("ChecksumPaths", p, true)
		if err != nil {
			return nil, err
		}
		all = append(all, files...)
	}
	slices.Sort(all)
	return slices.Compact(all), nil
}

func (e *Engine) resolve(field, path string, dirAllowed bool) ([]string, error) {
	files, err := e.resolver.Resolve(path, dirAllowed)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, &scenario.ConfigError{Field: field, Path: path, Message: "path does not exist"}
	case errors.Is(err, fs.ErrIsDirectory):
		return nil, &scenario.ConfigError{Field: field, Path: path, Message: "a file is required, not a directory"}
	case err != nil:
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	return files, nil
}

type recipeInput struct {
	PreDataImports []string `json:"preDataImports"`
	Migrations     string   `json:"migrations"`
	Seeders        []string `json:"seeders"`
}

// SnapshotChecksum returns the snapshot checksum for the seeders that will run.
func (e *Engine) SnapshotChecksum() (string, error) {
	return e.SnapshotChecksumFor(e.settings.Scenario.SeedersToRun())
}

// SnapshotChecksumFor returns the checksum of a snapshot holding the given
// seeders. It is "" when the engine cannot take snapshots.
func (e *Engine) SnapshotChecksumFor(seeders []string) (string, error) {
	if !e.snapshots {
		return "", nil
	}
	return e.recipe(seeders)
}

// recipe hashes what goes into the database: imports, migrations and seeders.
func (e *Engine) recipe(seeders []string) (string, error) {
	key := strings.Join(seeders, "\x00")
	e.mu.Lock()
	defer e.mu.Unlock()
	if sum, ok := e.recipes[key]; ok {
		return sum, nil
	}

	s := e.settings
	imports := s.Scenario.ImportsFor(s.Driver)
	if imports == nil {
		imports = []string{}
	}
	if seeders == nil {
		seeders = []string{}
	}
	sum, err := digest(domainRecipe, recipeInput{PreDataImports: imports, Migrations: s.Scenario.Migrations, Seeders: seeders})
	if err != nil {
		return "", err
	}
	e.recipes[key] = sum
	return sum, nil
}

type scenarioInput struct {
	Recipe           string `json:"recipe"`
	ProjectName      string `json:"projectName"`
	OrigDatabase     string `json:"origDatabase"`
	UsingScenarios   bool   `json:"usingScenarios"`
	ReuseTransaction bool   `json:"reuseTransaction"`
	ReuseJournal     bool   `json:"reuseJournal"`
	VerifyStructure  bool   `json:"verifyStructure"`
	VerifyData       bool   `json:"verifyData"`
}

// ScenarioChecksum hashes the recipe together with the settings that decide how
// the database is reused. The connection name is left out so connections that
// use the same scenario share a database. It is "" when scenario databases are off.
func (e *Engine) ScenarioChecksum() (string, error) {
	s := e.settings
	if !s.UsingScenarios() {
		return "", nil
	}
	recipe, err := e.recipe(s.Scenario.SeedersToRun())
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scenarioSum != nil {
		return *e.scenarioSum, nil
	}
	sum, err := digest(domainScenario, scenarioInput{
		Recipe:           recipe,
		ProjectName:      s.ProjectName,
		OrigDatabase:     s.Database,
		UsingScenarios:   s.ScenarioDatabases,
		ReuseTransaction: s.ReuseTransaction,
		ReuseJournal:     s.ReuseJournal,
		VerifyStructure:  s.VerifyStructure,
		VerifyData:       s.VerifyData,
	})
	if err != nil {
		return "", err
	}
	e.scenarioSum = &sum
	return sum, nil
}

// digest computes SHA256(domain + 0x00 + canonical JSON of v).
// encoding/json sorts map keys, so equal values always hash alike.
func digest(domain string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %s checksum input: %w", domain, err)
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
