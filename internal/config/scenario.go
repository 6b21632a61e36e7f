package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ScenarioSpec describes what a database must contain. It can live inline in
// the config or in its own TOML or YAML file.
type ScenarioSpec struct {
	PreDataImports map[string][]string `toml:"pre_data_imports,omitempty" yaml:"pre_data_imports"` // keyed by engine type
	Migrations     string              `toml:"migrations,omitempty" yaml:"migrations"`
	Seeders        []string            `toml:"seeders,omitempty" yaml:"seeders"`
	ChecksumPaths  []string            `toml:"checksum_paths,omitempty" yaml:"checksum_paths"`
}

// LoadScenarioFile reads a scenario from a .toml, .yaml or .yml file.
func LoadScenarioFile(path string) (ScenarioSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScenarioSpec{}, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var spec ScenarioSpec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&spec); err != nil {
			return ScenarioSpec{}, fmt.Errorf("decoding scenario %s: %w", path, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return ScenarioSpec{}, fmt.Errorf("decoding scenario %s: %w", path, err)
		}
	default:
		return ScenarioSpec{}, fmt.Errorf("unsupported scenario file type: %s", path)
	}
	return spec, nil
}

// Database returns the database configured for connection. An empty
// connection selects the first one.
func (c *Config) Database(connection string) (DatabaseConfig, error) {
	if len(c.Databases) == 0 {
		return DatabaseConfig{}, fmt.Errorf("no databases configured")
	}
	if connection == "" {
		return c.Databases[0], nil
	}
	for _, db := range c.Databases {
		if db.Connection == connection {
			return db, nil
		}
	}
	return DatabaseConfig{}, fmt.Errorf("no database configured for connection %q", connection)
}

// ResolvedScenario returns the database's scenario, reading ScenarioFile
// relative to the project directory when one is set.
func (c *Config) ResolvedScenario(db DatabaseConfig) (ScenarioSpec, error) {
	if db.ScenarioFile == "" {
		return db.Scenario, nil
	}
	path := db.ScenarioFile
	if !filepath.IsAbs(path) && c.ProjectDir != "" {
		path = filepath.Join(c.ProjectDir, path)
	}
	return LoadScenarioFile(path)
}
