package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"
)

// Config represents the main configuration for scenariodb.
type Config struct {
	ProjectName string           `toml:"project_name"`
	ProjectDir  string           `toml:"project_dir"` // relative scenario paths are resolved against it
	SeederDir   string           `toml:"seeder_dir"`  // .sql and .yaml seeders, relative to ProjectDir
	BaseDir     string           `toml:"base_dir"`
	LogDir      string           `toml:"log_dir"`
	Engine      EngineConfig     `toml:"engine"`
	Cache       CacheConfig      `toml:"cache"`
	Snapshots   SnapshotConfig   `toml:"snapshots"`
	Mirror      MirrorConfig     `toml:"mirror"`
	Encryption  EncryptionConfig `toml:"encryption"`
	Remote      RemoteConfig     `toml:"remote"`
	Checksum    ChecksumConfig   `toml:"checksum"`
	Databases   []DatabaseConfig `toml:"databases"`
}

// EngineConfig selects the database engine.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type EngineConfig struct {
	Type string `toml:"type"` // "sqlite" or "pgsql"

	// SQLite-specific fields (only used when Type == "sqlite")
	StorageDir string `toml:"storage_dir,omitempty"`

	// PostgreSQL-specific fields (only used when Type == "pgsql")
	DSN        string `toml:"dsn,omitempty"`
	PsqlPath   string `toml:"psql_path,omitempty"`
	PgDumpPath string `toml:"pg_dump_path,omitempty"`
}

// CacheConfig decides when built databases are reused.
type CacheConfig struct {
	DatabasePrefix          string   `toml:"database_prefix"`
	CheckForSourceChanges   bool     `toml:"check_for_source_changes"`
	ReuseTransaction        bool     `toml:"reuse_transaction"`
	ReuseJournal            bool     `toml:"reuse_journal"`
	ScenarioDatabases       bool     `toml:"scenario_databases"`
	VerifyStructure         bool     `toml:"verify_structure"`
	VerifyData              bool     `toml:"verify_data"`
	SnapshotsWhenReusing    string   `toml:"snapshots_when_reusing"`     // "off", "after-migrations", "after-seeders" or "both"
	SnapshotsWhenNotReusing string   `toml:"snapshots_when_not_reusing"` // same values
	StaleGrace              Duration `toml:"stale_grace"`
	// FingerprintTTL is how long one process shares a computed fingerprint.
	// Source edits made within it are seen once it expires or on a forced rebuild.
	FingerprintTTL Duration `toml:"fingerprint_ttl"`
}

// SnapshotConfig locates snapshot files.
type SnapshotConfig struct {
	Dir    string `toml:"dir"`
	Prefix string `toml:"prefix"`
}

// MirrorConfig represents a shared store snapshots are copied to.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type MirrorConfig struct {
	Type    string `toml:"type"` // "", "memory", "s3" or "filesystem"
	Name    string `toml:"name"`
	Encrypt bool   `toml:"encrypt"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3PathStyle bool   `toml:"s3_path_style,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for mirrored snapshots.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "plain"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// RemoteConfig covers both sides of remote builds.
type RemoteConfig struct {
	URL           string   `toml:"url"`            // delegate builds to this server when set
	Timeout       Duration `toml:"timeout"`        // per request
	Listen        string   `toml:"listen"`         // address used by "serve"
	SessionDriver string   `toml:"session_driver"` // must match between caller and server
}

// ChecksumConfig holds file hashing settings.
type ChecksumConfig struct {
	Ignore []string `toml:"ignore"`
}

// DatabaseConfig describes one connection's original database and the
// scenario built for it. ScenarioFile, when set, replaces Scenario.
type DatabaseConfig struct {
	Connection   string       `toml:"connection"`
	Name         string       `toml:"name"`
	ScenarioFile string       `toml:"scenario_file,omitempty"`
	Scenario     ScenarioSpec `toml:"scenario"`
}

// Duration is a time.Duration written as a string such as "4h" or "90s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// NewConfig creates a new Config with defaults rooted at baseDir.
func NewConfig(projectName, baseDir string) *Config {
	return &Config{
		ProjectName: projectName,
		BaseDir:     baseDir,
		LogDir:      filepath.Join(baseDir, "log"),
		SeederDir:   "seeders",
		Engine: EngineConfig{
			Type:       "sqlite",
			StorageDir: filepath.Join(baseDir, "databases"),
		},
		Cache: CacheConfig{
			DatabasePrefix:          "test_",
			CheckForSourceChanges:   true,
			ReuseTransaction:        true,
			ScenarioDatabases:       true,
			SnapshotsWhenReusing:    "after-seeders",
			SnapshotsWhenNotReusing: "after-seeders",
			StaleGrace:              Duration(4 * time.Hour),
			FingerprintTTL:          Duration(10 * time.Second),
		},
		Snapshots: SnapshotConfig{
			Dir:    filepath.Join(baseDir, "snapshots"),
			Prefix: "snapshot.",
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "scenariodb.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "scenariodb.key"),
		},
		Remote: RemoteConfig{
			Timeout:       Duration(5 * time.Minute),
			Listen:        "127.0.0.1:8787",
			SessionDriver: "file",
		},
		Databases: []DatabaseConfig{
			{Connection: "main", Name: "test"},
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile encodes cfg and replaces the file at path in one step.
func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	m := &Manager{}
	if err := m.Write(&buf, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
