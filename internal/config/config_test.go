package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("shop", "/home/user/.local/share/scenariodb")
	original.ProjectDir = "/src/shop"
	original.Engine = EngineConfig{Type: "pgsql", DSN: "postgres://localhost/postgres", PsqlPath: "/usr/bin/psql"}
	original.Mirror = MirrorConfig{Type: "s3", Name: "team", Encrypt: true, S3Bucket: "snapshots", S3PathStyle: true}
	original.Checksum.Ignore = []string{"*.log", ".git"}
	original.Databases = []DatabaseConfig{
		{Connection: "main", Name: "shop_test", Scenario: ScenarioSpec{
			PreDataImports: map[string][]string{"sqlite": {"dumps/base.sqlite"}},
			Migrations:     "migrations",
			Seeders:        []string{"users", "orders"},
		}},
		{Connection: "audit", Name: "audit_test", ScenarioFile: "scenarios/audit.yaml"},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.ProjectName != "shop" {
		t.Errorf("ProjectName = %q, want %q", got.ProjectName, "shop")
	}
	if got.ProjectDir != "/src/shop" {
		t.Errorf("ProjectDir = %q, want %q", got.ProjectDir, "/src/shop")
	}
	if got.Engine.Type != "pgsql" || got.Engine.DSN != "postgres://localhost/postgres" {
		t.Errorf("Engine = %+v, want pgsql with DSN", got.Engine)
	}
	if got.Mirror.S3Bucket != "snapshots" || !got.Mirror.Encrypt || !got.Mirror.S3PathStyle {
		t.Errorf("Mirror = %+v", got.Mirror)
	}
	if time.Duration(got.Cache.StaleGrace) != 4*time.Hour {
		t.Errorf("Cache.StaleGrace = %v, want 4h", time.Duration(got.Cache.StaleGrace))
	}
	if time.Duration(got.Remote.Timeout) != 5*time.Minute {
		t.Errorf("Remote.Timeout = %v, want 5m", time.Duration(got.Remote.Timeout))
	}
	if len(got.Databases) != 2 {
		t.Fatalf("len(Databases) = %d, want 2", len(got.Databases))
	}
	first := got.Databases[0].Scenario
	if first.Migrations != "migrations" || len(first.Seeders) != 2 || first.PreDataImports["sqlite"][0] != "dumps/base.sqlite" {
		t.Errorf("Databases[0].Scenario = %+v", first)
	}
	if got.Databases[1].ScenarioFile != "scenarios/audit.yaml" {
		t.Errorf("Databases[1].ScenarioFile = %q", got.Databases[1].ScenarioFile)
	}
	if len(got.Checksum.Ignore) != 2 {
		t.Fatalf("len(Checksum.Ignore) = %d, want 2", len(got.Checksum.Ignore))
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("shop", "/data/scenariodb")

	if cfg.ProjectName != "shop" {
		t.Errorf("ProjectName = %q, want %q", cfg.ProjectName, "shop")
	}
	if cfg.LogDir != "/data/scenariodb/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/scenariodb/log")
	}
	if cfg.Engine.StorageDir != "/data/scenariodb/databases" {
		t.Errorf("Engine.StorageDir = %q", cfg.Engine.StorageDir)
	}
	if cfg.Snapshots.Dir != "/data/scenariodb/snapshots" {
		t.Errorf("Snapshots.Dir = %q", cfg.Snapshots.Dir)
	}
	if cfg.Encryption.PrivateKeyPath != "/data/scenariodb/keys/scenariodb.key" {
		t.Errorf("Encryption.PrivateKeyPath = %q", cfg.Encryption.PrivateKeyPath)
	}
	if !cfg.Cache.ReuseTransaction || !cfg.Cache.ScenarioDatabases || !cfg.Cache.CheckForSourceChanges {
		t.Errorf("Cache defaults = %+v", cfg.Cache)
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if time.Duration(d) != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", time.Duration(d))
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("UnmarshalText(soon) expected error")
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "nested", "scenariodb.toml")
		cfg := NewConfig("shop", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "scenariodb.toml")
		cfg := NewConfig("shop", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "scenariodb.toml")
		cfg := NewConfig("read-test", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.ProjectName != "read-test" {
			t.Errorf("ProjectName = %q, want %q", got.ProjectName, "read-test")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/scenariodb.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
