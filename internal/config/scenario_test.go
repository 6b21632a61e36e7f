package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestLoadScenarioFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "checkout.yaml")
		writeFile(t, path, `
pre_data_imports:
  sqlite: [dumps/base.sqlite]
migrations: migrations
seeders:
  - users
  - carts
checksum_paths: [fixtures]
`)
		spec, err := LoadScenarioFile(path)
		if err != nil {
			t.Fatalf("LoadScenarioFile() error = %v", err)
		}
		if spec.Migrations != "migrations" {
			t.Errorf("Migrations = %q", spec.Migrations)
		}
		if len(spec.Seeders) != 2 || spec.Seeders[1] != "carts" {
			t.Errorf("Seeders = %v", spec.Seeders)
		}
		if got := spec.PreDataImports["sqlite"]; len(got) != 1 || got[0] != "dumps/base.sqlite" {
			t.Errorf("PreDataImports = %v", spec.PreDataImports)
		}
	})

	t.Run("toml", func(t *testing.T) {
		path := filepath.Join(dir, "checkout.toml")
		writeFile(t, path, "migrations = \"db/migrate\"\nseeders = [\"users\"]\n")
		spec, err := LoadScenarioFile(path)
		if err != nil {
			t.Fatalf("LoadScenarioFile() error = %v", err)
		}
		if spec.Migrations != "db/migrate" || len(spec.Seeders) != 1 {
			t.Errorf("spec = %+v", spec)
		}
	})

	t.Run("unknown yaml field", func(t *testing.T) {
		path := filepath.Join(dir, "typo.yml")
		writeFile(t, path, "seeder: [users]\n")
		if _, err := LoadScenarioFile(path); err == nil {
			t.Error("LoadScenarioFile() expected error for unknown field")
		}
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := filepath.Join(dir, "scenario.json")
		writeFile(t, path, "{}")
		if _, err := LoadScenarioFile(path); err == nil {
			t.Error("LoadScenarioFile() expected error for .json")
		}
	})
}

func TestDatabaseLookup(t *testing.T) {
	cfg := NewConfig("shop", t.TempDir())
	cfg.Databases = append(cfg.Databases, DatabaseConfig{Connection: "audit", Name: "audit_test"})

	db, err := cfg.Database("")
	if err != nil || db.Connection != "main" {
		t.Errorf("Database(\"\") = %+v, %v; want main", db, err)
	}
	db, err = cfg.Database("audit")
	if err != nil || db.Name != "audit_test" {
		t.Errorf("Database(audit) = %+v, %v", db, err)
	}
	if _, err := cfg.Database("missing"); err == nil {
		t.Error("Database(missing) expected error")
	}
}

func TestResolvedScenario(t *testing.T) {
	cfg := NewConfig("shop", t.TempDir())
	cfg.ProjectDir = t.TempDir()
	writeFile(t, filepath.Join(cfg.ProjectDir, "scenarios", "audit.yaml"), "migrations: audit/migrations\n")

	spec, err := cfg.ResolvedScenario(DatabaseConfig{ScenarioFile: "scenarios/audit.yaml", Scenario: ScenarioSpec{Migrations: "ignored"}})
	if err != nil {
		t.Fatalf("ResolvedScenario() error = %v", err)
	}
	if spec.Migrations != "audit/migrations" {
		t.Errorf("Migrations = %q, want file contents", spec.Migrations)
	}

	inline, err := cfg.ResolvedScenario(DatabaseConfig{Scenario: ScenarioSpec{Migrations: "inline"}})
	if err != nil || inline.Migrations != "inline" {
		t.Errorf("ResolvedScenario(inline) = %+v, %v", inline, err)
	}
}
