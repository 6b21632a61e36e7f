package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"scenariodb/internal/scenario"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	sqliteExt      = ".sqlite"
	pristineSuffix = ".pristine"
)

// SQLite keeps each database in its own file under a storage directory:
//
//	<dir>/<name>.sqlite           the database
//	<dir>/<name>.sqlite.pristine  copy taken when journaling starts
type SQLite struct {
	dir string
}

var _ scenario.Engine = (*SQLite)(nil)

// NewSQLite creates a SQLite engine storing databases in dir.
func NewSQLite(dir string) *SQLite {
	return &SQLite{dir: dir}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// Parallel workers may open the same file while it is being reused.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

func (e *SQLite) Driver() scenario.Driver { return scenario.DriverSQLite }

func (e *SQLite) Capabilities() scenario.Capabilities {
	return scenario.Capabilities{
		Transactions:    true,
		Journal:         true,
		Snapshots:       true,
		Portable:        true,
		VerifyStructure: true,
	}
}

// Path returns the file holding the named database.
func (e *SQLite) Path(name string) string {
	return filepath.Join(e.dir, name+sqliteExt)
}

func (e *SQLite) Exists(_ context.Context, name string) (bool, error) {
	info, err := os.Stat(e.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat database file: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

func (e *SQLite) Create(ctx context.Context, name string) error {
	if err := e.Drop(ctx, name); err != nil {
		return err
	}
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	db, err := OpenConnection(e.Path(name))
	if err != nil {
		return err
	}
	defer db.Close()
	// The file is only written once the first statement runs.
	if _, err := db.ExecContext(ctx, "PRAGMA user_version = 0"); err != nil {
		return fmt.Errorf("creating database file: %w", err)
	}
	return nil
}

func (e *SQLite) Drop(_ context.Context, name string) error {
	path := e.Path(name)
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm", path + pristineSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

func (e *SQLite) Open(_ context.Context, name string) (*sql.DB, error) {
	return OpenConnection(e.Path(name))
}

func (e *SQLite) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading storage directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), sqliteExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), sqliteExt)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (e *SQLite) Size(_ context.Context, name string) (int64, error) {
	info, err := os.Stat(e.Path(name))
	if err != nil {
		return 0, fmt.Errorf("stat database file: %w", err)
	}
	return info.Size(), nil
}

// ImportFile executes .sql files. Any other file is taken to be a SQLite
// database and is copied over the named database.
func (e *SQLite) ImportFile(ctx context.Context, name, path string) error {
	if strings.EqualFold(filepath.Ext(path), ".sql") {
		return e.execFile(ctx, name, path)
	}
	return e.copyInto(name, path)
}

func (e *SQLite) execFile(ctx context.Context, name, path string) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	db, err := e.Open(ctx, name)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("executing %s: %w", path, err)
	}
	return tx.Commit()
}

// copyInto replaces the named database file with src.
func (e *SQLite) copyInto(name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer f.Close()

	dest := e.Path(name)
	if err := atomic.WriteFile(dest, f); err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	for _, p := range []string{dest + "-journal", dest + "-wal", dest + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// ExportSnapshot writes a compacted copy of the database using VACUUM INTO.
func (e *SQLite) ExportSnapshot(ctx context.Context, name, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	db, err := e.Open(ctx, name)
	if err != nil {
		return err
	}
	defer db.Close()

	// VACUUM INTO refuses to overwrite, and readers must never see a partial file.
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+uuid.New().String())
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("exporting database: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("moving snapshot into place: %w", err)
	}
	return nil
}

func (e *SQLite) ImportSnapshot(_ context.Context, name, path string) error {
	return e.copyInto(name, path)
}

func (e *SQLite) SnapshotExtension() string { return "sqlite" }

func (e *SQLite) ContentChecksum(ctx context.Context, name string, includeData bool) (string, error) {
	db, err := e.Open(ctx, name)
	if err != nil {
		return "", err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT type, name, tbl_name, COALESCE(sql, '')
		FROM sqlite_master
		WHERE name NOT GLOB ?
		  AND name NOT GLOB 'sqlite_*'
		ORDER BY type, name`, scenario.ReservedPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}
	sum := newContentHash()
	var tables []string
	for rows.Next() {
		var typ, objName, table, ddl string
		if err := rows.Scan(&typ, &objName, &table, &ddl); err != nil {
			rows.Close()
			return "", fmt.Errorf("reading schema: %w", err)
		}
		sum.add(typ, objName, table, ddl)
		if typ == "table" {
			tables = append(tables, objName)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}

	if includeData {
		for _, table := range tables {
			if err := sum.addRows(ctx, db, table, "SELECT * FROM "+quoteIdent(table)); err != nil {
				return "", err
			}
		}
	}
	return sum.hex(), nil
}

func sqliteTables(ctx context.Context, q scenario.Querier, userOnly bool) ([]string, error) {
	query := "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT GLOB 'sqlite_*'"
	if userOnly {
		query += " AND name NOT GLOB '" + scenario.ReservedPrefix + "*'"
	}
	rows, err := q.QueryContext(ctx, query+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("listing tables: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}
