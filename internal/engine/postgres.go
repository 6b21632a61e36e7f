package engine

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/kballard/go-shellquote"

	"scenariodb/internal/scenario"
)

// Postgres creates one PostgreSQL database per scenario on a server reached
// through an administrative connection URL. Dumps and snapshots go through
// the psql and pg_dump executables.
type Postgres struct {
	admin  *url.URL
	psql   string
	pgDump string
}

var _ scenario.Engine = (*Postgres)(nil)

// NewPostgres creates a Postgres engine. dsn must be a postgres:// URL; its
// database is used for administrative statements.
func NewPostgres(dsn, psql, pgDump string) (*Postgres, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, &scenario.ConfigError{Field: "Connection", Message: "invalid postgres URL"}
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, &scenario.ConfigError{Field: "Connection", Message: fmt.Sprintf("unsupported scheme %q, want postgres://", u.Scheme)}
	}
	if psql == "" {
		psql = "psql"
	}
	if pgDump == "" {
		pgDump = "pg_dump"
	}
	return &Postgres{admin: u, psql: psql, pgDump: pgDump}, nil
}

func (e *Postgres) Driver() scenario.Driver { return scenario.DriverPostgres }

func (e *Postgres) Capabilities() scenario.Capabilities {
	return scenario.Capabilities{
		Transactions:    true,
		Snapshots:       true,
		VerifyStructure: true,
	}
}

// dsnFor returns the connection URL of the named database.
func (e *Postgres) dsnFor(name string) *url.URL {
	u := *e.admin
	u.Path = "/" + name
	u.RawPath = ""
	return &u
}

func (e *Postgres) adminDB(ctx context.Context) (*sql.DB, error) {
	return openPostgres(ctx, e.admin.String())
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return db, nil
}

func (e *Postgres) Exists(ctx context.Context, name string) (bool, error) {
	db, err := e.adminDB(ctx)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists); err != nil {
		return false, fmt.Errorf("looking up database: %w", err)
	}
	return exists, nil
}

func (e *Postgres) Create(ctx context.Context, name string) error {
	db, err := e.adminDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoteIdent(name)+" WITH (FORCE)"); err != nil {
		return fmt.Errorf("dropping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE DATABASE "+quoteIdent(name)); err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	return nil
}

func (e *Postgres) Drop(ctx context.Context, name string) error {
	db, err := e.adminDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoteIdent(name)+" WITH (FORCE)"); err != nil {
		return fmt.Errorf("dropping database: %w", err)
	}
	return nil
}

func (e *Postgres) Open(ctx context.Context, name string) (*sql.DB, error) {
	return openPostgres(ctx, e.dsnFor(name).String())
}

func (e *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	db, err := e.adminDB(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT datname FROM pg_database WHERE datname LIKE $1 ESCAPE '\' ORDER BY datname`,
		likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("listing databases: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// likePrefix escapes prefix for a LIKE pattern matching names that start with it.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func (e *Postgres) Size(ctx context.Context, name string) (int64, error) {
	db, err := e.adminDB(ctx)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var size int64
	if err := db.QueryRowContext(ctx, "SELECT pg_database_size($1)", name).Scan(&size); err != nil {
		return 0, fmt.Errorf("reading database size: %w", err)
	}
	return size, nil
}

func (e *Postgres) ImportFile(ctx context.Context, name, path string) error {
	return e.run(ctx, e.psqlCommand(name, path))
}

func (e *Postgres) ExportSnapshot(ctx context.Context, name, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+uuid.New().String())
	if err := e.run(ctx, e.dumpCommand(name, tmp)); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("moving snapshot into place: %w", err)
	}
	return nil
}

func (e *Postgres) ImportSnapshot(ctx context.Context, name, path string) error {
	return e.run(ctx, e.psqlCommand(name, path))
}

func (e *Postgres) SnapshotExtension() string { return "sql" }

func (e *Postgres) StartJournal(context.Context, string) error {
	return &scenario.DriverUnsupportedError{Driver: scenario.DriverPostgres, Operation: "journal"}
}

func (e *Postgres) RevertJournal(context.Context, string) error {
	return &scenario.DriverUnsupportedError{Driver: scenario.DriverPostgres, Operation: "journal"}
}

func (e *Postgres) ContentChecksum(ctx context.Context, name string, includeData bool) (string, error) {
	db, err := e.Open(ctx, name)
	if err != nil {
		return "", err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type, is_nullable, COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name NOT LIKE $1 ESCAPE '\'
		ORDER BY table_name, ordinal_position`, likePrefix(scenario.ReservedPrefix))
	if err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}
	sum := newContentHash()
	var tables []string
	for rows.Next() {
		var table, column, typ, nullable, def string
		if err := rows.Scan(&table, &column, &typ, &nullable, &def); err != nil {
			rows.Close()
			return "", fmt.Errorf("reading schema: %w", err)
		}
		sum.add(table, column, typ, nullable, def)
		if len(tables) == 0 || tables[len(tables)-1] != table {
			tables = append(tables, table)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}

	if includeData {
		for _, table := range tables {
			if err := sum.addRows(ctx, db, table, "SELECT * FROM public."+quoteIdent(table)); err != nil {
				return "", err
			}
		}
	}
	return sum.hex(), nil
}

// command is an external program invocation. display is what gets logged and
// reported, with the password redacted.
type command struct {
	args    []string
	display []string
}

func (c command) String() string { return shellquote.Join(c.display...) }

func (e *Postgres) psqlCommand(name, file string) command {
	dsn := e.dsnFor(name)
	base := []string{e.psql, "--quiet", "--no-psqlrc", "--set", "ON_ERROR_STOP=1", "--file", file, "--dbname"}
	return command{
		args:    append(append([]string{}, base...), dsn.String()),
		display: append(append([]string{}, base...), dsn.Redacted()),
	}
}

func (e *Postgres) dumpCommand(name, file string) command {
	dsn := e.dsnFor(name)
	base := []string{e.pgDump, "--no-owner", "--no-privileges", "--file", file, "--dbname"}
	return command{
		args:    append(append([]string{}, base...), dsn.String()),
		display: append(append([]string{}, base...), dsn.Redacted()),
	}
}

func (e *Postgres) run(ctx context.Context, c command) error {
	cmd := exec.CommandContext(ctx, c.args[0], c.args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("running %s: %w: %s", c, err, strings.TrimSpace(string(out)))
	}
	return nil
}
