package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/natefinch/atomic"

	"scenariodb/internal/scenario"
)

// journalTable records which user tables were written since the journal started.
const journalTable = scenario.ReservedPrefix + "_journal____"

// StartJournal installs triggers that note every write to a user table and
// keeps a pristine copy of the database file to revert to.
func (e *SQLite) StartJournal(ctx context.Context, name string) error {
	db, err := e.Open(ctx, name)
	if err != nil {
		return err
	}
	defer db.Close()

	tables, err := sqliteTables(ctx, db, true)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		"DROP TABLE IF EXISTS " + quoteIdent(journalTable),
		"CREATE TABLE " + quoteIdent(journalTable) + " (table_name TEXT PRIMARY KEY)",
	}
	for _, t := range tables {
		for _, op := range []string{"INSERT", "UPDATE", "DELETE"} {
			trigger := quoteIdent(fmt.Sprintf("%s_%s_%s", scenario.ReservedPrefix, t, op))
			stmts = append(stmts,
				"DROP TRIGGER IF EXISTS "+trigger,
				fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s BEGIN INSERT OR IGNORE INTO %s (table_name) VALUES (%s); END",
					trigger, op, quoteIdent(t), quoteIdent(journalTable), quoteLiteral(t)),
			)
		}
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("installing journal: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("installing journal: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}

	src, err := os.Open(e.Path(name))
	if err != nil {
		return fmt.Errorf("opening database file: %w", err)
	}
	defer src.Close()
	if err := atomic.WriteFile(e.Path(name)+pristineSuffix, src); err != nil {
		return fmt.Errorf("saving pristine copy: %w", err)
	}
	return nil
}

// RevertJournal restores the pristine copy when a user table was written or
// the schema changed since StartJournal. Otherwise the database is left alone.
func (e *SQLite) RevertJournal(ctx context.Context, name string) error {
	pristine := e.Path(name) + pristineSuffix
	if _, err := os.Stat(pristine); err != nil {
		return fmt.Errorf("no journal on %s: %w", name, err)
	}

	dirty, err := e.journalDirty(ctx, name)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return e.copyInto(name, pristine)
}

func (e *SQLite) journalDirty(ctx context.Context, name string) (bool, error) {
	db, err := e.Open(ctx, name)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var changed int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(journalTable)).Scan(&changed)
	if err != nil {
		// A missing journal table means the schema was rewritten.
		return true, nil
	}
	if changed > 0 {
		return true, nil
	}

	current, err := schemaVersion(ctx, e.Path(name))
	if err != nil {
		return false, err
	}
	original, err := schemaVersion(ctx, e.Path(name)+pristineSuffix)
	if err != nil {
		return false, err
	}
	return current != original, nil
}

func schemaVersion(ctx context.Context, path string) (int64, error) {
	db, err := OpenConnection("file:" + path + "?mode=ro")
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var v int64
	if err := db.QueryRowContext(ctx, "PRAGMA schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version of %s: %w", path, err)
	}
	return v, nil
}
