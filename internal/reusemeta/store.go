// Package reusemeta keeps the reuse record inside each built database.
package reusemeta

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"scenariodb/internal/scenario"
)

// Store reads and writes the record in the reserved table. The table holds at
// most one row.
type Store struct {
	driver scenario.Driver
	logger scenario.Logger
}

var _ scenario.MetadataStore = (*Store)(nil)

// New creates a Store for databases of the given driver.
func New(driver scenario.Driver, logger scenario.Logger) *Store {
	if logger == nil {
		logger = scenario.NewNopLogger()
	}
	return &Store{driver: driver, logger: logger}
}

var table = `"` + scenario.MetaTable + `"`

const columns = `version, project_name, orig_db_name, build_checksum, snapshot_checksum,
	scenario_checksum, uses_transactions, transaction_reusable, journal_reusable,
	will_verify, content_checksum, created_at, last_used_at`

var createTable = `CREATE TABLE IF NOT EXISTS ` + table + ` (
	version              TEXT NOT NULL,
	project_name         TEXT NOT NULL,
	orig_db_name         TEXT NOT NULL,
	build_checksum       TEXT NOT NULL,
	snapshot_checksum    TEXT NOT NULL,
	scenario_checksum    TEXT NOT NULL,
	uses_transactions    INTEGER NOT NULL,
	transaction_reusable INTEGER NOT NULL,
	journal_reusable     INTEGER NOT NULL,
	will_verify          INTEGER NOT NULL,
	content_checksum     TEXT NOT NULL,
	created_at           TEXT NOT NULL,
	last_used_at         TEXT NOT NULL
)`

// Read returns the record, or nil when the table is missing, empty, holds more
// than one row, or holds values that cannot be parsed.
func (s *Store) Read(ctx context.Context, q scenario.Querier) (*scenario.Record, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+columns+" FROM "+table)
	if err != nil {
		s.logger.Debug("no reuse metadata", "error", err)
		return nil, nil
	}
	defer rows.Close()

	var recs []*scenario.Record
	for rows.Next() {
		var (
			r                                    scenario.Record
			usesTx, txReusable, jReusable, verif int64
			created, lastUsed                    string
		)
		if err := rows.Scan(&r.Version, &r.ProjectName, &r.OrigDatabase, &r.BuildChecksum, &r.SnapshotChecksum,
			&r.ScenarioChecksum, &usesTx, &txReusable, &jReusable,
			&verif, &r.ContentChecksum, &created, &lastUsed); err != nil {
			s.logger.Debug("malformed reuse metadata", "error", err)
			return nil, nil
		}
		r.UsesTransactions = usesTx != 0
		r.TransactionReusable = txReusable != 0
		r.JournalReusable = jReusable != 0
		r.WillVerify = verif != 0
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			s.logger.Debug("malformed reuse metadata", "field", "created_at", "error", err)
			return nil, nil
		}
		if r.LastUsedAt, err = time.Parse(time.RFC3339Nano, lastUsed); err != nil {
			s.logger.Debug("malformed reuse metadata", "field", "last_used_at", "error", err)
			return nil, nil
		}
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		s.logger.Debug("reading reuse metadata failed", "error", err)
		return nil, nil
	}
	if len(recs) != 1 {
		s.logger.Debug("unexpected reuse metadata rows", "rows", len(recs))
		return nil, nil
	}
	return recs[0], nil
}

// Write replaces the record.
func (s *Store) Write(ctx context.Context, q scenario.Querier, r scenario.Record) error {
	if _, err := q.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("creating metadata table: %w", err)
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("clearing metadata table: %w", err)
	}
	_, err := q.ExecContext(ctx, s.rebind("INSERT INTO "+table+" ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		r.Version, r.ProjectName, r.OrigDatabase, r.BuildChecksum, r.SnapshotChecksum,
		r.ScenarioChecksum, flag(r.UsesTransactions), flag(r.TransactionReusable), flag(r.JournalReusable),
		flag(r.WillVerify), r.ContentChecksum, formatTime(r.CreatedAt), formatTime(r.LastUsedAt))
	if err != nil {
		return fmt.Errorf("inserting metadata: %w", err)
	}
	return nil
}

// Remove drops the metadata table.
func (s *Store) Remove(ctx context.Context, q scenario.Querier) error {
	if _, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("dropping metadata table: %w", err)
	}
	return nil
}

// Touch records that the database was just handed to a test.
func (s *Store) Touch(ctx context.Context, q scenario.Querier, at time.Time) error {
	if _, err := q.ExecContext(ctx, s.rebind("UPDATE "+table+" SET last_used_at = ?"), formatTime(at)); err != nil {
		return fmt.Errorf("updating metadata: %w", err)
	}
	return nil
}

// MarkTransactionStarted clears transaction_reusable inside the test's
// wrapping transaction. A rollback restores it; a commit by the test leaves
// the database marked as not reusable.
func (s *Store) MarkTransactionStarted(ctx context.Context, tx scenario.Querier) error {
	if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET transaction_reusable = 0"); err != nil {
		return fmt.Errorf("updating metadata: %w", err)
	}
	return nil
}

// TransactionCommitted reports whether a test committed its wrapping transaction.
func (s *Store) TransactionCommitted(ctx context.Context, q scenario.Querier) (bool, error) {
	rec, err := s.Read(ctx, q)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.UsesTransactions && !rec.TransactionReusable, nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != scenario.DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
