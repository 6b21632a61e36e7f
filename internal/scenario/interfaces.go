package scenario

import (
	"context"
	"database/sql"
	"time"
)

// Engine is one database engine family. The builder only talks to engines
// through this interface and their Capabilities.
type Engine interface {
	Driver() Driver
	Capabilities() Capabilities

	// Exists reports whether the named database exists.
	Exists(ctx context.Context, name string) (bool, error)
	// Create drops the named database if present and creates an empty one.
	Create(ctx context.Context, name string) error
	// Drop removes the named database. Dropping a missing database is not an error.
	Drop(ctx context.Context, name string) error
	// Open returns a connection pool for the named database. The caller closes it.
	Open(ctx context.Context, name string) (*sql.DB, error)
	// List returns the names of the databases starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Size returns the size of the named database in bytes.
	Size(ctx context.Context, name string) (int64, error)

	// ImportFile loads a pre-data dump into the named database.
	ImportFile(ctx context.Context, name, path string) error
	// ExportSnapshot writes the named database to the snapshot file at path.
	ExportSnapshot(ctx context.Context, name, path string) error
	// ImportSnapshot replaces the named database's contents with the snapshot at path.
	ImportSnapshot(ctx context.Context, name, path string) error
	// SnapshotExtension is the file extension of snapshot files, without the dot.
	SnapshotExtension() string

	// StartJournal starts tracking changes so they can be reverted later.
	StartJournal(ctx context.Context, name string) error
	// RevertJournal reverts the changes tracked since StartJournal.
	RevertJournal(ctx context.Context, name string) error

	// ContentChecksum returns a checksum of the schema, and of the data when includeData is set.
	ContentChecksum(ctx context.Context, name string, includeData bool) (string, error)
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MetadataStore reads and writes the reuse record kept inside a database.
type MetadataStore interface {
	// Read returns nil, nil when the record is absent or malformed.
	Read(ctx context.Context, q Querier) (*Record, error)
	Write(ctx context.Context, q Querier, rec Record) error
	Remove(ctx context.Context, q Querier) error
	Touch(ctx context.Context, q Querier, at time.Time) error
	// MarkTransactionStarted clears the transaction-reusable flag inside tx. The
	// change only survives if the test commits tx.
	MarkTransactionStarted(ctx context.Context, tx Querier) error
	// TransactionCommitted reports whether the mark set by MarkTransactionStarted
	// was committed.
	TransactionCommitted(ctx context.Context, q Querier) (bool, error)
}

// Checksummer computes the fingerprint of the current build.
type Checksummer interface {
	Fingerprint() (Fingerprint, error)
	SnapshotChecksumFor(seeders []string) (string, error)
}

// SnapshotStore imports and exports snapshot files for a build.
type SnapshotStore interface {
	// TryImport loads the snapshot holding the given seeders into the named
	// database and reports whether one was found.
	TryImport(ctx context.Context, name string, seeders []string) (bool, error)
	Export(ctx context.Context, name string, seeders []string) error
}

// RemoteBuilder asks another process to build the database and returns its name.
type RemoteBuilder interface {
	Build(ctx context.Context, s Settings) (string, error)
	// RemoteBuildChecksum returns the build checksum the remote at url
	// reported for an earlier build, if any.
	RemoteBuildChecksum(url string) (string, bool)
}

// Migrator runs the migrations found in dir against db.
type Migrator interface {
	Migrate(ctx context.Context, driver Driver, db *sql.DB, dir string) error
}

// Seeder runs one named seeder against db.
type Seeder interface {
	Seed(ctx context.Context, db *sql.DB, name string) error
}

// Metrics records build outcomes.
type Metrics interface {
	BuildFinished(outcome Outcome, d time.Duration)
	ReuseViolation()
	Snapshot(op string, result SnapshotResult)
}

// SnapshotResult is how a snapshot import or export ended.
type SnapshotResult string

const (
	SnapshotHit    SnapshotResult = "hit"     // imported
	SnapshotMiss   SnapshotResult = "miss"    // nothing to import
	SnapshotStored SnapshotResult = "stored"  // exported
	SnapshotFailed SnapshotResult = "failure" // the engine or mirror failed
)

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) BuildFinished(Outcome, time.Duration) {}
func (NopMetrics) ReuseViolation()                      {}
func (NopMetrics) Snapshot(string, SnapshotResult)      {}
