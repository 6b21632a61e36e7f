package scenario

import "time"

const (
	// MetaTable holds the reuse record inside every built database.
	MetaTable = "____scenariodb____"
	// ReservedPrefix starts the name of every table the tool itself creates.
	// Such tables are left out of content checksums.
	ReservedPrefix = "____scenariodb"
)

// Record is the reuse metadata stored inside each built database.
type Record struct {
	OrigDatabase        string
	ProjectName         string
	Version             string
	BuildChecksum       string
	SnapshotChecksum    string
	ScenarioChecksum    string
	UsesTransactions    bool // built to be wrapped in a transaction per test
	TransactionReusable bool // cleared when a test commits its wrapping transaction
	JournalReusable     bool
	WillVerify          bool
	ContentChecksum     string // structure (and optionally data) checksum taken after the build
	CreatedAt           time.Time
	LastUsedAt          time.Time
}

// NewRecord returns the record describing a database that was just built.
func NewRecord(s Settings, fp Fingerprint, now time.Time) Record {
	return Record{
		OrigDatabase:        s.Database,
		ProjectName:         s.ProjectName,
		Version:             StructureVersion,
		BuildChecksum:       fp.BuildChecksum,
		SnapshotChecksum:    fp.SnapshotChecksum,
		ScenarioChecksum:    fp.ScenarioChecksum,
		UsesTransactions:    s.ReuseTransaction,
		TransactionReusable: s.ReuseTransaction,
		JournalReusable:     s.ReuseJournal,
		WillVerify:          s.WillVerify(),
		CreatedAt:           now.UTC(),
		LastUsedAt:          now.UTC(),
	}
}

// IsStale reports whether the record was last used before the grace period.
func (r *Record) IsStale(now time.Time, grace time.Duration) bool {
	return r.LastUsedAt.Add(grace).Before(now)
}
