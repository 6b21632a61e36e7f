package scenario

import "slices"

// Driver identifies a database engine family.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "pgsql"
)

// Capabilities describes what an Engine can do. The orchestrator consults it
// instead of branching on the driver name.
type Capabilities struct {
	Transactions    bool // tests can be wrapped in a transaction that is rolled back
	Journal         bool // changes can be tracked and reverted without a transaction
	Snapshots       bool // databases can be exported to and imported from files
	Portable        bool // a database built by a remote process is usable locally
	VerifyStructure bool // a structure checksum can be computed
}

// Spec describes what a database must contain. The builder copies it before
// fingerprinting so later changes by the caller have no effect.
type Spec struct {
	// PreDataImports lists dump files per driver, imported before migrations.
	PreDataImports map[Driver][]string `toml:"pre_data_imports" yaml:"pre_data_imports" json:"preDataImports"`
	// Migrations is the migrations directory. Empty disables migrations.
	Migrations string `toml:"migrations" yaml:"migrations" json:"migrations"`
	// Seeders are run in order, only when migrations run.
	Seeders []string `toml:"seeders" yaml:"seeders" json:"seeders"`
	// ChecksumPaths are extra files or directories whose contents affect the build.
	ChecksumPaths []string `toml:"checksum_paths" yaml:"checksum_paths" json:"checksumPaths"`
}

// Clone returns a deep copy of the spec.
func (s Spec) Clone() Spec {
	out := Spec{
		Migrations:    s.Migrations,
		Seeders:       slices.Clone(s.Seeders),
		ChecksumPaths: slices.Clone(s.ChecksumPaths),
	}
	if s.PreDataImports != nil {
		out.PreDataImports = make(map[Driver][]string, len(s.PreDataImports))
		for d, paths := range s.PreDataImports {
			out.PreDataImports[d] = slices.Clone(paths)
		}
	}
	return out
}

// ImportsFor returns the pre-data imports that apply to the given driver.
func (s Spec) ImportsFor(d Driver) []string {
	return s.PreDataImports[d]
}

// SeedersToRun returns the seeders that will actually run. Seeders only run
// on top of migrations.
func (s Spec) SeedersToRun() []string {
	if s.Migrations == "" {
		return []string{}
	}
	if s.Seeders == nil {
		return []string{}
	}
	return s.Seeders
}
