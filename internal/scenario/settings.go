package scenario

import (
	"errors"
	"path/filepath"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// SnapshotPolicy selects when snapshots are taken and looked for.
type SnapshotPolicy string

const (
	SnapshotsOff             SnapshotPolicy = "off"
	SnapshotsAfterMigrations SnapshotPolicy = "after-migrations"
	SnapshotsAfterSeeders    SnapshotPolicy = "after-seeders"
	SnapshotsBoth            SnapshotPolicy = "both"
)

// AfterMigrations reports whether a snapshot is taken once migrations have run.
func (p SnapshotPolicy) AfterMigrations() bool {
	return p == SnapshotsAfterMigrations || p == SnapshotsBoth
}

// AfterSeeders reports whether a snapshot is taken once seeders have run.
func (p SnapshotPolicy) AfterSeeders() bool {
	return p == SnapshotsAfterSeeders || p == SnapshotsBoth
}

// Enabled reports whether the policy takes any snapshot at all.
func (p SnapshotPolicy) Enabled() bool {
	return p.AfterMigrations() || p.AfterSeeders()
}

// Settings is the fully resolved configuration for one build request.
type Settings struct {
	ProjectName      string
	TestName         string
	Connection       string
	Driver           Driver
	Database         string // original database name
	DatabaseModifier string // disambiguates parallel workers

	ProjectDir     string // relative scenario paths are resolved against it
	SeederDir      string // seeder files; their contents feed the build checksum
	StorageDir     string
	SnapshotPrefix string
	DatabasePrefix string

	CheckForSourceChanges      bool
	PreCalculatedBuildChecksum string

	Scenario Spec

	RemoteBuildURL            string
	IsBrowserTest             bool
	IsRemoteBuild             bool
	SessionDriver             string
	RemoteCallerSessionDriver string

	ReuseTransaction  bool
	ReuseJournal      bool
	ScenarioDatabases bool
	VerifyStructure   bool
	VerifyData        bool

	SnapshotsWhenReusing    SnapshotPolicy
	SnapshotsWhenNotReusing SnapshotPolicy

	ForceRebuild bool
	StaleGrace   time.Duration
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Driver:                  DriverSQLite,
		Database:                "test",
		SnapshotPrefix:          "snapshot.",
		DatabasePrefix:          "test_",
		CheckForSourceChanges:   true,
		ReuseTransaction:        true,
		ScenarioDatabases:       true,
		SnapshotsWhenReusing:    SnapshotsAfterSeeders,
		SnapshotsWhenNotReusing: SnapshotsAfterSeeders,
		SessionDriver:           "file",
		StaleGrace:              4 * time.Hour,
	}
}

// Option adjusts settings for a single build, e.g. per-test overrides.
type Option func(*Settings)

// WithTestName records the name of the test the database is built for.
func WithTestName(name string) Option {
	return func(s *Settings) { s.TestName = name }
}

// WithModifier sets the database modifier used by parallel workers.
func WithModifier(modifier string) Option {
	return func(s *Settings) { s.DatabaseModifier = modifier }
}

// WithScenario replaces the scenario to build.
func WithScenario(spec Spec) Option {
	return func(s *Settings) { s.Scenario = spec.Clone() }
}

// WithForceRebuild makes the next build ignore any reusable database.
func WithForceRebuild() Option {
	return func(s *Settings) { s.ForceRebuild = true }
}

// WithBrowserTest marks the build as serving a browser test.
func WithBrowserTest() Option {
	return func(s *Settings) { s.IsBrowserTest = true }
}

// Path resolves a scenario path against the project directory.
func (s Settings) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || s.ProjectDir == "" {
		return p
	}
	return filepath.Join(s.ProjectDir, p)
}

// Apply returns a copy of s with the options applied.
func (s Settings) Apply(opts ...Option) Settings {
	out := s
	out.Scenario = s.Scenario.Clone()
	for _, opt := range opts {
		opt(&out)
	}
	return out
}

// Resolve turns off everything the engine cannot do, and everything a browser
// test must not use. Browser tests share their database with another process,
// so they can neither be wrapped in a transaction nor be given a scenario database.
func (s Settings) Resolve(caps Capabilities) Settings {
	out := s.Apply()
	if out.IsBrowserTest {
		out.ReuseTransaction = false
		out.ReuseJournal = false
		out.ScenarioDatabases = false
	}
	if !caps.Transactions {
		out.ReuseTransaction = false
	}
	if !caps.Journal {
		out.ReuseJournal = false
	}
	if !caps.VerifyStructure {
		out.VerifyStructure = false
		out.VerifyData = false
	}
	if !caps.Snapshots {
		out.SnapshotsWhenReusing = SnapshotsOff
		out.SnapshotsWhenNotReusing = SnapshotsOff
	}
	return out
}

// Reusing reports whether built databases are kept for later tests.
func (s Settings) Reusing() bool {
	return s.ReuseTransaction || s.ReuseJournal
}

// UsingScenarios reports whether each scenario gets its own database.
func (s Settings) UsingScenarios() bool {
	return s.ScenarioDatabases && !s.IsBrowserTest
}

// WillVerify reports whether reused databases are checked against a stored checksum.
func (s Settings) WillVerify() bool {
	return s.VerifyStructure || s.VerifyData
}

// SnapshotPolicy returns the policy that applies to the current reuse mode.
func (s Settings) SnapshotPolicy() SnapshotPolicy {
	if s.Reusing() {
		return s.SnapshotsWhenReusing
	}
	return s.SnapshotsWhenNotReusing
}

// Validate checks the settings and returns a *ConfigError describing the first problem.
func (s Settings) Validate() error {
	policies := []any{SnapshotsOff, SnapshotsAfterMigrations, SnapshotsAfterSeeders, SnapshotsBoth}
	err := validation.ValidateStruct(&s,
		validation.Field(&s.ProjectName, validation.Required),
		validation.Field(&s.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres)),
		validation.Field(&s.Database, validation.Required),
		validation.Field(&s.RemoteBuildURL, is.URL),
		validation.Field(&s.SnapshotsWhenReusing, validation.In(policies...)),
		validation.Field(&s.SnapshotsWhenNotReusing, validation.In(policies...)),
		validation.Field(&s.StaleGrace, validation.Min(time.Duration(0))),
	)
	if err == nil {
		if s.IsRemoteBuild && s.RemoteBuildURL != "" {
			return &ConfigError{Field: "RemoteBuildURL", Message: "a remote build cannot delegate to another remote"}
		}
		return nil
	}

	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return &ConfigError{Message: err.Error()}
	}
	fields := make([]string, 0, len(verrs))
	for f := range verrs {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return &ConfigError{Field: fields[0], Message: verrs[fields[0]].Error()}
}
