package scenario

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Deps are the collaborators a Builder works with. Snapshots and Remote are
// optional; the others are required except where a default is noted.
type Deps struct {
	Engine    Engine
	Checksums Checksummer
	Metadata  MetadataStore
	Snapshots SnapshotStore
	Remote    RemoteBuilder
	Migrator  Migrator
	Seeder    Seeder
	Logger    Logger  // defaults to NopLogger
	Clock     Clock   // defaults to RealClock
	Metrics   Metrics // defaults to NopMetrics
}

// Builder produces a database matching one scenario, reusing an existing
// database or a snapshot when allowed, and rebuilding otherwise.
type Builder struct {
	settings Settings
	deps     Deps
}

// Plan is what a build would do, computed without touching any database.
type Plan struct {
	Database    string
	Fingerprint Fingerprint
	Settings    Settings
	Remote      bool
}

// NewBuilder validates the settings and resolves them against the engine's capabilities.
func NewBuilder(s Settings, d Deps) (*Builder, error) {
	if d.Engine == nil || d.Checksums == nil || d.Metadata == nil {
		return nil, fmt.Errorf("builder requires an engine, a checksummer and a metadata store")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if d.Engine.Driver() != s.Driver {
		return nil, &ConfigError{Field: "Driver", Message: fmt.Sprintf("engine serves %q, settings ask for %q", d.Engine.Driver(), s.Driver)}
	}
	if d.Logger == nil {
		d.Logger = NewNopLogger()
	}
	if d.Clock == nil {
		d.Clock = RealClock{}
	}
	if d.Metrics == nil {
		d.Metrics = NopMetrics{}
	}
	return &Builder{settings: s.Resolve(d.Engine.Capabilities()), deps: d}, nil
}

// Settings returns the resolved settings the builder works with.
func (b *Builder) Settings() Settings { return b.settings }

// Prepare computes the fingerprint and database name without building anything.
func (b *Builder) Prepare() (*Plan, error) {
	fp, err := b.deps.Checksums.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("resolving fingerprint: %w", err)
	}
	return &Plan{
		Database:    DatabaseName(b.settings, fp),
		Fingerprint: fp,
		Settings:    b.settings,
		Remote:      b.delegates(),
	}, nil
}

func (b *Builder) delegates() bool {
	return b.settings.RemoteBuildURL != "" && !b.settings.IsRemoteBuild
}

// Build returns a handle on a database matching the scenario.
func (b *Builder) Build(ctx context.Context) (*Handle, error) {
	start := b.deps.Clock.Now()

	var (
		name    string
		outcome Outcome
		err     error
	)
	if b.delegates() {
		name, err = b.buildRemotely(ctx)
		if err != nil {
			return nil, err
		}
		outcome = OutcomeRemote
	} else {
		plan, err := b.Prepare()
		if err != nil {
			return nil, err
		}
		name = plan.Database
		outcome, err = b.buildLocally(ctx, plan)
		if err != nil {
			return nil, err
		}
	}

	h, err := b.open(ctx, name, outcome)
	if err != nil {
		return nil, err
	}
	d := b.deps.Clock.Now().Sub(start)
	b.deps.Metrics.BuildFinished(outcome, d)
	b.deps.Logger.Info("database ready", "database", name, "outcome", string(outcome), "duration", d.Round(time.Millisecond))
	return h, nil
}

// buildRemotely sends the build to the remote builder. The build checksum
// goes along so the remote does not hash the files again: the one the remote
// reported for an earlier build when there is one, else the local one.
func (b *Builder) buildRemotely(ctx context.Context) (string, error) {
	s := b.settings
	if !b.deps.Engine.Capabilities().Portable {
		return "", &DriverUnsupportedError{Driver: s.Driver, Operation: "remote build"}
	}
	if b.deps.Remote == nil {
		return "", &ConfigError{Field: "RemoteBuildURL", Message: "no remote build client configured"}
	}
	if s.PreCalculatedBuildChecksum == "" {
		if sum, ok := b.deps.Remote.RemoteBuildChecksum(s.RemoteBuildURL); ok {
			s.PreCalculatedBuildChecksum = sum
		} else {
			fp, err := b.deps.Checksums.Fingerprint()
			if err != nil {
				return "", fmt.Errorf("resolving fingerprint: %w", err)
			}
			s.PreCalculatedBuildChecksum = fp.BuildChecksum
		}
	}
	b.deps.Logger.Debug("delegating build", "url", s.RemoteBuildURL, "build_checksum", s.PreCalculatedBuildChecksum)
	return b.deps.Remote.Build(ctx, s)
}

func (b *Builder) buildLocally(ctx context.Context, plan *Plan) (Outcome, error) {
	name := plan.Database
	verdict, rec, err := b.judge(ctx, name, plan.Fingerprint)
	if err != nil {
		return "", err
	}

	outcome := OutcomeReused
	if verdict.Action == ReuseViaJournalRevert {
		if err := b.deps.Engine.RevertJournal(ctx, name); err != nil {
			b.deps.Logger.Warn("reverting journal failed, rebuilding", "database", name, "error", err)
			verdict = Verdict{Action: MustBuild, Reason: "journal revert failed"}
		} else {
			outcome = OutcomeReverted
		}
	}
	if verdict.Action != MustBuild && b.settings.WillVerify() && rec.ContentChecksum != "" {
		current, err := b.deps.Engine.ContentChecksum(ctx, name, b.settings.VerifyData)
		if err != nil {
			return "", fmt.Errorf("verifying database %s: %w", name, err)
		}
		if current != rec.ContentChecksum {
			b.deps.Logger.Warn("reused database contents changed, rebuilding", "database", name)
			verdict = Verdict{Action: MustBuild, Reason: "contents changed"}
		}
	}

	if verdict.Action == MustBuild {
		b.deps.Logger.Info("building database", "database", name, "reason", verdict.Reason)
		return b.rebuild(ctx, name, plan.Fingerprint)
	}

	if err := b.withDB(ctx, name, func(db *sql.DB) error {
		return b.deps.Metadata.Touch(ctx, db, b.deps.Clock.Now())
	}); err != nil {
		return "", fmt.Errorf("updating reuse metadata: %w", err)
	}
	b.deps.Logger.Debug("reusing database", "database", name, "reason", verdict.Reason)
	return outcome, nil
}

// judge reads the candidate database's record and evaluates it.
func (b *Builder) judge(ctx context.Context, name string, fp Fingerprint) (Verdict, *Record, error) {
	exists, err := b.deps.Engine.Exists(ctx, name)
	if err != nil {
		return Verdict{}, nil, fmt.Errorf("checking database %s: %w", name, err)
	}
	var rec *Record
	if exists {
		err := b.withDB(ctx, name, func(db *sql.DB) error {
			var err error
			rec, err = b.deps.Metadata.Read(ctx, db)
			return err
		})
		if err != nil {
			return Verdict{}, nil, fmt.Errorf("reading reuse metadata: %w", err)
		}
	}

	verdict, err := Evaluate(Candidate{
		Name:        name,
		Exists:      exists,
		Record:      rec,
		Fingerprint: fp,
		Settings:    b.settings,
	})
	if err != nil {
		return Verdict{}, nil, err
	}
	if verdict.Violation {
		b.deps.Logger.Warn("a previous test committed its transaction, rebuilding", "database", name)
	}
	return verdict, rec, nil
}

type buildStage int

const (
	stageEmpty buildStage = iota
	stageMigrated
	stageSeeded
)

func (b *Builder) rebuild(ctx context.Context, name string, fp Fingerprint) (Outcome, error) {
	s := b.settings
	if err := b.deps.Engine.Create(ctx, name); err != nil {
		return "", fmt.Errorf("creating database %s: %w", name, err)
	}

	policy := s.SnapshotPolicy()
	seeders := s.Scenario.SeedersToRun()
	stage, err := b.importSnapshot(ctx, name, policy, seeders)
	if err != nil {
		return "", err
	}
	outcome := OutcomeBuilt
	if stage != stageEmpty {
		outcome = OutcomeSnapshot
	}

	if stage == stageEmpty {
		for _, path := range s.Scenario.ImportsFor(s.Driver) {
			b.deps.Logger.Debug("importing", "database", name, "path", path)
			if err := b.deps.Engine.ImportFile(ctx, name, s.Path(path)); err != nil {
				return "", fmt.Errorf("importing %s: %w", path, err)
			}
		}
		if err := b.migrate(ctx, name); err != nil {
			return "", err
		}
		// With no seeders the after-seeders snapshot has the same contents.
		if policy.AfterMigrations() && (len(seeders) > 0 || !policy.AfterSeeders()) {
			b.exportSnapshot(ctx, name, []string{})
		}
	}
	if stage != stageSeeded {
		if err := b.seed(ctx, name, seeders); err != nil {
			return "", err
		}
		if policy.AfterSeeders() {
			b.exportSnapshot(ctx, name, seeders)
		}
	}

	rec := NewRecord(s, fp, b.deps.Clock.Now())
	if s.WillVerify() {
		sum, err := b.deps.Engine.ContentChecksum(ctx, name, s.VerifyData)
		if err != nil {
			return "", fmt.Errorf("checksumming database %s: %w", name, err)
		}
		rec.ContentChecksum = sum
	}
	if err := b.withDB(ctx, name, func(db *sql.DB) error {
		return b.deps.Metadata.Write(ctx, db, rec)
	}); err != nil {
		return "", fmt.Errorf("writing reuse metadata: %w", err)
	}
	if s.ReuseJournal {
		if err := b.deps.Engine.StartJournal(ctx, name); err != nil {
			return "", fmt.Errorf("starting journal on %s: %w", name, err)
		}
	}
	return outcome, nil
}

// importSnapshot loads the most complete snapshot available and returns how far
// the build got.
func (b *Builder) importSnapshot(ctx context.Context, name string, policy SnapshotPolicy, seeders []string) (buildStage, error) {
	if b.deps.Snapshots == nil || !policy.Enabled() {
		return stageEmpty, nil
	}
	if policy.AfterSeeders() || len(seeders) == 0 {
		ok, err := b.tryImport(ctx, name, seeders)
		if err != nil {
			return stageEmpty, err
		}
		if ok {
			return stageSeeded, nil
		}
	}
	if policy.AfterMigrations() && len(seeders) > 0 {
		ok, err := b.tryImport(ctx, name, []string{})
		if err != nil {
			return stageEmpty, err
		}
		if ok {
			return stageMigrated, nil
		}
	}
	return stageEmpty, nil
}

func (b *Builder) tryImport(ctx context.Context, name string, seeders []string) (bool, error) {
	ok, err := b.deps.Snapshots.TryImport(ctx, name, seeders)
	switch {
	case err != nil:
		b.deps.Metrics.Snapshot("import", SnapshotFailed)
		return false, fmt.Errorf("importing snapshot: %w", err)
	case ok:
		b.deps.Metrics.Snapshot("import", SnapshotHit)
	default:
		b.deps.Metrics.Snapshot("import", SnapshotMiss)
	}
	return ok, nil
}

// exportSnapshot is best effort: a missing snapshot only costs a rebuild later.
func (b *Builder) exportSnapshot(ctx context.Context, name string, seeders []string) {
	if b.deps.Snapshots == nil {
		return
	}
	if err := b.deps.Snapshots.Export(ctx, name, seeders); err != nil {
		b.deps.Logger.Warn("exporting snapshot failed", "database", name, "error", err)
		b.deps.Metrics.Snapshot("export", SnapshotFailed)
		return
	}
	b.deps.Metrics.Snapshot("export", SnapshotStored)
}

func (b *Builder) migrate(ctx context.Context, name string) error {
	dir := b.settings.Scenario.Migrations
	if dir == "" {
		return nil
	}
	if b.deps.Migrator == nil {
		return &ConfigError{Field: "Migrations", Path: dir, Message: "no migrator configured"}
	}
	b.deps.Logger.Debug("running migrations", "database", name, "path", dir)
	return b.withDB(ctx, name, func(db *sql.DB) error {
		if err := b.deps.Migrator.Migrate(ctx, b.settings.Driver, db, b.settings.Path(dir)); err != nil {
			return fmt.Errorf("running migrations from %s: %w", dir, err)
		}
		return nil
	})
}

func (b *Builder) seed(ctx context.Context, name string, seeders []string) error {
	if len(seeders) == 0 {
		return nil
	}
	if b.deps.Seeder == nil {
		return &ConfigError{Field: "Seeders", Message: "no seeder configured"}
	}
	return b.withDB(ctx, name, func(db *sql.DB) error {
		for _, seeder := range seeders {
			b.deps.Logger.Debug("running seeder", "database", name, "seeder", seeder)
			if err := b.deps.Seeder.Seed(ctx, db, seeder); err != nil {
				return fmt.Errorf("running seeder %s: %w", seeder, err)
			}
		}
		return nil
	})
}

// open returns a handle and, when transaction reuse is on, starts the wrapping
// transaction. The transaction outlives ctx; it ends in Handle.Close.
func (b *Builder) open(ctx context.Context, name string, outcome Outcome) (*Handle, error) {
	db, err := b.deps.Engine.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", name, err)
	}
	h := &Handle{
		name:     name,
		testName: b.settings.TestName,
		db:       db,
		outcome:  outcome,
		meta:     b.deps.Metadata,
		logger:   b.deps.Logger,
		metrics:  b.deps.Metrics,
	}
	if !b.settings.ReuseTransaction {
		return h, nil
	}

	tx, err := db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("starting test transaction: %w", err)
	}
	if err := b.deps.Metadata.MarkTransactionStarted(ctx, tx); err != nil {
		tx.Rollback()
		db.Close()
		return nil, fmt.Errorf("marking test transaction: %w", err)
	}
	h.tx = tx
	return h, nil
}

// withDB opens the named database for the duration of fn.
func (b *Builder) withDB(ctx context.Context, name string, fn func(db *sql.DB) error) error {
	db, err := b.deps.Engine.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", name, err)
	}
	defer db.Close()
	return fn(db)
}
