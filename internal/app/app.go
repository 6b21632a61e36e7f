package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"scenariodb/internal/checksum"
	"scenariodb/internal/config"
	"scenariodb/internal/encryption"
	"scenariodb/internal/engine"
	"scenariodb/internal/engine/migrations"
	"scenariodb/internal/fs"
	"scenariodb/internal/metrics"
	"scenariodb/internal/remote"
	"scenariodb/internal/reusemeta"
	"scenariodb/internal/scenario"
	"scenariodb/internal/seed"
	"scenariodb/internal/snapshot"
	"scenariodb/internal/snapshot/mirror"
)

// App is the application layer between the CLI and the build pipeline.
// It constructs all dependencies from config and exposes high-level
// operations keyed by connection name.
type App struct {
	cfg          *config.Config
	engine       scenario.Engine
	metadata     *reusemeta.Store
	migrator     *migrations.Runner
	seeds        *seed.Registry
	remote       *remote.Client
	mirror       mirror.Mirror
	encryptor    encryption.Encryptor
	fingerprints *checksum.Cache
	metrics      *metrics.Recorder
	logger       *slogAdapter
	clock        scenario.Clock
	op           *Operation
	opErr        error
	logFile      *os.File
}

// Options tune how an App reports what it does.
type Options struct {
	Verbose bool // also print debug and info lines on stderr
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "Build", "Purge").
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string, opts Options) (*App, error) {
	if cfg.ProjectName == "" {
		return nil, &scenario.ConfigError{Field: "ProjectName", Message: "project_name must be set"}
	}

	clock := scenario.RealClock{}
	op := NewOperation(operation, "", clock.Now())

	stderrLevel := slog.LevelWarn
	if opts.Verbose {
		stderrLevel = slog.LevelDebug
	}
	l, logFile, err := newLogger(cfg.LogDir, op.ID, stderrLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}

	eng, err := engine.NewEngineFromConfig(cfg.Engine)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	m, err := mirror.NewMirrorFromConfig(ctx, cfg.Mirror, enc, newPassphraseReader().Read)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating snapshot mirror: %w", err)
	}

	a := &App{
		cfg:          cfg,
		engine:       eng,
		metadata:     reusemeta.New(eng.Driver(), logger),
		migrator:     migrations.NewRunner(logger),
		seeds:        seed.NewRegistry(eng.Driver(), projectPath(cfg, cfg.SeederDir)),
		remote:       remote.NewClient(time.Duration(cfg.Remote.Timeout), logger),
		mirror:       m,
		encryptor:    enc,
		fingerprints: checksum.NewCache(0, time.Duration(cfg.Cache.FingerprintTTL)),
		metrics:      metrics.New(),
		logger:       logger,
		clock:        clock,
		op:           op,
		logFile:      logFile,
	}
	logger.Debug("operation started", "operation", operation, "engine", string(eng.Driver()))
	return a, nil
}

func projectPath(cfg *config.Config, p string) string {
	if p == "" || filepath.IsAbs(p) || cfg.ProjectDir == "" {
		return p
	}
	return filepath.Join(cfg.ProjectDir, p)
}

// done records a failed operation so Close can report it.
func (a *App) done(err error) error {
	if err != nil && a.opErr == nil {
		a.opErr = err
	}
	return err
}

// RegisterSeeder adds a seeder implemented in Go.
func (a *App) RegisterSeeder(name string, fn seed.Func) {
	a.seeds.Register(name, fn)
}

// Settings resolves the build settings for a connection from the config.
// An empty connection selects the first configured database.
func (a *App) Settings(connection string, opts ...scenario.Option) (scenario.Settings, error) {
	db, err := a.cfg.Database(connection)
	if err != nil {
		return scenario.Settings{}, &scenario.ConfigError{Field: "Connection", Message: err.Error()}
	}
	spec, err := a.cfg.ResolvedScenario(db)
	if err != nil {
		return scenario.Settings{}, &scenario.ConfigError{Field: "ScenarioFile", Path: db.ScenarioFile, Message: err.Error()}
	}

	c := a.cfg.Cache
	s := scenario.DefaultSettings()
	s.ProjectName = a.cfg.ProjectName
	s.Connection = db.Connection
	s.Driver = a.engine.Driver()
	s.Database = db.Name
	s.ProjectDir = a.cfg.ProjectDir
	s.SeederDir = a.cfg.SeederDir
	s.StorageDir = a.cfg.Engine.StorageDir
	s.SnapshotPrefix = a.cfg.Snapshots.Prefix
	s.DatabasePrefix = c.DatabasePrefix
	s.CheckForSourceChanges = c.CheckForSourceChanges
	s.Scenario = toSpec(spec)
	s.RemoteBuildURL = a.cfg.Remote.URL
	s.SessionDriver = a.cfg.Remote.SessionDriver
	s.ReuseTransaction = c.ReuseTransaction
	s.ReuseJournal = c.ReuseJournal
	s.ScenarioDatabases = c.ScenarioDatabases
	s.VerifyStructure = c.VerifyStructure
	s.VerifyData = c.VerifyData
	s.SnapshotsWhenReusing = scenario.SnapshotPolicy(c.SnapshotsWhenReusing)
	s.SnapshotsWhenNotReusing = scenario.SnapshotPolicy(c.SnapshotsWhenNotReusing)
	s.StaleGrace = time.Duration(c.StaleGrace)
	return s.Apply(opts...), nil
}

func toSpec(spec config.ScenarioSpec) scenario.Spec {
	out := scenario.Spec{
		Migrations:    spec.Migrations,
		Seeders:       spec.Seeders,
		ChecksumPaths: spec.ChecksumPaths,
	}
	if len(spec.PreDataImports) > 0 {
		out.PreDataImports = make(map[scenario.Driver][]string, len(spec.PreDataImports))
		for driver, paths := range spec.PreDataImports {
			out.PreDataImports[scenario.Driver(driver)] = paths
		}
	}
	return out.Clone()
}

// builder wires a Builder and the snapshot manager it uses for s.
func (a *App) builder(s scenario.Settings) (*scenario.Builder, *snapshot.Manager, error) {
	rules, err := fs.ProjectIgnoreRules(s.ProjectDir, a.cfg.Checksum.Ignore)
	if err != nil {
		return nil, nil, err
	}
	resolver := fs.NewResolver(s.ProjectDir, rules)
	key, err := checksum.Key(s)
	if err != nil {
		return nil, nil, err
	}
	if s.ForceRebuild {
		a.fingerprints.Forget(key)
		a.remote.Reset()
	}
	sums := a.fingerprints.Wrap(key, checksum.New(s, a.engine.Capabilities(), resolver))

	snaps := snapshot.New(a.engine, s, sums, a.cfg.Snapshots.Dir, snapshot.Options{
		Mirror: a.mirror,
		Logger: a.logger,
		Clock:  a.clock,
	})
	b, err := scenario.NewBuilder(s, scenario.Deps{
		Engine:    a.engine,
		Checksums: sums,
		Metadata:  a.metadata,
		Snapshots: snaps,
		Remote:    a.remote,
		Migrator:  a.migrator,
		Seeder:    a.seeds,
		Logger:    a.logger,
		Clock:     a.clock,
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	return b, snaps, nil
}

func (a *App) builderFor(connection string, opts ...scenario.Option) (*scenario.Builder, *snapshot.Manager, error) {
	s, err := a.Settings(connection, opts...)
	if err != nil {
		return nil, nil, err
	}
	return a.builder(s)
}

// Build returns a handle on a database for the connection's scenario. The
// caller closes the handle.
func (a *App) Build(ctx context.Context, connection string, opts ...scenario.Option) (*scenario.Handle, error) {
	b, _, err := a.builderFor(connection, opts...)
	if err != nil {
		return nil, a.done(err)
	}
	h, err := b.Build(ctx)
	return h, a.done(err)
}

// Plan reports the database a build would use without building it.
func (a *App) Plan(connection string, opts ...scenario.Option) (*scenario.Plan, error) {
	b, _, err := a.builderFor(connection, opts...)
	if err != nil {
		return nil, a.done(err)
	}
	plan, err := b.Prepare()
	return plan, a.done(err)
}

// Listing is everything kept for one connection.
type Listing struct {
	Plan      *scenario.Plan
	Databases []scenario.DatabaseInfo
	Snapshots []snapshot.Info
	Seeders   []string // every seeder a scenario can name
}

// List returns the databases and snapshot files kept for the connection, and
// the seeders available to its scenarios.
func (a *App) List(ctx context.Context, connection string) (*Listing, error) {
	b, snaps, err := a.builderFor(connection)
	if err != nil {
		return nil, a.done(err)
	}
	plan, err := b.Prepare()
	if err != nil {
		return nil, a.done(err)
	}
	dbs, err := b.List(ctx)
	if err != nil {
		return nil, a.done(err)
	}
	files, err := snaps.List(ctx)
	if err != nil {
		return nil, a.done(err)
	}
	seeders, err := a.seeds.Names()
	if err != nil {
		return nil, a.done(err)
	}
	return &Listing{Plan: plan, Databases: dbs, Snapshots: files, Seeders: seeders}, nil
}

// Purge drops the connection's stale databases, or all of them.
func (a *App) Purge(ctx context.Context, connection string, all bool) (*scenario.PurgeReport, error) {
	b, _, err := a.builderFor(connection)
	if err != nil {
		return nil, a.done(err)
	}
	report, err := b.Purge(ctx, all)
	return report, a.done(err)
}

// GarbageCollectSnapshots removes the connection's stale snapshot files.
func (a *App) GarbageCollectSnapshots(ctx context.Context, connection string) (snapshot.GCReport, error) {
	_, snaps, err := a.builderFor(connection)
	if err != nil {
		return snapshot.GCReport{}, a.done(err)
	}
	report, err := snaps.GarbageCollect(ctx)
	return report, a.done(err)
}

// CheckMigrations verifies that the connection's current database has every
// migration applied. It reports false when the database has not been built yet.
func (a *App) CheckMigrations(ctx context.Context, connection string) (bool, error) {
	b, _, err := a.builderFor(connection)
	if err != nil {
		return false, a.done(err)
	}
	plan, err := b.Prepare()
	if err != nil {
		return false, a.done(err)
	}
	s := plan.Settings
	if s.Scenario.Migrations == "" {
		return false, a.done(&scenario.ConfigError{Field: "Migrations", Message: "the scenario has no migrations"})
	}
	exists, err := a.engine.Exists(ctx, plan.Database)
	if err != nil || !exists {
		return false, a.done(err)
	}

	db, err := a.engine.Open(ctx, plan.Database)
	if err != nil {
		return false, a.done(err)
	}
	defer db.Close()
	return true, a.done(checkMigrations(s, db))
}

func checkMigrations(s scenario.Settings, db *sql.DB) error {
	return migrations.Status(s.Driver, db, s.Path(s.Scenario.Migrations))
}

// InitKeys creates the key pair used to encrypt mirrored snapshots and
// returns the public key.
func (a *App) InitKeys(passphrase string) (string, error) {
	pub, err := a.encryptor.Setup(passphrase)
	return pub, a.done(err)
}

// Close finishes the operation and releases resources.
func (a *App) Close() error {
	a.op.Finish(a.opErr, a.clock.Now())
	a.logger.Debug("operation finished", "operation", a.op.Name, "status", a.op.Status, "duration", a.op.Duration().Round(time.Millisecond))
	if a.logFile != nil {
		return a.logFile.Close()
	}
	return nil
}
