package scenario_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenariodb/internal/checksum"
	"scenariodb/internal/engine"
	"scenariodb/internal/engine/migrations"
	"scenariodb/internal/fs"
	"scenariodb/internal/reusemeta"
	"scenariodb/internal/scenario"
	"scenariodb/internal/seed"
	"scenariodb/internal/snapshot"
	"scenariodb/internal/testutil"
)

var shopProject = map[string]string{
	"imports/base.sql":             "CREATE TABLE settings (name TEXT NOT NULL); INSERT INTO settings (name) VALUES ('One');",
	"migrations/1_users.up.sql":    "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL);",
	"migrations/1_users.down.sql":  "DROP TABLE users;",
	"migrations/2_orders.up.sql":   "CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER REFERENCES users(id));",
	"migrations/2_orders.down.sql": "DROP TABLE orders;",
	"seeders/users.sql":            "INSERT INTO users (name) VALUES ('alice'), ('bob');",
}

var shopScenario = scenario.Spec{
	Migrations: "migrations",
	Seeders:    []string{"users"},
}

type fixture struct {
	engine  scenario.Engine
	sqlite  *engine.SQLite
	project string
	snapDir string
	clock   *testutil.ManualClock
	logger  *testutil.RecordingLogger
	metrics *testutil.RecordingMetrics

	snapshots scenario.SnapshotStore // replaces the snapshot manager when set
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlite := engine.NewSQLite(filepath.Join(t.TempDir(), "databases"))
	return &fixture{
		engine:  sqlite,
		sqlite:  sqlite,
		project: testutil.WriteProject(t, shopProject),
		snapDir: filepath.Join(t.TempDir(), "snapshots"),
		clock:   testutil.NewClock(),
		logger:  testutil.NewRecordingLogger(),
		metrics: testutil.NewRecordingMetrics(),
	}
}

func (f *fixture) settings(spec scenario.Spec) scenario.Settings {
	s := scenario.DefaultSettings()
	s.ProjectName = "shop"
	s.Database = "shop"
	s.ProjectDir = f.project
	s.SeederDir = "seeders"
	s.Scenario = spec
	return s
}

func (f *fixture) builder(t *testing.T, s scenario.Settings, remote scenario.RemoteBuilder) *scenario.Builder {
	t.Helper()
	sums := checksum.New(s, f.engine.Capabilities(), fs.NewResolver(f.project, nil))
	var snaps scenario.SnapshotStore = snapshot.New(f.engine, s, sums, f.snapDir, snapshot.Options{Logger: f.logger, Clock: f.clock})
	if f.snapshots != nil {
		snaps = f.snapshots
	}
	b, err := scenario.NewBuilder(s, scenario.Deps{
		Engine:    f.engine,
		Checksums: sums,
		Metadata:  reusemeta.New(s.Driver, f.logger),
		Snapshots: snaps,
		Remote:    remote,
		Migrator:  migrations.NewRunner(f.logger),
		Seeder:    seed.NewRegistry(s.Driver, filepath.Join(f.project, "seeders")),
		Logger:    f.logger,
		Clock:     f.clock,
		Metrics:   f.metrics,
	})
	require.NoError(t, err)
	return b
}

// build builds, runs check against the handle and closes it.
func (f *fixture) build(t *testing.T, s scenario.Settings, check func(h *scenario.Handle)) scenario.Outcome {
	t.Helper()
	ctx := context.Background()
	h, err := f.builder(t, s, nil).Build(ctx)
	require.NoError(t, err)
	if check != nil {
		check(h)
	}
	require.NoError(t, h.Close(ctx))
	return h.Outcome()
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func queryHandle(h *scenario.Handle) querier {
	if h.Tx() != nil {
		return h.Tx()
	}
	return h.DB()
}

// tables lists the tables visible through the handle, sorted by name.
func tables(t *testing.T, h *scenario.Handle) []string {
	t.Helper()
	rows, err := queryHandle(h).Query("SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT GLOB 'sqlite_*' ORDER BY name")
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

func count(t *testing.T, q querier, table string) int {
	t.Helper()
	var n int
	require.NoError(t, q.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestNewBuilder(t *testing.T) {
	f := newFixture(t)

	_, err := scenario.NewBuilder(f.settings(shopScenario), scenario.Deps{Engine: f.engine})
	assert.Error(t, err, "missing checksummer and metadata store")

	s := f.settings(shopScenario)
	s.Driver = scenario.DriverPostgres
	sums := checksum.New(s, f.engine.Capabilities(), nil)
	_, err = scenario.NewBuilder(s, scenario.Deps{Engine: f.engine, Checksums: sums, Metadata: reusemeta.New(s.Driver, nil)})
	assert.True(t, errors.Is(err, scenario.ErrConfig), "driver mismatch: %v", err)

	s = f.settings(shopScenario)
	s.ProjectName = ""
	_, err = scenario.NewBuilder(s, scenario.Deps{Engine: f.engine, Checksums: sums, Metadata: reusemeta.New(s.Driver, nil)})
	assert.True(t, errors.Is(err, scenario.ErrConfig), "invalid settings: %v", err)
}

func TestPrepareBuildsNothing(t *testing.T) {
	f := newFixture(t)
	b := f.builder(t, f.settings(shopScenario), nil)

	plan, err := b.Prepare()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plan.Database, "test_shop_"), plan.Database)
	assert.Len(t, plan.Fingerprint.BuildChecksum, 64)
	assert.False(t, plan.Remote)

	exists, err := f.engine.Exists(context.Background(), plan.Database)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBuildEmptyScenario(t *testing.T) {
	f := newFixture(t)
	outcome := f.build(t, f.settings(scenario.Spec{}), func(h *scenario.Handle) {
		assert.Equal(t, []string{scenario.MetaTable}, tables(t, h))
	})
	assert.Equal(t, scenario.OutcomeBuilt, outcome)
}

func TestBuildRunsImportsMigrationsAndSeeders(t *testing.T) {
	f := newFixture(t)
	spec := shopScenario.Clone()
	spec.PreDataImports = map[scenario.Driver][]string{
		scenario.DriverSQLite:   {"imports/base.sql"},
		scenario.DriverPostgres: {"imports/missing.sql"},
	}

	f.build(t, f.settings(spec), func(h *scenario.Handle) {
		q := queryHandle(h)
		var name string
		require.NoError(t, q.QueryRow("SELECT name FROM settings").Scan(&name))
		assert.Equal(t, "One", name)
		assert.Equal(t, 2, count(t, q, "users"))
		assert.Equal(t, 0, count(t, q, "orders"))
	})
	assert.Equal(t, 1, f.metrics.Builds[scenario.OutcomeBuilt])
}

func TestSeedersNeedMigrations(t *testing.T) {
	f := newFixture(t)
	f.build(t, f.settings(scenario.Spec{Seeders: []string{"users"}}), func(h *scenario.Handle) {
		assert.NotContains(t, tables(t, h), "users")
	})
}

func TestMissingMigrationsDirectory(t *testing.T) {
	f := newFixture(t)
	_, err := f.builder(t, f.settings(scenario.Spec{Migrations: "db/missing"}), nil).Build(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, scenario.ErrConfig), "%v", err)
}

func TestTransactionReuse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.settings(shopScenario)

	first := f.build(t, s, func(h *scenario.Handle) {
		_, err := h.Tx().Exec("INSERT INTO users (name) VALUES ('carol')")
		require.NoError(t, err)
	})
	assert.Equal(t, scenario.OutcomeBuilt, first)

	second := f.build(t, s.Apply(scenario.WithTestName("TestSecond")), func(h *scenario.Handle) {
		assert.True(t, h.Reused())
		assert.Equal(t, 2, count(t, h.Tx(), "users"), "changes of the previous test were rolled back")
	})
	assert.Equal(t, scenario.OutcomeReused, second)

	// A test that commits the wrapper spoils the database.
	h, err := f.builder(t, s.Apply(scenario.WithTestName("TestCommits")), nil).Build(ctx)
	require.NoError(t, err)
	_, err = h.Tx().Exec("INSERT INTO users (name) VALUES ('mallory')")
	require.NoError(t, err)
	require.NoError(t, h.Tx().Commit())
	err = h.Close(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, scenario.ErrReuseViolation))
	var violation *scenario.ReuseViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "TestCommits", violation.TestName)
	assert.Equal(t, 1, f.metrics.Violations)

	fourth := f.build(t, s, func(h *scenario.Handle) {
		assert.Equal(t, 2, count(t, h.Tx(), "users"))
	})
	assert.NotEqual(t, scenario.OutcomeReused, fourth)
	assert.True(t, f.logger.Contains("WARN", "committed its transaction"))
}

func TestJournalRevert(t *testing.T) {
	f := newFixture(t)
	s := f.settings(shopScenario)
	s.ReuseTransaction = false
	s.ReuseJournal = true
	s.SnapshotsWhenNotReusing = scenario.SnapshotsOff
	s.SnapshotsWhenReusing = scenario.SnapshotsOff

	first := f.build(t, s, func(h *scenario.Handle) {
		assert.Nil(t, h.Tx())
		_, err := h.DB().Exec("DELETE FROM users")
		require.NoError(t, err)
	})
	assert.Equal(t, scenario.OutcomeBuilt, first)

	second := f.build(t, s, func(h *scenario.Handle) {
		assert.True(t, h.Reused())
		assert.Equal(t, 2, count(t, h.DB(), "users"))
	})
	assert.Equal(t, scenario.OutcomeReverted, second)
}

func TestVerifyStructure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.settings(shopScenario)
	s.VerifyStructure = true
	s.SnapshotsWhenReusing = scenario.SnapshotsOff

	var name string
	f.build(t, s, func(h *scenario.Handle) { name = h.Name() })
	assert.Equal(t, scenario.OutcomeReused, f.build(t, s, nil))

	db, err := f.engine.Open(ctx, name)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE extra (id INTEGER)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	outcome := f.build(t, s, func(h *scenario.Handle) {
		assert.NotContains(t, tables(t, h), "extra")
	})
	assert.Equal(t, scenario.OutcomeBuilt, outcome)
	assert.True(t, f.logger.Contains("WARN", "contents changed"))
}

func TestEditedSeederRebuilds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.settings(shopScenario)

	var first string
	f.build(t, s, func(h *scenario.Handle) { first = h.Name() })

	testutil.WriteFiles(t, f.project, map[string]string{
		"seeders/users.sql": "INSERT INTO users (name) VALUES ('alice'), ('bob'), ('carol');",
	})
	var second string
	outcome := f.build(t, s, func(h *scenario.Handle) {
		second = h.Name()
		assert.Equal(t, 3, count(t, h.Tx(), "users"))
	})
	assert.Equal(t, scenario.OutcomeBuilt, outcome)
	assert.NotEqual(t, first, second)

	// The snapshot of the edited seeder is the one found after a drop.
	require.NoError(t, f.engine.Drop(ctx, second))
	outcome = f.build(t, s, func(h *scenario.Handle) {
		assert.Equal(t, 3, count(t, h.Tx(), "users"))
	})
	assert.Equal(t, scenario.OutcomeSnapshot, outcome)
}

func TestForceRebuild(t *testing.T) {
	f := newFixture(t)
	s := f.settings(shopScenario)
	s.SnapshotsWhenReusing = scenario.SnapshotsOff

	f.build(t, s, nil)
	assert.Equal(t, scenario.OutcomeBuilt, f.build(t, s.Apply(scenario.WithForceRebuild()), nil))
	assert.Equal(t, scenario.OutcomeReused, f.build(t, s, nil))
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.settings(shopScenario)
	s.SnapshotsWhenReusing = scenario.SnapshotsBoth

	var name string
	f.build(t, s, func(h *scenario.Handle) { name = h.Name() })
	assert.Equal(t, 2, f.metrics.Snapshots["export:stored"], "after migrations and after seeders")
	require.NoError(t, f.engine.Drop(ctx, name))

	outcome := f.build(t, s, func(h *scenario.Handle) {
		assert.Equal(t, 2, count(t, h.Tx(), "users"))
	})
	assert.Equal(t, scenario.OutcomeSnapshot, outcome)
	assert.Equal(t, 1, f.metrics.Snapshots["import:hit"])

	// Another seeder list starts from the after-migrations snapshot.
	spec := shopScenario.Clone()
	spec.Seeders = []string{"users", "users"}
	outcome = f.build(t, s.Apply(scenario.WithScenario(spec)), func(h *scenario.Handle) {
		assert.Equal(t, 4, count(t, h.Tx(), "users"))
	})
	assert.Equal(t, scenario.OutcomeSnapshot, outcome)
}

type brokenSnapshots struct{ importErr, exportErr error }

func (b brokenSnapshots) TryImport(context.Context, string, []string) (bool, error) {
	return false, b.importErr
}

func (b brokenSnapshots) Export(context.Context, string, []string) error { return b.exportErr }

func TestSnapshotFailuresAreCounted(t *testing.T) {
	t.Run("export", func(t *testing.T) {
		f := newFixture(t)
		f.snapshots = brokenSnapshots{exportErr: errors.New("disk full")}
		s := f.settings(shopScenario)
		s.SnapshotsWhenReusing = scenario.SnapshotsAfterSeeders
		s.SnapshotsWhenNotReusing = scenario.SnapshotsAfterSeeders

		assert.Equal(t, scenario.OutcomeBuilt, f.build(t, s, nil))
		assert.Equal(t, 1, f.metrics.Snapshots["export:failure"])
		assert.Zero(t, f.metrics.Snapshots["export:miss"])
		assert.Zero(t, f.metrics.Snapshots["export:stored"])
		assert.Equal(t, 1, f.metrics.Snapshots["import:miss"])
		assert.True(t, f.logger.Contains("WARN", "exporting snapshot failed"))
	})

	t.Run("import", func(t *testing.T) {
		f := newFixture(t)
		f.snapshots = brokenSnapshots{importErr: errors.New("corrupt snapshot")}
		s := f.settings(shopScenario)
		s.SnapshotsWhenReusing = scenario.SnapshotsAfterSeeders
		s.SnapshotsWhenNotReusing = scenario.SnapshotsAfterSeeders

		_, err := f.builder(t, s, nil).Build(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, f.metrics.Snapshots["import:failure"])
		assert.Zero(t, f.metrics.Snapshots["import:miss"])
	})
}

func TestOwnershipConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.settings(shopScenario)
	s.ScenarioDatabases = false
	f.build(t, s, nil)

	other := s
	other.ProjectName = "blog"
	_, err := f.builder(t, other, nil).Build(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, scenario.ErrOwnershipConflict))

	exists, err := f.engine.Exists(ctx, "shop")
	require.NoError(t, err)
	assert.True(t, exists, "a foreign database is left alone")
}

type fakeRemote struct {
	build      func(s scenario.Settings) (string, error)
	got        scenario.Settings
	remembered map[string]string
}

func (r *fakeRemote) RemoteBuildChecksum(url string) (string, bool) {
	sum, ok := r.remembered[url]
	return sum, ok
}

func (r *fakeRemote) Build(_ context.Context, s scenario.Settings) (string, error) {
	r.got = s
	return r.build(s)
}

func TestRemoteBuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.settings(shopScenario)
	s.RemoteBuildURL = "http://builder.local:8787"

	remote := &fakeRemote{build: func(s scenario.Settings) (string, error) {
		s.IsRemoteBuild = true
		s.RemoteBuildURL = ""
		h, err := f.builder(t, s, nil).Build(ctx)
		if err != nil {
			return "", err
		}
		return h.Name(), h.Close(ctx)
	}}
	b := f.builder(t, s, remote)
	plan, err := b.Prepare()
	require.NoError(t, err)
	assert.True(t, plan.Remote)

	h, err := b.Build(ctx)
	require.NoError(t, err)
	defer h.Close(ctx)
	assert.Equal(t, scenario.OutcomeRemote, h.Outcome())
	assert.Equal(t, plan.Database, h.Name())
	assert.Equal(t, plan.Fingerprint.BuildChecksum, remote.got.PreCalculatedBuildChecksum)
	assert.Equal(t, 2, count(t, h.Tx(), "users"))
}

func TestRemoteBuildSendsRememberedChecksum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.settings(shopScenario)
	s.RemoteBuildURL = "http://builder.local:8787"

	const remembered = "0123456789abcdef"
	remote := &fakeRemote{
		remembered: map[string]string{s.RemoteBuildURL: remembered},
		build: func(s scenario.Settings) (string, error) {
			s.IsRemoteBuild = true
			s.RemoteBuildURL = ""
			h, err := f.builder(t, s, nil).Build(ctx)
			if err != nil {
				return "", err
			}
			return h.Name(), h.Close(ctx)
		},
	}
	h, err := f.builder(t, s, remote).Build(ctx)
	require.NoError(t, err)
	defer h.Close(ctx)
	assert.Equal(t, scenario.OutcomeRemote, h.Outcome())
	assert.Equal(t, remembered, remote.got.PreCalculatedBuildChecksum)
	assert.Contains(t, h.Name(), "_"+scenario.BuildPart(remembered)+"_")
}

func TestRemoteBuildFailure(t *testing.T) {
	f := newFixture(t)
	s := f.settings(shopScenario)
	s.RemoteBuildURL = "http://builder.local:8787"

	remote := &fakeRemote{build: func(scenario.Settings) (string, error) {
		return "", &scenario.RemoteBuildFailedError{URL: "http://builder.local:8787", StatusCode: 500, Message: "boom"}
	}}
	_, err := f.builder(t, s, remote).Build(context.Background())
	assert.True(t, errors.Is(err, scenario.ErrRemoteBuildFailed), "%v", err)
}

// pinned is an engine whose databases only exist on the machine that built them.
type pinned struct{ *engine.SQLite }

func (p pinned) Capabilities() scenario.Capabilities {
	caps := p.SQLite.Capabilities()
	caps.Portable = false
	return caps
}

func TestRemoteBuildNeedsPortableEngine(t *testing.T) {
	f := newFixture(t)
	f.engine = pinned{f.sqlite}
	s := f.settings(shopScenario)
	s.RemoteBuildURL = "http://builder.local:8787"

	remote := &fakeRemote{build: func(scenario.Settings) (string, error) {
		t.Fatal("remote must not be called")
		return "", nil
	}}
	_, err := f.builder(t, s, remote).Build(context.Background())
	assert.True(t, errors.Is(err, scenario.ErrDriverUnsupported), "%v", err)
}

func TestListAndPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.settings(shopScenario)
	old := s.Apply(scenario.WithScenario(scenario.Spec{Migrations: "migrations"}))

	var stale string
	f.build(t, old, func(h *scenario.Handle) { stale = h.Name() })
	f.clock.Advance(5 * time.Hour)
	var current string
	f.build(t, s, func(h *scenario.Handle) { current = h.Name() })
	require.NoError(t, f.engine.Create(ctx, "test_shop_unmanaged"))

	b := f.builder(t, s, nil)
	infos, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	byName := map[string]scenario.DatabaseInfo{}
	for _, info := range infos {
		byName[info.Name] = info
	}
	assert.True(t, byName[current].Current)
	assert.False(t, byName[current].Stale)
	assert.True(t, byName[stale].Stale)
	assert.Nil(t, byName["test_shop_unmanaged"].Record)
	assert.False(t, byName["test_shop_unmanaged"].Owned("shop"))

	report, err := b.Purge(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, report.Removed)
	assert.ElementsMatch(t, []string{current, "test_shop_unmanaged"}, report.Skipped)

	report, err = b.Purge(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{current}, report.Removed)
	assert.Equal(t, []string{"test_shop_unmanaged"}, report.Skipped)
	assert.Empty(t, report.Failed)
}
