package snapshot

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenariodb/internal/engine"
	"scenariodb/internal/scenario"
	"scenariodb/internal/snapshot/mirror"
)

type fixedChecksums struct {
	build    string
	snapshot map[string]string
}

func (f fixedChecksums) Fingerprint() (scenario.Fingerprint, error) {
	return scenario.Fingerprint{BuildChecksum: f.build, ScenarioChecksum: "5ce7a810", SnapshotChecksum: f.snapshot["users"]}, nil
}

func (f fixedChecksums) SnapshotChecksumFor(seeders []string) (string, error) {
	key := ""
	if len(seeders) > 0 {
		key = seeders[0]
	}
	return f.snapshot[key], nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, m mirror.Mirror) (*Manager, *engine.SQLite) {
	t.Helper()
	eng := engine.NewSQLite(filepath.Join(t.TempDir(), "db"))
	s := scenario.DefaultSettings()
	s.ProjectName = "shop"
	s.Database = "shop_test"
	s.StaleGrace = time.Hour
	sums := fixedChecksums{
		build:    "abc123aaaaaaaaaa",
		snapshot: map[string]string{"": "0123456789abcdef", "users": "fedcba9876543210"},
	}
	return New(eng, s, sums, filepath.Join(t.TempDir(), "snapshots"), Options{Mirror: m, Clock: fixedClock{now}}), eng
}

func createTable(t *testing.T, eng *engine.SQLite, name string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, eng.Create(ctx, name))
	db, err := eng.Open(ctx, name)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT); INSERT INTO users (name) VALUES ('alice')")
	require.NoError(t, err)
}

func countUsers(t *testing.T, eng *engine.SQLite, name string) int {
	t.Helper()
	db, err := eng.Open(context.Background(), name)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM users").Scan(&n))
	return n
}

func TestFilename(t *testing.T) {
	m, _ := newFixture(t, nil)

	name, err := m.Filename([]string{"users"})
	require.NoError(t, err)
	assert.Equal(t, "snapshot.shop_test.abc123-fedcba987654.sqlite", name)

	name, err = m.Filename([]string{})
	require.NoError(t, err)
	assert.Equal(t, "snapshot.shop_test.abc123-0123456789ab.sqlite", name)

	_, err = m.Filename([]string{"unknown"})
	assert.True(t, errors.Is(err, scenario.ErrDriverUnsupported), "Filename() without snapshot checksum = %v", err)
}

func TestExportAndImport(t *testing.T) {
	ctx := context.Background()
	m, eng := newFixture(t, nil)

	ok, err := m.TryImport(ctx, "target", []string{"users"})
	require.NoError(t, err)
	assert.False(t, ok, "nothing exported yet")

	createTable(t, eng, "source")
	require.NoError(t, m.Export(ctx, "source", []string{"users"}))

	require.NoError(t, eng.Create(ctx, "target"))
	ok, err = m.TryImport(ctx, "target", []string{"users"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, countUsers(t, eng, "target"))

	ok, err = m.TryImport(ctx, "target", []string{})
	require.NoError(t, err)
	assert.False(t, ok, "a different seeder list has its own snapshot")
}

func TestMirrorFallback(t *testing.T) {
	ctx := context.Background()
	shared := mirror.NewMemory("shared")

	exporter, eng := newFixture(t, shared)
	createTable(t, eng, "source")
	require.NoError(t, exporter.Export(ctx, "source", []string{"users"}))

	file, err := exporter.Filename([]string{"users"})
	require.NoError(t, err)
	var pushed bytes.Buffer
	require.NoError(t, shared.Get(ctx, file, &pushed))
	assert.NotZero(t, pushed.Len())

	importer, eng2 := newFixture(t, shared)
	require.NoError(t, eng2.Create(ctx, "target"))
	ok, err := importer.TryImport(ctx, "target", []string{"users"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, countUsers(t, eng2, "target"))
	assert.FileExists(t, filepath.Join(importer.Dir(), file), "fetched snapshot is kept locally")

	ok, err = importer.TryImport(ctx, "target", []string{})
	require.NoError(t, err)
	assert.False(t, ok, "missing from the mirror too")
}

func TestGarbageCollect(t *testing.T) {
	ctx := context.Background()
	shared := mirror.NewMemory("shared")
	m, _ := newFixture(t, shared)
	require.NoError(t, os.MkdirAll(m.Dir(), 0755))

	old := now.Add(-2 * time.Hour)
	recent := now.Add(-10 * time.Minute)
	files := map[string]time.Time{
		"snapshot.shop_test.abc123-0123456789ab.sqlite": old,    // current build
		"snapshot.shop_test.def456-0123456789ab.sqlite": old,    // other build, stale
		"snapshot.shop_test.def456-fedcba987654.sqlite": recent, // other build, in grace
		"snapshot.shop_test.xxxxxx-0123456789ab.sqlite": old,    // source checks off
		"snapshot.other_db.def456-0123456789ab.sqlite":  old,    // other database
		"notes.txt": old,
	}
	for name, mod := range files {
		path := filepath.Join(m.Dir(), name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	require.NoError(t, shared.Put(ctx, "snapshot.shop_test.def456-0123456789ab.sqlite", bytes.NewReader([]byte("x"))))

	infos, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 4)
	assert.True(t, infos[0].Current)
	assert.Equal(t, "snapshot.shop_test.abc123-0123456789ab.sqlite", infos[0].Name)

	report, err := m.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot.shop_test.def456-0123456789ab.sqlite"}, report.Removed)
	assert.Len(t, report.Kept, 3)
	assert.Empty(t, report.Failed)

	for name := range files {
		_, err := os.Stat(filepath.Join(m.Dir(), name))
		if name == "snapshot.shop_test.def456-0123456789ab.sqlite" {
			assert.True(t, os.IsNotExist(err), "%s should be removed", name)
		} else {
			assert.NoError(t, err, "%s should be kept", name)
		}
	}
	keys, err := shared.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys, "mirrored copy removed too")
}

type unreachable struct{ mirror.Mirror }

func (unreachable) List(context.Context, string) ([]string, error) {
	return nil, errors.New("connection refused")
}

func TestListIncludesMirroredSnapshots(t *testing.T) {
	ctx := context.Background()
	shared := mirror.NewMemory("shared")
	m, _ := newFixture(t, shared)
	require.NoError(t, os.MkdirAll(m.Dir(), 0755))

	localName := "snapshot.shop_test.abc123-0123456789ab.sqlite"
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), localName), []byte("x"), 0644))
	for _, key := range []string{
		localName,
		"snapshot.shop_test.abc123-fedcba987654.sqlite",
		"snapshot.shop_test.def456-0123456789ab.sqlite",
		"snapshot.other_db.abc123-0123456789ab.sqlite",
	} {
		require.NoError(t, shared.Put(ctx, key, bytes.NewReader([]byte("x"))))
	}

	infos, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, localName, infos[0].Name)
	assert.False(t, infos[0].MirrorOnly)
	assert.Equal(t, Info{Name: "snapshot.shop_test.abc123-fedcba987654.sqlite", Current: true, MirrorOnly: true}, infos[1])
	assert.Equal(t, Info{Name: "snapshot.shop_test.def456-0123456789ab.sqlite", MirrorOnly: true}, infos[2])

	report, err := m.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
	assert.Equal(t, []string{localName}, report.Kept)

	t.Run("unreachable mirror keeps local files", func(t *testing.T) {
		m.mirror = unreachable{shared}
		infos, err := m.List(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, localName, infos[0].Name)
	})
}

func TestGarbageCollectWithoutDirectory(t *testing.T) {
	m, _ := newFixture(t, nil)
	report, err := m.GarbageCollect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
}
