package reusemeta

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenariodb/internal/scenario"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "meta.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleRecord() scenario.Record {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := scenario.DefaultSettings()
	s.ProjectName = "shop"
	s.Database = "shop_test"
	rec := scenario.NewRecord(s, scenario.Fingerprint{
		BuildChecksum:    "b1",
		ScenarioChecksum: "s1",
		SnapshotChecksum: "n1",
	}, created)
	rec.ContentChecksum = "c1"
	return rec
}

func TestStore_ReadAbsent(t *testing.T) {
	db := openTestDB(t)
	rec, err := New(scenario.DriverSQLite, nil).Read(context.Background(), db)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_WriteRead(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := New(scenario.DriverSQLite, nil)
	want := sampleRecord()

	require.NoError(t, store.Write(ctx, db, want))
	got, err := store.Read(ctx, db)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	t.Run("write replaces the record", func(t *testing.T) {
		next := want
		next.BuildChecksum = "b2"
		require.NoError(t, store.Write(ctx, db, next))

		got, err := store.Read(ctx, db)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "b2", got.BuildChecksum)

		var rows int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "____scenariodb____"`).Scan(&rows))
		assert.Equal(t, 1, rows)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, store.Remove(ctx, db))
		got, err := store.Read(ctx, db)
		require.NoError(t, err)
		assert.Nil(t, got)
		require.NoError(t, store.Remove(ctx, db), "removing twice")
	})
}

func TestStore_ReadMalformed(t *testing.T) {
	ctx := context.Background()
	store := New(scenario.DriverSQLite, nil)

	tests := []struct {
		name  string
		setup func(t *testing.T, db *sql.DB)
	}{
		{"foreign table layout", func(t *testing.T, db *sql.DB) {
			_, err := db.Exec(`CREATE TABLE "____scenariodb____" (something TEXT)`)
			require.NoError(t, err)
		}},
		{"empty table", func(t *testing.T, db *sql.DB) {
			require.NoError(t, store.Write(ctx, db, sampleRecord()))
			_, err := db.Exec(`DELETE FROM "____scenariodb____"`)
			require.NoError(t, err)
		}},
		{"two rows", func(t *testing.T, db *sql.DB) {
			require.NoError(t, store.Write(ctx, db, sampleRecord()))
			_, err := db.Exec(`INSERT INTO "____scenariodb____" SELECT * FROM "____scenariodb____"`)
			require.NoError(t, err)
		}},
		{"bad timestamp", func(t *testing.T, db *sql.DB) {
			require.NoError(t, store.Write(ctx, db, sampleRecord()))
			_, err := db.Exec(`UPDATE "____scenariodb____" SET created_at = 'yesterday'`)
			require.NoError(t, err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			tt.setup(t, db)
			rec, err := store.Read(ctx, db)
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestStore_Touch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := New(scenario.DriverSQLite, nil)
	rec := sampleRecord()
	require.NoError(t, store.Write(ctx, db, rec))

	later := rec.CreatedAt.Add(3 * time.Hour)
	require.NoError(t, store.Touch(ctx, db, later))

	got, err := store.Read(ctx, db)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.LastUsedAt.Equal(later))
	assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))
}

func TestStore_TransactionWrapping(t *testing.T) {
	ctx := context.Background()
	store := New(scenario.DriverSQLite, nil)

	setup := func(t *testing.T) (*sql.DB, *sql.Tx) {
		t.Helper()
		db := openTestDB(t)
		require.NoError(t, store.Write(ctx, db, sampleRecord()))
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, store.MarkTransactionStarted(ctx, tx))
		return db, tx
	}

	t.Run("rolled back transaction stays reusable", func(t *testing.T) {
		db, tx := setup(t)
		require.NoError(t, tx.Rollback())

		committed, err := store.TransactionCommitted(ctx, db)
		require.NoError(t, err)
		assert.False(t, committed)
	})

	t.Run("committed transaction is detected", func(t *testing.T) {
		db, tx := setup(t)
		require.NoError(t, tx.Commit())

		committed, err := store.TransactionCommitted(ctx, db)
		require.NoError(t, err)
		assert.True(t, committed)

		rec, err := store.Read(ctx, db)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.False(t, rec.TransactionReusable)
	})

	t.Run("databases without transaction reuse never count as committed", func(t *testing.T) {
		db := openTestDB(t)
		rec := sampleRecord()
		rec.UsesTransactions = false
		rec.TransactionReusable = false
		require.NoError(t, store.Write(ctx, db, rec))

		committed, err := store.TransactionCommitted(ctx, db)
		require.NoError(t, err)
		assert.False(t, committed)
	})
}

func TestStore_Rebind(t *testing.T) {
	pg := New(scenario.DriverPostgres, nil)
	assert.Equal(t, "UPDATE t SET a = $1, b = $2", pg.rebind("UPDATE t SET a = ?, b = ?"))

	lite := New(scenario.DriverSQLite, nil)
	assert.Equal(t, "UPDATE t SET a = ?", lite.rebind("UPDATE t SET a = ?"))
}
