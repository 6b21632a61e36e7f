package scenario

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	fp := Fingerprint{BuildChecksum: "b1", ScenarioChecksum: "s1", SnapshotChecksum: "n1"}
	txSettings := DefaultSettings()
	txSettings.ProjectName = "shop"

	journalSettings := txSettings
	journalSettings.ReuseTransaction = false
	journalSettings.ReuseJournal = true

	noReuse := txSettings
	noReuse.ReuseTransaction = false

	built := func(s Settings, edit func(*Record)) *Record {
		rec := NewRecord(s, fp, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		if edit != nil {
			edit(&rec)
		}
		return &rec
	}
	forced := txSettings.Apply(WithForceRebuild())

	tests := []struct {
		name      string
		exists    bool
		rec       *Record
		settings  Settings
		action    Action
		violation bool
	}{
		{"missing database", false, nil, txSettings, MustBuild, false},
		{"no metadata", true, nil, txSettings, MustBuild, false},
		{"old metadata version", true, built(txSettings, func(r *Record) { r.Version = "1" }), txSettings, MustBuild, false},
		{"source files changed", true, built(txSettings, func(r *Record) { r.BuildChecksum = "b0" }), txSettings, MustBuild, false},
		{"scenario changed", true, built(txSettings, func(r *Record) { r.ScenarioChecksum = "s0" }), txSettings, MustBuild, false},
		{"forced rebuild", true, built(txSettings, nil), forced, MustBuild, false},
		{"rolled back transaction", true, built(txSettings, nil), txSettings, ReuseClean, false},
		{"committed transaction", true, built(txSettings, func(r *Record) { r.TransactionReusable = false }), txSettings, MustBuild, true},
		{"built without transactions", true, built(journalSettings, nil), txSettings, MustBuild, false},
		{"journal", true, built(journalSettings, nil), journalSettings, ReuseViaJournalRevert, false},
		{"journal not reusable", true, built(journalSettings, func(r *Record) { r.JournalReusable = false }), journalSettings, MustBuild, false},
		{"reuse off", true, built(noReuse, nil), noReuse, MustBuild, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Evaluate(Candidate{Name: "test_shop_b1_s1", Exists: tt.exists, Record: tt.rec, Fingerprint: fp, Settings: tt.settings})
			require.NoError(t, err)
			assert.Equal(t, tt.action, v.Action, "reason: %s", v.Reason)
			assert.Equal(t, tt.violation, v.Violation)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestEvaluateOwnershipComesFirst(t *testing.T) {
	s := DefaultSettings()
	s.ProjectName = "shop"
	other := s
	other.ProjectName = "blog"
	// Checksums differ too, but a foreign database must never be rebuilt.
	rec := NewRecord(other, Fingerprint{BuildChecksum: "zz"}, time.Now())

	_, err := Evaluate(Candidate{Name: "test_shop", Exists: true, Record: &rec, Fingerprint: Fingerprint{BuildChecksum: "b1"}, Settings: s})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOwnershipConflict))

	var conflict *OwnershipConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "blog", conflict.OwnerProject)
	assert.Equal(t, "shop", conflict.Project)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "build", MustBuild.String())
	assert.Equal(t, "reuse", ReuseClean.String())
	assert.Equal(t, "reuse-via-journal", ReuseViaJournalRevert.String())
}

func TestRecordIsStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{LastUsedAt: now.Add(-5 * time.Hour)}
	assert.True(t, rec.IsStale(now, 4*time.Hour))
	assert.False(t, rec.IsStale(now, 6*time.Hour))
}
