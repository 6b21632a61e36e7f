package scenario

import (
	"context"
	"database/sql"
	"fmt"
)

// DatabaseInfo describes one database found by List.
type DatabaseInfo struct {
	Name    string
	Size    int64
	Record  *Record // nil when the database has no readable metadata
	Current bool    // built for the current fingerprint
	Stale   bool
}

// Owned reports whether the database carries metadata for the given project.
func (d DatabaseInfo) Owned(project string) bool {
	return d.Record != nil && d.Record.ProjectName == project
}

// PurgeReport lists what Purge removed and what it failed to remove.
type PurgeReport struct {
	Removed []string
	Skipped []string
	Failed  map[string]error
}

// List returns the databases that belong to this builder's original database name.
func (b *Builder) List(ctx context.Context) ([]DatabaseInfo, error) {
	plan, err := b.Prepare()
	if err != nil {
		return nil, err
	}
	prefix := b.settings.Database
	if b.settings.UsingScenarios() {
		prefix = b.settings.DatabasePrefix + b.settings.Database + "_"
	}
	names, err := b.deps.Engine.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}

	now := b.deps.Clock.Now()
	infos := make([]DatabaseInfo, 0, len(names))
	for _, name := range names {
		info := DatabaseInfo{Name: name, Current: name == plan.Database}
		if info.Size, err = b.deps.Engine.Size(ctx, name); err != nil {
			return nil, fmt.Errorf("sizing database %s: %w", name, err)
		}
		err := b.withDB(ctx, name, func(db *sql.DB) error {
			var err error
			info.Record, err = b.deps.Metadata.Read(ctx, db)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("reading reuse metadata of %s: %w", name, err)
		}
		if info.Record != nil {
			info.Stale = !info.Current && info.Record.IsStale(now, b.settings.StaleGrace)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Purge drops this project's databases: the stale ones, or all of them when
// all is set. Databases of other projects, and databases without metadata,
// are never dropped. Failures are reported and do not stop the purge.
func (b *Builder) Purge(ctx context.Context, all bool) (*PurgeReport, error) {
	infos, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	report := &PurgeReport{Failed: map[string]error{}}
	for _, info := range infos {
		if !info.Owned(b.settings.ProjectName) || (!all && !info.Stale) {
			report.Skipped = append(report.Skipped, info.Name)
			continue
		}
		if err := b.deps.Engine.Drop(ctx, info.Name); err != nil {
			b.deps.Logger.Warn("dropping database failed", "database", info.Name, "error", err)
			report.Failed[info.Name] = err
			continue
		}
		b.deps.Logger.Info("dropped database", "database", info.Name)
		report.Removed = append(report.Removed, info.Name)
	}
	return report, nil
}
