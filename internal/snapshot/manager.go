// Package snapshot stores exported databases as files so later builds can
// skip migrations and seeders.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"scenariodb/internal/scenario"
	"scenariodb/internal/snapshot/mirror"
)

// Manager names, imports, exports and garbage collects the snapshot files of
// one original database. Files are named
//
//	<snapshotPrefix><origName>.<build6>-<snapshot12>.<ext>
//
// and never carry the database modifier, so parallel workers share them.
type Manager struct {
	engine    scenario.Engine
	settings  scenario.Settings
	checksums scenario.Checksummer
	dir       string
	mirror    mirror.Mirror
	logger    scenario.Logger
	clock     scenario.Clock
}

var _ scenario.SnapshotStore = (*Manager)(nil)

// Options are the optional collaborators of a Manager.
type Options struct {
	Mirror mirror.Mirror // nil disables mirroring
	Logger scenario.Logger
	Clock  scenario.Clock
}

// Info describes one snapshot file.
type Info struct {
	Name       string
	Size       int64
	ModTime    time.Time
	Current    bool // made from the current source files
	Stale      bool // would be removed by GarbageCollect
	MirrorOnly bool // only in the mirror; Size and ModTime are unknown
}

// GCReport lists what GarbageCollect removed, and what it could not.
type GCReport struct {
	Removed []string
	Kept    []string
	Failed  map[string]error
}

// New creates a Manager keeping snapshot files in dir.
func New(engine scenario.Engine, s scenario.Settings, checksums scenario.Checksummer, dir string, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = scenario.NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = scenario.RealClock{}
	}
	return &Manager{
		engine:    engine,
		settings:  s,
		checksums: checksums,
		dir:       dir,
		mirror:    opts.Mirror,
		logger:    opts.Logger,
		clock:     opts.Clock,
	}
}

// Dir returns the directory holding the snapshot files.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) prefix() string {
	return m.settings.SnapshotPrefix + m.settings.Database + "."
}

// Filename returns the name of the snapshot file holding the given seeders.
func (m *Manager) Filename(seeders []string) (string, error) {
	fp, err := m.checksums.Fingerprint()
	if err != nil {
		return "", fmt.Errorf("resolving fingerprint: %w", err)
	}
	snap, err := m.checksums.SnapshotChecksumFor(seeders)
	if err != nil {
		return "", fmt.Errorf("resolving snapshot checksum: %w", err)
	}
	if snap == "" {
		return "", &scenario.DriverUnsupportedError{Driver: m.engine.Driver(), Operation: "snapshots"}
	}
	return fmt.Sprintf("%s%s-%s.%s", m.prefix(), scenario.BuildPart(fp.BuildChecksum),
		scenario.ScenarioPart(snap), m.engine.SnapshotExtension()), nil
}

// TryImport loads the snapshot for the seeders into the named database. A
// snapshot missing locally is fetched from the mirror when one is configured.
func (m *Manager) TryImport(ctx context.Context, name string, seeders []string) (bool, error) {
	file, err := m.Filename(seeders)
	if err != nil {
		return false, err
	}
	path := filepath.Join(m.dir, file)

	found, err := m.localOrMirrored(ctx, file, path)
	if err != nil || !found {
		return false, err
	}

	m.logger.Debug("importing snapshot", "database", name, "snapshot", file)
	if err := m.engine.ImportSnapshot(ctx, name, path); err != nil {
		return false, fmt.Errorf("importing snapshot %s: %w", file, err)
	}
	// Used snapshots stay clear of garbage collection.
	now := m.clock.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		m.logger.Warn("touching snapshot failed", "snapshot", file, "error", err)
	}
	return true, nil
}

func (m *Manager) localOrMirrored(ctx context.Context, file, path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat snapshot: %w", err)
	}
	if m.mirror == nil {
		return false, nil
	}

	if err := m.fetch(ctx, file, path); err != nil {
		if errors.Is(err, mirror.ErrNotFound) {
			return false, nil
		}
		// The mirror is a convenience; building from scratch still works.
		m.logger.Warn("fetching snapshot from mirror failed", "mirror", m.mirror.Name(), "snapshot", file, "error", err)
		return false, nil
	}
	m.logger.Info("fetched snapshot from mirror", "mirror", m.mirror.Name(), "snapshot", file)
	return true, nil
}

// fetch downloads a mirrored snapshot into a temporary file and moves it into place.
func (m *Manager) fetch(ctx context.Context, file, path string) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp := filepath.Join(m.dir, ".tmp-"+uuid.New().String())
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp)

	if err := m.mirror.Get(ctx, file, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Export writes the named database to the snapshot file for the seeders and
// pushes it to the mirror. A failed push is logged and does not fail the export.
func (m *Manager) Export(ctx context.Context, name string, seeders []string) error {
	file, err := m.Filename(seeders)
	if err != nil {
		return err
	}
	path := filepath.Join(m.dir, file)
	m.logger.Debug("exporting snapshot", "database", name, "snapshot", file)
	if err := m.engine.ExportSnapshot(ctx, name, path); err != nil {
		return fmt.Errorf("exporting snapshot %s: %w", file, err)
	}

	if m.mirror != nil {
		if err := m.push(ctx, file, path); err != nil {
			m.logger.Warn("pushing snapshot to mirror failed", "mirror", m.mirror.Name(), "snapshot", file, "error", err)
		}
	}
	return nil
}

func (m *Manager) push(ctx context.Context, file, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()
	return m.mirror.Put(ctx, file, f)
}

// List returns the snapshot files of the original database, sorted by name,
// followed by those only found in the mirror. An unreachable mirror is logged
// and leaves the local files.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	current, err := m.currentBuildPart()
	if err != nil {
		return nil, err
	}
	infos, err := m.listLocal(current)
	if err != nil || m.mirror == nil {
		return infos, err
	}

	keys, err := m.mirror.List(ctx, m.prefix())
	if err != nil {
		m.logger.Warn("listing mirrored snapshots failed", "mirror", m.mirror.Name(), "error", err)
		return infos, nil
	}
	local := make(map[string]bool, len(infos))
	for _, info := range infos {
		local[info.Name] = true
	}
	pattern := m.pattern()
	for _, key := range keys {
		match := pattern.FindStringSubmatch(key)
		if match == nil || local[key] {
			continue
		}
		infos = append(infos, Info{Name: key, Current: match[1] == current, MirrorOnly: true})
	}
	return infos, nil
}

func (m *Manager) listLocal(current string) ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot directory: %w", err)
	}

	pattern := m.pattern()
	now := m.clock.Now()
	var infos []Info
	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil || !entry.Type().IsRegular() {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat snapshot %s: %w", entry.Name(), err)
		}
		info := Info{
			Name:    entry.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			Current: match[1] == current,
		}
		info.Stale = !info.Current && match[1] != scenario.MissingBuildPart() &&
			fi.ModTime().Add(m.settings.StaleGrace).Before(now)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// GarbageCollect removes snapshots made from other source files once they are
// older than the stale grace period. Snapshots made with source checks off are
// kept. Failures are collected in the report and never stop the collection.
func (m *Manager) GarbageCollect(ctx context.Context) (GCReport, error) {
	report := GCReport{Failed: map[string]error{}}
	current, err := m.currentBuildPart()
	if err != nil {
		return report, err
	}
	infos, err := m.listLocal(current)
	if err != nil {
		return report, err
	}
	for _, info := range infos {
		if !info.Stale {
			report.Kept = append(report.Kept, info.Name)
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, info.Name)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("removing snapshot failed", "snapshot", info.Name, "error", err)
			report.Failed[info.Name] = err
			continue
		}
		if m.mirror != nil {
			if err := m.mirror.Delete(ctx, info.Name); err != nil {
				m.logger.Warn("removing mirrored snapshot failed", "mirror", m.mirror.Name(), "snapshot", info.Name, "error", err)
				report.Failed[info.Name] = err
				continue
			}
		}
		m.logger.Info("removed stale snapshot", "snapshot", info.Name)
		report.Removed = append(report.Removed, info.Name)
	}
	return report, nil
}

func (m *Manager) currentBuildPart() (string, error) {
	fp, err := m.checksums.Fingerprint()
	if err != nil {
		return "", fmt.Errorf("resolving fingerprint: %w", err)
	}
	return scenario.BuildPart(fp.BuildChecksum), nil
}

// pattern matches this database's snapshot files and captures the build part.
func (m *Manager) pattern() *regexp.Regexp {
	ext := regexp.QuoteMeta("." + strings.TrimPrefix(m.engine.SnapshotExtension(), "."))
	return regexp.MustCompile("^" + regexp.QuoteMeta(m.prefix()) + `([0-9a-fx]{1,6})-[0-9a-f]+` + ext + "$")
}
