// Package window computes the [start, end) time range a sync pass should
// list from a source platform. Incremental windows are keyed by platform and
// anchored on last_sync_<platform>; migration windows are keyed by direction
// and walk a resumable cursor from the configured start forward to now.
package window

import (
	"fmt"
	"time"
)

// Mode selects how the window is computed.
type Mode string

const (
	Incremental Mode = "incremental"
	Migration   Mode = "migration"
)

const (
	maxLookback     = 30 * 24 * time.Hour
	minCatchup      = 7 * 24 * time.Hour
	overlap         = time.Hour
	migrationEpoch  = "2008-01-01T00:00:00Z"
	migrationSlack  = 24 * time.Hour
	cursorKeyPrefix = "migration_progress_"
	startKeyPrefix  = "migration_start_time_"
)

// ConfigStore is the slice of the registry the window manager needs.
type ConfigStore interface {
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error
	LastSyncTime(platform string) (time.Time, bool, error)
	SetLastSyncTime(platform string, t time.Time) error
}

// Manager computes sync windows and tracks migration progress.
type Manager struct {
	store ConfigStore
	debug bool

	// now is swappable for tests.
	now func() time.Time
}

// New creates a window manager over the given config store.
func New(store ConfigStore, debug bool) *Manager {
	return &Manager{store: store, debug: debug, now: time.Now}
}

func (m *Manager) debugf(format string, args ...interface{}) {
	if m.debug {
		fmt.Printf("[window] "+format+"\n", args...)
	}
}

// Window returns the [start, end) range for one direction. platform is the
// source platform (incremental anchor); direction is "source_to_target"
// (migration cursor key). Both bounds are UTC and end is always now.
func (m *Manager) Window(mode Mode, platform, direction string) (time.Time, time.Time, error) {
	now := m.now().UTC()

	switch mode {
	case Migration:
		start, err := m.migrationStart(direction)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		m.debugf("%s migration window: %s - %s", direction, start.Format(time.RFC3339), now.Format(time.RFC3339))
		return start, now, nil

	case Incremental:
		start, err := m.incrementalStart(platform, now)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		m.debugf("%s incremental window: %s - %s", platform, start.Format(time.RFC3339), now.Format(time.RFC3339))
		return start, now, nil

	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown sync mode %q", mode)
	}
}

func (m *Manager) incrementalStart(platform string, now time.Time) (time.Time, error) {
	lastSync, ok, err := m.store.LastSyncTime(platform)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync time for %s: %w", platform, err)
	}
	if !ok {
		// First sync: look back the full month.
		return now.Add(-maxLookback), nil
	}
	lastSync = lastSync.UTC()

	if now.Sub(lastSync) > maxLookback {
		// Too stale to trust; treat as a fresh sync.
		return now.Add(-maxLookback), nil
	}

	// Overlap the previous window by an hour so border activities are not
	// missed, and never shrink the catch-up below a week.
	start := lastSync.Add(-overlap)
	if floor := now.Add(-minCatchup); floor.Before(start) {
		start = floor
	}
	return start, nil
}

func (m *Manager) migrationStart(direction string) (time.Time, error) {
	cursor, err := m.store.GetConfig(cursorKeyPrefix + direction)
	if err != nil {
		return time.Time{}, err
	}
	if cursor != "" {
		t, err := time.Parse(time.RFC3339, cursor)
		if err != nil {
			return time.Time{}, fmt.Errorf("corrupt migration cursor for %s: %w", direction, err)
		}
		return t.UTC(), nil
	}

	configured, err := m.store.GetConfig(startKeyPrefix + direction)
	if err != nil {
		return time.Time{}, err
	}
	if configured != "" {
		t, err := time.Parse(time.RFC3339, configured)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid migration start time for %s: %w", direction, err)
		}
		return t.UTC(), nil
	}

	t, _ := time.Parse(time.RFC3339, migrationEpoch)
	return t, nil
}

// CommitProgress advances the migration cursor for a direction to
// latestActivityTime, never moving it backwards.
func (m *Manager) CommitProgress(direction string, latestActivityTime time.Time) error {
	latest := latestActivityTime.UTC()

	current, err := m.store.GetConfig(cursorKeyPrefix + direction)
	if err != nil {
		return err
	}
	if current != "" {
		if prior, err := time.Parse(time.RFC3339, current); err == nil && prior.UTC().After(latest) {
			m.debugf("%s cursor already at %s, not rewinding", direction, current)
			return nil
		}
	}

	if err := m.store.SetConfig(cursorKeyPrefix+direction, latest.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to commit migration progress: %w", err)
	}
	m.debugf("%s migration cursor -> %s", direction, latest.Format(time.RFC3339))
	return nil
}

// SetStartTime records the configured migration start for a direction and
// clears any existing cursor so the next migration run restarts from it.
func (m *Manager) SetStartTime(direction string, start time.Time) error {
	if err := m.store.SetConfig(startKeyPrefix+direction, start.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return m.store.SetConfig(cursorKeyPrefix+direction, "")
}

// Cursor returns the raw migration cursor for a direction, or zero when
// the migration has not started.
func (m *Manager) Cursor(direction string) (time.Time, bool, error) {
	value, err := m.store.GetConfig(cursorKeyPrefix + direction)
	if err != nil || value == "" {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt migration cursor for %s: %w", direction, err)
	}
	return t.UTC(), true, nil
}

// IsMigrationComplete reports whether the cursor has caught up to within a
// day of now. A direction with no cursor is never complete.
func (m *Manager) IsMigrationComplete(direction string) (bool, error) {
	cursor, ok, err := m.Cursor(direction)
	if err != nil || !ok {
		return false, err
	}
	return m.now().UTC().Sub(cursor) <= migrationSlack, nil
}

// CommitLastSync records the incremental anchor for a platform.
func (m *Manager) CommitLastSync(platform string, t time.Time) error {
	return m.store.SetLastSyncTime(platform, t)
}
