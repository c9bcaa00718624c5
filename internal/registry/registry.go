// Package registry is the persistent activity registry and state store. It
// owns every durable entity of the sync core: fingerprinted activity records,
// platform id mappings, per-direction sync statuses, the file-cache index and
// the flat sync_config key/value table. One process writes at a time; all
// writes are transactional.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fitbridge-sync/internal/metadata"
)

// Sync status values for the (fingerprint, source, target) triple.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

const timeLayout = time.RFC3339

// Store is the sqlite-backed registry.
type Store struct {
	db    *sql.DB
	path  string
	debug bool
}

// Candidate pairs a stored fingerprint with its activity metadata, returned
// by FindSimilarByTimeAndSport for the matcher to score.
type Candidate struct {
	Fingerprint string
	Activity    metadata.Activity
}

// Stats is the snapshot returned by Statistics.
type Stats struct {
	TotalActivities int
	PlatformCounts  map[string]int
	SyncStatus      map[string]map[string]int // direction -> status -> count
	LastSync        map[string]string         // platform -> ISO timestamp ("" if never)
	CacheFiles      int
	DatabasePath    string
}

// Open opens (creating if necessary) the registry database at path.
func Open(path string, debug bool) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	// One writer at a time; serialize at the pool level so concurrent reads
	// from the CLI status path never interleave with a write transaction.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, debug: debug}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) debugf(format string, args ...interface{}) {
	if s.debug {
		fmt.Printf("[registry] "+format+"\n", args...)
	}
}

func (s *Store) initialize() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS activity_records (
			fingerprint TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			sport_type TEXT NOT NULL,
			start_time TEXT NOT NULL,
			distance REAL NOT NULL,
			duration INTEGER NOT NULL,
			elevation_gain REAL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS platform_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			platform TEXT NOT NULL,
			activity_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (fingerprint) REFERENCES activity_records (fingerprint),
			UNIQUE(fingerprint, platform)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_status (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			source_platform TEXT NOT NULL,
			target_platform TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (fingerprint) REFERENCES activity_records (fingerprint),
			UNIQUE(fingerprint, source_platform, target_platform)
		)`,
		`CREATE TABLE IF NOT EXISTS file_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			file_format TEXT NOT NULL,
			file_path TEXT NOT NULL,
			file_size INTEGER,
			created_at TEXT NOT NULL,
			FOREIGN KEY (fingerprint) REFERENCES activity_records (fingerprint),
			UNIQUE(fingerprint, file_format)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize registry schema: %w", err)
		}
	}

	return s.seedDefaults()
}

func (s *Store) seedDefaults() error {
	defaults := [][2]string{
		{"last_sync_strava", ""},
		{"last_sync_garmin", ""},
		{"sync_rule_strava_to_garmin", "true"},
		{"sync_rule_garmin_to_strava", "true"},
	}

	now := time.Now().UTC().Format(timeLayout)
	for _, kv := range defaults {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO sync_config (key, value, updated_at) VALUES (?, ?, ?)`,
			kv[0], kv[1], now)
		if err != nil {
			return fmt.Errorf("failed to seed default config: %w", err)
		}
	}
	return nil
}

// UpsertActivity writes the activity record and its platform mapping in one
// transaction and returns the fingerprint. createdAt is preserved when the
// record already exists. Idempotent.
func (s *Store) UpsertActivity(meta metadata.Activity, platform, activityID string) (string, error) {
	fingerprint := metadata.Fingerprint(meta)
	now := time.Now().UTC().Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO activity_records
		(fingerprint, name, sport_type, start_time, distance, duration, elevation_gain, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?,
			COALESCE((SELECT created_at FROM activity_records WHERE fingerprint = ?), ?), ?)`,
		fingerprint, meta.Name, meta.SportType, meta.StartTime.UTC().Format(timeLayout),
		meta.Distance, meta.Duration, meta.ElevationGain,
		fingerprint, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to upsert activity record: %w", err)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO platform_mappings (fingerprint, platform, activity_id, created_at)
		VALUES (?, ?, ?, ?)`,
		fingerprint, platform, activityID, now)
	if err != nil {
		return "", fmt.Errorf("failed to upsert platform mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit activity record: %w", err)
	}

	s.debugf("upserted activity %s (%s:%s)", fingerprint, platform, activityID)
	return fingerprint, nil
}

// SetSyncStatus upserts the status row for a (fingerprint, source, target)
// triple.
func (s *Store) SetSyncStatus(fingerprint, source, target, status string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_status
		(fingerprint, source_platform, target_platform, status, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		fingerprint, source, target, status, now)
	if err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	s.debugf("sync status %s %s->%s = %s", fingerprint, source, target, status)
	return nil
}

// IsSynced reports whether the activity has been synced from source to
// target. Both the status row and the platform mappings on both sides must
// exist, so a stale status row not backed by actual presence reads as
// not-synced.
func (s *Store) IsSynced(fingerprint, source, target string) (bool, error) {
	var mappings int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM platform_mappings
		WHERE fingerprint = ? AND platform IN (?, ?)`,
		fingerprint, source, target).Scan(&mappings)
	if err != nil {
		return false, fmt.Errorf("failed to count platform mappings: %w", err)
	}
	if mappings < 2 {
		return false, nil
	}

	var status string
	err = s.db.QueryRow(`
		SELECT status FROM sync_status
		WHERE fingerprint = ? AND source_platform = ? AND target_platform = ?`,
		fingerprint, source, target).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query sync status: %w", err)
	}
	return status == StatusSynced, nil
}

// PlatformActivityID returns the platform-assigned id mapped to fingerprint
// on the given platform, or "" when no mapping exists.
func (s *Store) PlatformActivityID(fingerprint, platform string) (string, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT activity_id FROM platform_mappings
		WHERE fingerprint = ? AND platform = ?`,
		fingerprint, platform).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query platform mapping: %w", err)
	}
	return id, nil
}

// FindSimilarByTimeAndSport returns the coarse candidate set for the
// matcher: activities whose start time falls within ±window of start and
// whose stored sport type equals sportType.
func (s *Store) FindSimilarByTimeAndSport(start time.Time, sportType string, window time.Duration) ([]Candidate, error) {
	from := start.UTC().Add(-window).Format(timeLayout)
	to := start.UTC().Add(window).Format(timeLayout)

	rows, err := s.db.Query(`
		SELECT fingerprint, name, sport_type, start_time, distance, duration, COALESCE(elevation_gain, 0)
		FROM activity_records
		WHERE start_time BETWEEN ? AND ? AND sport_type = ?`,
		from, to, sportType)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar activities: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var startTime string
		if err := rows.Scan(&c.Fingerprint, &c.Activity.Name, &c.Activity.SportType,
			&startTime, &c.Activity.Distance, &c.Activity.Duration, &c.Activity.ElevationGain); err != nil {
			return nil, fmt.Errorf("failed to scan activity record: %w", err)
		}
		t, err := time.Parse(timeLayout, startTime)
		if err != nil {
			return nil, fmt.Errorf("corrupt start_time for %s: %w", c.Fingerprint, err)
		}
		c.Activity.StartTime = t
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// GetConfig returns the value for key, or "" when the key is absent. Empty
// stored values read the same as absent keys.
func (s *Store) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM sync_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config %q: %w", key, err)
	}
	return value, nil
}

// SetConfig upserts a config key.
func (s *Store) SetConfig(key, value string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_config (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set config %q: %w", key, err)
	}
	s.debugf("config %s = %s", key, value)
	return nil
}

// LastSyncTime returns the incremental anchor for a platform. ok is false
// when the platform has never synced.
func (s *Store) LastSyncTime(platform string) (time.Time, bool, error) {
	value, err := s.GetConfig("last_sync_" + platform)
	if err != nil || value == "" {
		return time.Time{}, false, err
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt last_sync_%s value %q: %w", platform, value, err)
	}
	return t.UTC(), true, nil
}

// SetLastSyncTime records the incremental anchor for a platform.
func (s *Store) SetLastSyncTime(platform string, t time.Time) error {
	return s.SetConfig("last_sync_"+platform, t.UTC().Format(timeLayout))
}

// IsSyncEnabled reports whether the sync rule for source->target is on.
// Directions without a rule row default to enabled.
func (s *Store) IsSyncEnabled(source, target string) (bool, error) {
	value, err := s.GetConfig(fmt.Sprintf("sync_rule_%s_to_%s", source, target))
	if err != nil {
		return false, err
	}
	return value != "false", nil
}

// SetSyncRule toggles the sync rule for source->target.
func (s *Store) SetSyncRule(source, target string, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	return s.SetConfig(fmt.Sprintf("sync_rule_%s_to_%s", source, target), value)
}

// AddFileCache records a cached blob for (fingerprint, format). The file is
// stat'ed for its size; a missing file records size 0.
func (s *Store) AddFileCache(fingerprint, format, path string) error {
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO file_cache (fingerprint, file_format, file_path, file_size, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		fingerprint, format, path, size, now)
	if err != nil {
		return fmt.Errorf("failed to add file cache entry: %w", err)
	}
	s.debugf("cached %s.%s (%d bytes)", fingerprint, format, size)
	return nil
}

// CachedFile returns the cached path for (fingerprint, format). A hit
// requires the index row, the file on disk and a matching size; anything
// else is a miss.
func (s *Store) CachedFile(fingerprint, format string) (string, bool, error) {
	var path string
	var size int64
	err := s.db.QueryRow(`
		SELECT file_path, COALESCE(file_size, 0) FROM file_cache
		WHERE fingerprint = ? AND file_format = ?`,
		fingerprint, format).Scan(&path, &size)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query file cache: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() != size {
		return "", false, nil
	}
	return path, true, nil
}

// CleanupFileCacheOlderThan deletes cache rows older than the given number
// of days, then best-effort removes the files. Missing files are not an
// error; a file that cannot be removed is reported but does not fail the
// cleanup.
func (s *Store) CleanupFileCacheOlderThan(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)

	rows, err := s.db.Query(`SELECT file_path FROM file_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired cache entries: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	res, err := s.db.Exec(`DELETE FROM file_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	deleted, _ := res.RowsAffected()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			fmt.Printf("⚠️  Failed to remove cache file %s: %v\n", p, err)
		}
	}

	s.debugf("cleaned %d expired cache entries", deleted)
	return int(deleted), nil
}

// Statistics returns totals per platform, the per-direction status
// histogram, last-sync times and the cache row count.
func (s *Store) Statistics() (Stats, error) {
	stats := Stats{
		PlatformCounts: make(map[string]int),
		SyncStatus:     make(map[string]map[string]int),
		LastSync:       make(map[string]string),
		DatabasePath:   s.path,
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM activity_records`).Scan(&stats.TotalActivities); err != nil {
		return stats, fmt.Errorf("failed to count activities: %w", err)
	}

	rows, err := s.db.Query(`SELECT platform, COUNT(*) FROM platform_mappings GROUP BY platform`)
	if err != nil {
		return stats, fmt.Errorf("failed to count platform mappings: %w", err)
	}
	for rows.Next() {
		var platform string
		var count int
		if err := rows.Scan(&platform, &count); err != nil {
			rows.Close()
			return stats, err
		}
		stats.PlatformCounts[platform] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.Query(`
		SELECT source_platform, target_platform, status, COUNT(*)
		FROM sync_status GROUP BY source_platform, target_platform, status`)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate sync statuses: %w", err)
	}
	for rows.Next() {
		var source, target, status string
		var count int
		if err := rows.Scan(&source, &target, &status, &count); err != nil {
			rows.Close()
			return stats, err
		}
		direction := source + "_to_" + target
		if stats.SyncStatus[direction] == nil {
			stats.SyncStatus[direction] = make(map[string]int)
		}
		stats.SyncStatus[direction][status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.Query(`SELECT key, value FROM sync_config WHERE key LIKE 'last_sync_%'`)
	if err != nil {
		return stats, fmt.Errorf("failed to read last-sync config: %w", err)
	}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return stats, err
		}
		stats.LastSync[strings.TrimPrefix(key, "last_sync_")] = value
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM file_cache`).Scan(&stats.CacheFiles); err != nil {
		return stats, fmt.Errorf("failed to count cache entries: %w", err)
	}

	return stats, nil
}
