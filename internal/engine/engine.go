// Package engine orchestrates activity synchronization between platforms.
// It owns the per-direction pipeline: rule and rate-limit gates, sync
// window resolution, fingerprint de-dup, the duplicate probe, the file
// cache, and the final upload classification. Adapters do the platform
// talking; the engine never interprets HTTP responses itself.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fitbridge-sync/internal/cache"
	"github.com/fitbridge-sync/internal/config"
	"github.com/fitbridge-sync/internal/matcher"
	"github.com/fitbridge-sync/internal/metadata"
	"github.com/fitbridge-sync/internal/platform"
	"github.com/fitbridge-sync/internal/ratelimit"
	"github.com/fitbridge-sync/internal/registry"
	"github.com/fitbridge-sync/internal/window"
)

const governorStateKey = "rate_limit_state"

// Engine wires the core components together. Directions within one RunSync
// call execute sequentially so rate-limit accounting stays exact and the
// registry has a single writer.
type Engine struct {
	cfg      *config.Config
	store    *registry.Store
	governor *ratelimit.Governor
	adapters *platform.Registry
	files    *cache.Cache
	windows  *window.Manager
	matcher  *matcher.Matcher
	debug    bool

	now func() time.Time
}

// Result is the outcome of syncing one direction.
type Result struct {
	Direction string
	Success   int
	Failed    int
	Skipped   int
	Processed int

	// Disabled is set when the direction's sync rule is off, RateLimited
	// when the governor denied the source before any work, Complete when a
	// migration has caught up to the present.
	Disabled    bool
	RateLimited bool
	Complete    bool

	Err error
}

// New creates an engine over an opened registry and registered adapters.
func New(cfg *config.Config, store *registry.Store, governor *ratelimit.Governor, adapters *platform.Registry, files *cache.Cache, debug bool) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    store,
		governor: governor,
		adapters: adapters,
		files:    files,
		windows:  window.New(store, debug),
		matcher: matcher.New(matcher.Thresholds{
			TimeToleranceMinutes:     cfg.Match.TimeToleranceMinutes,
			DistanceTolerancePercent: cfg.Match.DistanceTolerancePercent,
			DurationTolerancePercent: cfg.Match.DurationTolerancePercent,
			MinConfidence:            cfg.Match.MinConfidence,
		}, debug),
		debug: debug,
		now:   time.Now,
	}
	e.restoreGovernorState()
	return e
}

func (e *Engine) debugf(format string, args ...interface{}) {
	if e.debug {
		fmt.Printf("[engine] "+format+"\n", args...)
	}
}

// RunSync processes each direction in order and returns one result per
// direction. A cancelled context stops between activities; partial results
// are valid and committed cursors reflect only completed work.
func (e *Engine) RunSync(ctx context.Context, directions []string, batchSize int, mode platform.Mode) []Result {
	if batchSize <= 0 {
		batchSize = e.cfg.Sync.BatchSize
	}

	results := make([]Result, 0, len(directions))
	for _, direction := range directions {
		results = append(results, e.syncDirection(ctx, direction, batchSize, mode))
		if ctx.Err() != nil {
			break
		}
	}
	e.persistGovernorState()
	return results
}

func (e *Engine) syncDirection(ctx context.Context, direction string, batchSize int, mode platform.Mode) Result {
	result := Result{Direction: direction}

	source, target, err := e.adapters.ParseDirection(direction)
	if err != nil {
		result.Err = err
		return result
	}

	enabled, err := e.store.IsSyncEnabled(source, target)
	if err != nil {
		result.Err = err
		return result
	}
	if !enabled {
		e.debugf("%s: sync rule disabled", direction)
		result.Disabled = true
		return result
	}

	if !e.governor.CanRequest(source) {
		e.debugf("%s: rate limit reached for %s", direction, source)
		result.RateLimited = true
		return result
	}

	src, err := e.adapters.Source(source)
	if err != nil {
		result.Err = err
		return result
	}
	tgt, err := e.adapters.Target(target)
	if err != nil {
		result.Err = err
		return result
	}
	if !src.IsConfigured() {
		result.Err = fmt.Errorf("platform %q is not configured", source)
		return result
	}
	if !tgt.IsConfigured() {
		result.Err = fmt.Errorf("platform %q is not configured", target)
		return result
	}

	if mode == platform.ModeMigration {
		complete, err := e.windows.IsMigrationComplete(direction)
		if err != nil {
			result.Err = err
			return result
		}
		if complete {
			e.debugf("%s: migration complete", direction)
			result.Complete = true
			return result
		}
	}

	start, end, err := e.windows.Window(window.Mode(mode), source, direction)
	if err != nil {
		result.Err = err
		return result
	}
	e.debugf("%s: window [%s, %s)", direction, start.Format(time.RFC3339), end.Format(time.RFC3339))

	e.governor.Record(source)
	activities, err := src.ListActivities(ctx, batchSize, start, end, mode)
	if err != nil {
		result.Err = fmt.Errorf("failed to list %s activities: %w", source, err)
		return result
	}

	var latest time.Time
	for _, activity := range activities {
		// Cancellation stops before the next activity; work that already
		// succeeded stays counted and its cursor is committed below.
		if ctx.Err() != nil {
			e.debugf("%s: cancelled, stopping", direction)
			break
		}
		result.Processed++
		if activity.Meta.StartTime.After(latest) {
			latest = activity.Meta.StartTime
		}

		// Re-check the budget before every activity; a denied activity
		// stays in the window and is picked up by the next run.
		if !e.governor.CanRequest(source) || !e.governor.CanRequest(target) {
			e.debugf("%s: rate limit reached mid-batch, stopping", direction)
			break
		}

		outcome, err := e.syncActivity(ctx, src, tgt, target, activity)
		if err != nil {
			if isFatal(err) {
				result.Err = err
				break
			}
			fmt.Printf("❌ %s: %v\n", activity.Meta.Name, err)
			result.Failed++
			continue
		}
		switch outcome {
		case outcomeSynced:
			result.Success++
		case outcomeSkipped:
			result.Skipped++
		}
	}

	if mode == platform.ModeMigration {
		if !latest.IsZero() && result.Err == nil {
			if err := e.windows.CommitProgress(direction, latest); err != nil {
				result.Err = err
			}
		}
	} else if result.Err == nil && (result.Processed == 0 || result.Success+result.Skipped > 0) {
		if err := e.windows.CommitLastSync(source, e.now()); err != nil {
			result.Err = err
		}
	}

	return result
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeSkipped
)

// fatalError marks registry failures that abort the whole direction
// instead of counting as one failed activity.
type fatalError struct{ err error }

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

func isFatal(err error) bool {
	_, ok := err.(fatalError)
	return ok
}

func (e *Engine) syncActivity(ctx context.Context, src platform.Source, tgt platform.Target, target string, activity platform.Activity) (outcome, error) {
	meta := activity.Meta
	source := src.ID()

	if activity.Manual {
		e.debugf("skipping manual activity %s (%s)", activity.ID, meta.Name)
		return outcomeSkipped, nil
	}

	fingerprint := metadata.Fingerprint(meta)

	synced, err := e.store.IsSynced(fingerprint, source, target)
	if err != nil {
		return 0, fatalError{err}
	}
	if synced {
		e.debugf("already synced: %s (%s)", meta.Name, fingerprint)
		return outcomeSkipped, nil
	}

	cacheFile, err := e.resolveFile(ctx, src, fingerprint, activity)
	if err != nil {
		if statusErr := e.store.SetSyncStatus(fingerprint, source, target, registry.StatusFailed); statusErr != nil {
			return 0, fatalError{statusErr}
		}
		return 0, err
	}

	e.governor.Record(target)
	uploadResult, err := tgt.UploadFile(ctx, cacheFile, meta.Name, fingerprint)
	if err != nil || uploadResult == platform.UploadFailed {
		if statusErr := e.store.SetSyncStatus(fingerprint, source, target, registry.StatusFailed); statusErr != nil {
			return 0, fatalError{statusErr}
		}
		if err == nil {
			err = fmt.Errorf("upload to %s failed", target)
		}
		return 0, err
	}

	// Duplicates mean the target already has the workout, which is the
	// synced end state.
	if err := e.store.SetSyncStatus(fingerprint, source, target, registry.StatusSynced); err != nil {
		return 0, fatalError{err}
	}
	e.debugf("synced %s (%s): %s", meta.Name, fingerprint, uploadResult)
	return outcomeSynced, nil
}

// resolveFile finds a local copy of the activity's original file: a cached
// file for a near-identical activity found by the duplicate probe, the
// activity's own cache entry, or a fresh download from the source. The
// activity is registered in the store only when the probe misses.
func (e *Engine) resolveFile(ctx context.Context, src platform.Source, fingerprint string, activity platform.Activity) (string, error) {
	meta := activity.Meta

	probeWindow := time.Duration(e.cfg.Match.ProbeWindowMinutes) * time.Minute
	if probeWindow <= 0 {
		probeWindow = time.Hour
	}
	candidates, err := e.store.FindSimilarByTimeAndSport(meta.StartTime, meta.SportType, probeWindow)
	if err != nil {
		return "", fatalError{err}
	}

	var matchCandidates []matcher.Candidate
	for _, c := range candidates {
		if c.Fingerprint == fingerprint {
			continue
		}
		matchCandidates = append(matchCandidates, matcher.Candidate{ID: c.Fingerprint, Activity: c.Activity})
	}
	if best := e.matcher.BestMatch(meta, matchCandidates); best != nil {
		if path, format, ok, err := e.files.Resolve(best.ID); err == nil && ok {
			e.debugf("duplicate probe hit: reusing %s.%s (confidence %.2f)", best.ID, format, best.Result.Confidence)
			return path, nil
		}
	}

	if _, err := e.store.UpsertActivity(meta, src.ID(), activity.ID); err != nil {
		return "", fatalError{err}
	}

	if path, _, ok, err := e.files.Resolve(fingerprint); err != nil {
		return "", fatalError{err}
	} else if ok {
		e.debugf("cache hit for %s", fingerprint)
		return path, nil
	}

	outPath := e.files.Path(fingerprint, "fit")
	e.governor.Record(src.ID())
	if err := src.DownloadFile(ctx, activity.ID, outPath); err != nil {
		return "", fmt.Errorf("failed to download activity %s: %w", activity.ID, err)
	}
	if err := e.files.Add(fingerprint, "fit", outPath); err != nil {
		return "", fatalError{err}
	}
	return outPath, nil
}

// MigrationStatus describes one direction's migration cursor.
type MigrationStatus struct {
	Cursor   time.Time
	Started  bool
	Complete bool
}

// StatusReport aggregates everything the status command prints.
type StatusReport struct {
	Stats     registry.Stats
	Rules     map[string]bool
	Migration map[string]MigrationStatus
	Limits    map[string]ratelimit.Status
}

// Status collects registry statistics, rule states, migration cursors and
// rate-limit budgets for the configured directions.
func (e *Engine) Status() (*StatusReport, error) {
	stats, err := e.store.Statistics()
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Stats:     stats,
		Rules:     make(map[string]bool),
		Migration: make(map[string]MigrationStatus),
		Limits:    make(map[string]ratelimit.Status),
	}

	for _, direction := range e.cfg.Sync.Directions {
		source, target, err := e.adapters.ParseDirection(direction)
		if err != nil {
			continue
		}
		enabled, err := e.store.IsSyncEnabled(source, target)
		if err != nil {
			return nil, err
		}
		report.Rules[direction] = enabled

		cursor, started, err := e.windows.Cursor(direction)
		if err != nil {
			return nil, err
		}
		complete, err := e.windows.IsMigrationComplete(direction)
		if err != nil {
			return nil, err
		}
		report.Migration[direction] = MigrationStatus{Cursor: cursor, Started: started, Complete: complete}

		report.Limits[source] = e.governor.Status(source)
	}
	return report, nil
}

// SetRule enables or disables a sync direction.
func (e *Engine) SetRule(direction string, enabled bool) error {
	source, target, err := e.adapters.ParseDirection(direction)
	if err != nil {
		return err
	}
	return e.store.SetSyncRule(source, target, enabled)
}

// SetMigrationStart sets where a migration begins and resets its cursor.
func (e *Engine) SetMigrationStart(direction string, start time.Time) error {
	if _, _, err := e.adapters.ParseDirection(direction); err != nil {
		return err
	}
	return e.windows.SetStartTime(direction, start)
}

// CleanupCache removes cache entries older than the configured age and
// returns how many were deleted.
func (e *Engine) CleanupCache(days int) (int, error) {
	if days <= 0 {
		days = e.cfg.Sync.CacheCleanupDays
	}
	return e.files.Cleanup(days)
}

// ClearAdapterSession drops the persisted login state of one platform.
func (e *Engine) ClearAdapterSession(name string) error {
	adapter, ok := e.adapters.Get(name)
	if !ok {
		return fmt.Errorf("unknown platform %q", name)
	}
	clearer, ok := adapter.(platform.SessionClearer)
	if !ok {
		return fmt.Errorf("platform %q has no persisted session", name)
	}
	return clearer.ClearSession()
}

// TestConnection probes one platform's credentials.
func (e *Engine) TestConnection(ctx context.Context, name string) error {
	adapter, ok := e.adapters.Get(name)
	if !ok {
		return fmt.Errorf("unknown platform %q", name)
	}
	if !adapter.IsConfigured() {
		return fmt.Errorf("platform %q is not configured", name)
	}
	return adapter.TestConnection(ctx)
}

// Governor state survives process restarts through the registry, so a rerun
// shortly after a rate-limited batch does not start from a clean budget.
func (e *Engine) restoreGovernorState() {
	raw, err := e.store.GetConfig(governorStateKey)
	if err != nil || raw == "" {
		return
	}
	var state map[string]ratelimit.Snapshot
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		e.debugf("discarding corrupt governor state: %v", err)
		return
	}
	e.governor.Restore(state)
}

func (e *Engine) persistGovernorState() {
	state := e.governor.Snapshot()
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := e.store.SetConfig(governorStateKey, string(raw)); err != nil {
		fmt.Printf("⚠️  Warning: failed to persist rate limit state: %v\n", err)
	}
}
