// Package ratelimit governs the API call budgets of the platforms that
// publish them. Each registered platform carries a daily and a quarter-hour
// counter; platforms without limits are always allowed.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	dailyWindow       = 24 * time.Hour
	quarterHourWindow = 15 * time.Minute
)

// Limits are a platform's call budget.
type Limits struct {
	Daily       int
	QuarterHour int
}

// StravaLimits stays below the published 200/day and 100/15min quotas so a
// concurrent app on the same token does not trip the real limit.
func StravaLimits() Limits {
	return Limits{Daily: 180, QuarterHour: 90}
}

type counters struct {
	limits           Limits
	dailyCalls       int
	quarterHourCalls int
	lastReset        time.Time
}

// Status reports a platform's remaining budget.
type Status struct {
	Unlimited            bool
	DailyRemaining       int
	QuarterHourRemaining int
	CanRequest           bool
}

// Snapshot is the serializable governor state for one platform.
type Snapshot struct {
	DailyCalls       int       `json:"daily_calls"`
	QuarterHourCalls int       `json:"quarter_hour_calls"`
	LastReset        time.Time `json:"last_reset"`
}

// Governor tracks per-platform API budgets. Safe for concurrent use.
type Governor struct {
	mu        sync.Mutex
	platforms map[string]*counters
	debug     bool

	now func() time.Time
}

// New creates an empty governor; register platforms with SetLimits.
func New(debug bool) *Governor {
	return &Governor{
		platforms: make(map[string]*counters),
		debug:     debug,
		now:       time.Now,
	}
}

// SetLimits registers (or replaces) the budget for a platform. Counters
// start at zero.
func (g *Governor) SetLimits(platform string, limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.platforms[platform] = &counters{limits: limits, lastReset: g.now()}
}

func (g *Governor) debugf(format string, args ...interface{}) {
	if g.debug {
		fmt.Printf("[ratelimit] "+format+"\n", args...)
	}
}

// Both counters share one lastReset; each resets on its own threshold.
// Caller holds the lock.
func (c *counters) maybeReset(now time.Time) {
	since := now.Sub(c.lastReset)
	if since >= dailyWindow {
		c.dailyCalls = 0
		c.lastReset = now
	}
	if since >= quarterHourWindow {
		c.quarterHourCalls = 0
	}
}

// CanRequest reports whether a call to platform is within budget.
// Unregistered platforms are unlimited.
func (g *Governor) CanRequest(platform string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.platforms[platform]
	if !ok {
		return true
	}
	c.maybeReset(g.now())
	return c.dailyCalls < c.limits.Daily && c.quarterHourCalls < c.limits.QuarterHour
}

// Record attributes one outbound call to platform. No-op for unregistered
// platforms.
func (g *Governor) Record(platform string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.platforms[platform]
	if !ok {
		return
	}
	c.dailyCalls++
	c.quarterHourCalls++
	g.debugf("%s: %d/%d daily, %d/%d quarter-hour",
		platform, c.dailyCalls, c.limits.Daily, c.quarterHourCalls, c.limits.QuarterHour)
}

// Status returns the remaining budget for platform.
func (g *Governor) Status(platform string) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.platforms[platform]
	if !ok {
		return Status{Unlimited: true, CanRequest: true}
	}
	c.maybeReset(g.now())
	return Status{
		DailyRemaining:       c.limits.Daily - c.dailyCalls,
		QuarterHourRemaining: c.limits.QuarterHour - c.quarterHourCalls,
		CanRequest:           c.dailyCalls < c.limits.Daily && c.quarterHourCalls < c.limits.QuarterHour,
	}
}

// Snapshot exports the counter state for persistence across runs.
func (g *Governor) Snapshot() map[string]Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]Snapshot, len(g.platforms))
	for name, c := range g.platforms {
		out[name] = Snapshot{
			DailyCalls:       c.dailyCalls,
			QuarterHourCalls: c.quarterHourCalls,
			LastReset:        c.lastReset,
		}
	}
	return out
}

// Restore reloads counter state saved by Snapshot. Platforms not registered
// via SetLimits are ignored; stale state resets naturally on the next check.
func (g *Governor) Restore(state map[string]Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for name, snap := range state {
		c, ok := g.platforms[name]
		if !ok {
			continue
		}
		c.dailyCalls = snap.DailyCalls
		c.quarterHourCalls = snap.QuarterHourCalls
		c.lastReset = snap.LastReset
	}
}
