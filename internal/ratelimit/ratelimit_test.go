package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestGovernor(now *time.Time) *Governor {
	g := New(false)
	g.now = func() time.Time { return *now }
	return g
}

func TestUnregisteredPlatformUnlimited(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGovernor(&now)

	assert.True(t, g.CanRequest("garmin"))
	g.Record("garmin")
	assert.True(t, g.CanRequest("garmin"))
	assert.True(t, g.Status("garmin").Unlimited)
}

func TestQuarterHourLimitBlocks(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGovernor(&now)
	g.SetLimits("strava", Limits{Daily: 180, QuarterHour: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, g.CanRequest("strava"))
		g.Record("strava")
	}
	assert.False(t, g.CanRequest("strava"))

	status := g.Status("strava")
	assert.Equal(t, 0, status.QuarterHourRemaining)
	assert.Equal(t, 177, status.DailyRemaining)
}

func TestQuarterHourCounterResets(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGovernor(&now)
	g.SetLimits("strava", Limits{Daily: 10, QuarterHour: 2})

	g.Record("strava")
	g.Record("strava")
	assert.False(t, g.CanRequest("strava"))

	now = now.Add(16 * time.Minute)
	assert.True(t, g.CanRequest("strava"))

	// The daily counter holds across quarter-hour resets.
	assert.Equal(t, 8, g.Status("strava").DailyRemaining)
}

func TestDailyLimitBlocksAcrossQuarterHours(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGovernor(&now)
	g.SetLimits("strava", Limits{Daily: 2, QuarterHour: 90})

	g.Record("strava")
	g.Record("strava")
	now = now.Add(time.Hour)
	assert.False(t, g.CanRequest("strava"))

	now = now.Add(24 * time.Hour)
	assert.True(t, g.CanRequest("strava"))
}

func TestSnapshotRestore(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	g := newTestGovernor(&now)
	g.SetLimits("strava", StravaLimits())
	g.Record("strava")
	g.Record("strava")

	state := g.Snapshot()

	g2 := newTestGovernor(&now)
	g2.SetLimits("strava", StravaLimits())
	g2.Restore(state)

	assert.Equal(t, 178, g2.Status("strava").DailyRemaining)
	assert.Equal(t, 88, g2.Status("strava").QuarterHourRemaining)

	// Snapshots for platforms the new governor does not know are dropped.
	g3 := newTestGovernor(&now)
	g3.Restore(state)
	assert.True(t, g3.Status("strava").Unlimited)
}

func TestStravaDefaults(t *testing.T) {
	limits := StravaLimits()
	assert.Equal(t, 180, limits.Daily)
	assert.Equal(t, 90, limits.QuarterHour)
}
