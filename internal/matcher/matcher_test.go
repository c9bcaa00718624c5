package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitbridge-sync/internal/metadata"
)

func baseActivity() metadata.Activity {
	return metadata.Activity{
		Name:      "Morning Run",
		SportType: "Run",
		StartTime: time.Date(2025, 6, 14, 6, 0, 0, 0, time.UTC),
		Distance:  10000,
		Duration:  3600,
	}
}

func TestCompareIdentical(t *testing.T) {
	m := New(Thresholds{}, false)
	a := baseActivity()

	result := m.Compare(a, a)
	assert.True(t, result.IsMatch)
	assert.InDelta(t, 1.0, result.Confidence, 1e-9)
	assert.Len(t, result.Reasons, 4)
}

func TestCompareSymmetric(t *testing.T) {
	m := New(Thresholds{}, false)
	a := baseActivity()
	b := a
	b.SportType = "trail_run"
	b.StartTime = a.StartTime.Add(90 * time.Second)
	b.Distance = 10200
	b.Duration = 3660

	ab := m.Compare(a, b)
	ba := m.Compare(b, a)
	assert.Equal(t, ab.IsMatch, ba.IsMatch)
	assert.InDelta(t, ab.Confidence, ba.Confidence, 1e-9)
}

func TestCompareTimeOutsideToleranceNeverMatches(t *testing.T) {
	m := New(Thresholds{}, false)
	a := baseActivity()
	b := a
	b.StartTime = a.StartTime.Add(6 * time.Minute)

	result := m.Compare(a, b)
	assert.False(t, result.IsMatch)
	assert.Contains(t, result.Reasons[0], "time mismatch")
}

func TestCompareSportMismatchNeverMatches(t *testing.T) {
	m := New(Thresholds{}, false)
	a := baseActivity()
	b := a
	b.SportType = "Ride"

	// Time, distance and duration are identical, so the score alone would
	// clear the threshold; the sport requirement must still veto.
	result := m.Compare(a, b)
	assert.False(t, result.IsMatch)
	assert.GreaterOrEqual(t, result.Confidence, 0.7)
	assert.Contains(t, result.Reasons[1], "sport mismatch")
}

func TestCompareSimilarSportScoresLower(t *testing.T) {
	m := New(Thresholds{}, false)
	a := baseActivity()
	a.SportType = "Walk"
	b := a
	b.SportType = "Hike"

	// Normalization collapses walk and hike to the same canonical sport.
	result := m.Compare(a, b)
	assert.True(t, result.IsMatch)
	assert.Contains(t, result.Reasons[1], "sport match (walking)")

	// Distinct normalized sports in the same similarity group score 0.8.
	c := a
	c.SportType = "trail_running"
	d := a
	d.SportType = "treadmill_running"
	result = m.Compare(c, d)
	assert.True(t, result.IsMatch)
	assert.Contains(t, result.Reasons[1], "sport similar")
	assert.InDelta(t, 0.96, result.Confidence, 1e-9)
}

func TestCompareZeroDistancePartials(t *testing.T) {
	m := New(Thresholds{}, false)
	a := baseActivity()
	b := a

	a.Distance, b.Distance = 0, 0
	result := m.Compare(a, b)
	assert.Contains(t, result.Reasons[2], "both zero")

	b.Distance = 10000
	result = m.Compare(a, b)
	assert.Contains(t, result.Reasons[2], "one zero")
	// 0.4 + 0.2 + 0.5*0.2 + 0.2 = 0.9
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	assert.True(t, result.IsMatch)
}

func TestCompareDistanceBeyondTolerance(t *testing.T) {
	m := New(Thresholds{}, false)
	a := baseActivity()
	b := a
	b.Distance = 12000

	result := m.Compare(a, b)
	assert.Contains(t, result.Reasons[2], "distance mismatch")
	// Distance factor drops to zero; 0.4+0.2+0+0.2 = 0.8 still matches.
	assert.InDelta(t, 0.8, result.Confidence, 1e-9)
	assert.True(t, result.IsMatch)
}

func TestCompareConfidenceBelowThreshold(t *testing.T) {
	m := New(Thresholds{}, false)
	a := baseActivity()
	b := a
	// Time at the tolerance edge scores 0, distance and duration far off
	// score 0: only sport contributes. 0.2 < 0.7.
	b.StartTime = a.StartTime.Add(5 * time.Minute)
	b.Distance = 15000
	b.Duration = 5400

	result := m.Compare(a, b)
	assert.False(t, result.IsMatch)
	assert.InDelta(t, 0.2, result.Confidence, 1e-9)
}

func TestBestMatchPicksHighestConfidence(t *testing.T) {
	m := New(Thresholds{}, false)
	target := baseActivity()

	close := target
	close.StartTime = target.StartTime.Add(30 * time.Second)

	closer := target
	closer.Distance = 10010

	unrelated := target
	unrelated.StartTime = target.StartTime.Add(2 * time.Hour)

	candidates := []Candidate{
		{ID: "a", Activity: close},
		{ID: "b", Activity: closer},
		{ID: "c", Activity: unrelated},
	}

	best := m.BestMatch(target, candidates)
	require.NotNil(t, best)
	assert.Equal(t, "b", best.ID)

	matches := m.FindMatches(target, candidates)
	require.Len(t, matches, 2)
	assert.GreaterOrEqual(t, matches[0].Result.Confidence, matches[1].Result.Confidence)
}

func TestBestMatchNoCandidates(t *testing.T) {
	m := New(Thresholds{}, false)
	assert.Nil(t, m.BestMatch(baseActivity(), nil))
}

func TestCustomThresholds(t *testing.T) {
	m := New(Thresholds{TimeToleranceMinutes: 10}, false)
	a := baseActivity()
	b := a
	b.StartTime = a.StartTime.Add(8 * time.Minute)

	result := m.Compare(a, b)
	assert.Contains(t, result.Reasons[0], "time match")
}
