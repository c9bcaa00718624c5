// Package matcher decides whether two activity records describe the same
// workout. It scores four factors (start time, sport type, distance,
// duration) and combines them into a weighted confidence. Time and sport
// are hard requirements; distance and duration only shift the score.
package matcher

import (
	"fmt"
	"math"
	"sort"

	"github.com/fitbridge-sync/internal/metadata"
)

// Thresholds are the match tolerances. Zero values fall back to defaults.
type Thresholds struct {
	TimeToleranceMinutes     float64
	DistanceTolerancePercent float64
	DurationTolerancePercent float64
	MinConfidence            float64
}

// DefaultThresholds returns the stock tolerances.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TimeToleranceMinutes:     5,
		DistanceTolerancePercent: 5,
		DurationTolerancePercent: 10,
		MinConfidence:            0.7,
	}
}

// Result is the outcome of comparing two activities.
type Result struct {
	IsMatch    bool
	Confidence float64
	Reasons    []string
}

// Match pairs a candidate id with its result, returned by FindMatches.
type Match struct {
	ID     string
	Result Result
}

// Matcher scores activity pairs. Safe for concurrent use.
type Matcher struct {
	thresholds Thresholds
	debug      bool
}

// Factor weights. Time dominates.
const (
	timeWeight     = 0.4
	sportWeight    = 0.2
	distanceWeight = 0.2
	durationWeight = 0.2
)

// New creates a matcher with the given thresholds; zero fields use defaults.
func New(thresholds Thresholds, debug bool) *Matcher {
	defaults := DefaultThresholds()
	if thresholds.TimeToleranceMinutes <= 0 {
		thresholds.TimeToleranceMinutes = defaults.TimeToleranceMinutes
	}
	if thresholds.DistanceTolerancePercent <= 0 {
		thresholds.DistanceTolerancePercent = defaults.DistanceTolerancePercent
	}
	if thresholds.DurationTolerancePercent <= 0 {
		thresholds.DurationTolerancePercent = defaults.DurationTolerancePercent
	}
	if thresholds.MinConfidence <= 0 {
		thresholds.MinConfidence = defaults.MinConfidence
	}
	return &Matcher{thresholds: thresholds, debug: debug}
}

func (m *Matcher) debugf(format string, args ...interface{}) {
	if m.debug {
		fmt.Printf("[matcher] "+format+"\n", args...)
	}
}

// Compare scores two activities against each other. The comparison is
// symmetric: Compare(a, b) and Compare(b, a) yield the same result.
func (m *Matcher) Compare(a, b metadata.Activity) Result {
	timeMatch, timeConf, timeReason := m.checkTime(a, b)
	sportMatch, sportConf, sportReason := m.checkSport(a, b)
	_, distConf, distReason := m.checkDistance(a, b)
	_, durConf, durReason := m.checkDuration(a, b)

	confidence := timeConf*timeWeight + sportConf*sportWeight +
		distConf*distanceWeight + durConf*durationWeight

	result := Result{
		IsMatch:    timeMatch && sportMatch && confidence >= m.thresholds.MinConfidence,
		Confidence: confidence,
		Reasons:    []string{timeReason, sportReason, distReason, durReason},
	}
	m.debugf("match=%v confidence=%.2f", result.IsMatch, result.Confidence)
	return result
}

func (m *Matcher) checkTime(a, b metadata.Activity) (bool, float64, string) {
	diff := math.Abs(a.StartTime.Sub(b.StartTime).Seconds())
	tolerance := m.thresholds.TimeToleranceMinutes * 60

	if diff <= tolerance {
		confidence := math.Max(0, 1-diff/tolerance)
		return true, confidence, fmt.Sprintf("time match (diff: %.1f min)", diff/60)
	}
	return false, 0, fmt.Sprintf("time mismatch (diff: %.1f min)", diff/60)
}

func (m *Matcher) checkSport(a, b metadata.Activity) (bool, float64, string) {
	sportA := metadata.NormalizeSport(a.SportType)
	sportB := metadata.NormalizeSport(b.SportType)

	if sportA == sportB {
		return true, 1.0, fmt.Sprintf("sport match (%s)", sportA)
	}
	if metadata.SimilarSports(sportA, sportB) {
		return true, 0.8, fmt.Sprintf("sport similar (%s ~ %s)", sportA, sportB)
	}
	return false, 0, fmt.Sprintf("sport mismatch (%s vs %s)", sportA, sportB)
}

func (m *Matcher) checkDistance(a, b metadata.Activity) (bool, float64, string) {
	if a.Distance == 0 && b.Distance == 0 {
		return true, 1.0, "distance match (both zero)"
	}
	if a.Distance == 0 || b.Distance == 0 {
		return true, 0.5, "distance partial match (one zero)"
	}

	diffPercent := math.Abs(a.Distance-b.Distance) / ((a.Distance + b.Distance) / 2) * 100
	if diffPercent <= m.thresholds.DistanceTolerancePercent {
		confidence := math.Max(0, 1-diffPercent/m.thresholds.DistanceTolerancePercent)
		return true, confidence, fmt.Sprintf("distance match (diff: %.1f%%)", diffPercent)
	}
	return false, 0, fmt.Sprintf("distance mismatch (diff: %.1f%%)", diffPercent)
}

func (m *Matcher) checkDuration(a, b metadata.Activity) (bool, float64, string) {
	if a.Duration == 0 && b.Duration == 0 {
		return true, 1.0, "duration match (both zero)"
	}
	if a.Duration == 0 || b.Duration == 0 {
		return true, 0.5, "duration partial match (one zero)"
	}

	da, db := float64(a.Duration), float64(b.Duration)
	diffPercent := math.Abs(da-db) / ((da + db) / 2) * 100
	if diffPercent <= m.thresholds.DurationTolerancePercent {
		confidence := math.Max(0, 1-diffPercent/m.thresholds.DurationTolerancePercent)
		return true, confidence, fmt.Sprintf("duration match (diff: %.1f%%)", diffPercent)
	}
	return false, 0, fmt.Sprintf("duration mismatch (diff: %.1f%%)", diffPercent)
}

// Candidate is one entry in the candidate set passed to FindMatches.
type Candidate struct {
	ID       string
	Activity metadata.Activity
}

// FindMatches compares target against every candidate and returns the
// matches sorted by descending confidence.
func (m *Matcher) FindMatches(target metadata.Activity, candidates []Candidate) []Match {
	var matches []Match
	for _, c := range candidates {
		if result := m.Compare(target, c.Activity); result.IsMatch {
			matches = append(matches, Match{ID: c.ID, Result: result})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Result.Confidence > matches[j].Result.Confidence
	})
	m.debugf("found %d matching activities", len(matches))
	return matches
}

// BestMatch returns the highest-confidence match, or nil when nothing
// matches.
func (m *Matcher) BestMatch(target metadata.Activity, candidates []Candidate) *Match {
	matches := m.FindMatches(target, candidates)
	if len(matches) == 0 {
		return nil
	}
	best := matches[0]
	m.debugf("best match: id=%s confidence=%.2f", best.ID, best.Result.Confidence)
	return &best
}
