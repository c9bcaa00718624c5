// Package metadata holds the platform-neutral activity types shared by the
// sync engine and every platform adapter. It is a leaf package: adapters
// convert their raw payloads into ActivityMetadata here and never import the
// engine.
package metadata

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// Activity is the normalized description of one recorded workout.
// Produced once by a source adapter and never mutated afterwards.
type Activity struct {
	Name          string    `json:"name"`
	SportType     string    `json:"sport_type"`
	StartTime     time.Time `json:"start_time"`
	Distance      float64   `json:"distance"`       // meters
	Duration      int       `json:"duration"`       // seconds
	ElevationGain float64   `json:"elevation_gain"` // meters, 0 when unknown
}

// Fingerprint derives the 32-hex-char content address of an activity.
// The projection coarsens the metadata so the same workout recorded by two
// devices collapses to one key: start time truncated to the minute, sport
// type normalized, distance in 50 m bins, duration in 30 s bins. The
// canonical form is a key-sorted JSON object hashed with MD5.
func Fingerprint(a Activity) string {
	distance := int(math.Round(a.Distance/50)) * 50
	duration := int(math.Round(float64(a.Duration)/30)) * 30

	canonical := fmt.Sprintf(`{"distance": %d, "duration": %d, "sport_type": %q, "start_time": %q}`,
		distance,
		duration,
		NormalizeSport(a.SportType),
		a.StartTime.UTC().Format("2006-01-02T15:04"),
	)

	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

var sportAliases = map[string]string{
	"run":               "running",
	"running":           "running",
	"trail_run":         "running",
	"treadmill_running": "running",

	"ride":               "cycling",
	"cycling":            "cycling",
	"virtual_ride":       "cycling",
	"e_bike_ride":        "cycling",
	"mountain_bike_ride": "cycling",
	"road_bike_ride":     "cycling",

	"swim":                "swimming",
	"swimming":            "swimming",
	"open_water_swimming": "swimming",
	"pool_swimming":       "swimming",

	"walk":    "walking",
	"walking": "walking",
	"hike":    "walking",
	"hiking":  "walking",
}

// NormalizeSport maps a platform sport string onto the canonical lower-case
// form used for fingerprints and matching. Unknown sports pass through
// lower-cased with spaces replaced by underscores.
func NormalizeSport(sport string) string {
	key := strings.ReplaceAll(strings.ToLower(sport), " ", "_")
	if canonical, ok := sportAliases[key]; ok {
		return canonical
	}
	return key
}

var similarSportGroups = [][]string{
	{"running", "trail_running", "treadmill_running"},
	{"cycling", "mountain_biking", "road_cycling", "virtual_cycling"},
	{"swimming", "open_water_swimming", "pool_swimming"},
	{"walking", "hiking"},
}

// SimilarSports reports whether two already-normalized sport types belong to
// the same similarity group (e.g. walking and hiking).
func SimilarSports(a, b string) bool {
	for _, group := range similarSportGroups {
		inA, inB := false, false
		for _, s := range group {
			if s == a {
				inA = true
			}
			if s == b {
				inB = true
			}
		}
		if inA && inB {
			return true
		}
	}
	return false
}

// ValidFingerprint reports whether s looks like a fingerprint: 32 lowercase
// hex characters. Used when recovering a fingerprint from a cache file name.
func ValidFingerprint(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
