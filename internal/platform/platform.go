// Package platform defines the contracts between the sync engine and the
// fitness platforms. Adapters implement Adapter plus whichever of Source
// and Target they support; the engine discovers capabilities with type
// assertions and never interprets platform HTTP responses itself.
package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fitbridge-sync/internal/metadata"
)

// Mode selects how a source lists activities.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeMigration   Mode = "migration"
)

// UploadResult classifies a target platform's response to an upload. The
// adapter maps its own HTTP codes and error bodies; duplicates count as
// synced upstream.
type UploadResult int

const (
	UploadFailed UploadResult = iota
	UploadAccepted
	UploadDuplicate
)

func (r UploadResult) String() string {
	switch r {
	case UploadAccepted:
		return "accepted"
	case UploadDuplicate:
		return "duplicate"
	default:
		return "failed"
	}
}

// Activity is one raw listing entry from a source platform, already
// reduced to the fields the engine needs. ID is the platform-assigned
// identifier; Manual marks file-less activities that cannot be downloaded.
type Activity struct {
	ID     string
	Meta   metadata.Activity
	Manual bool
}

// Adapter is the minimal surface every platform implements.
type Adapter interface {
	// ID returns the platform name used in directions and registry rows.
	ID() string
	// IsConfigured reports whether the adapter has the credentials it
	// needs. Unconfigured adapters abort a direction before any work.
	IsConfigured() bool
	// TestConnection verifies the credentials against the live platform.
	TestConnection(ctx context.Context) error
}

// Source lists and downloads activities.
type Source interface {
	Adapter
	// ListActivities returns up to limit activities in [after, before).
	// Migration mode returns ascending start time; incremental order is
	// adapter-defined.
	ListActivities(ctx context.Context, limit int, after, before time.Time, mode Mode) ([]Activity, error)
	// DownloadFile writes the original activity file to outPath.
	DownloadFile(ctx context.Context, activityID, outPath string) error
}

// Target uploads activity files.
type Target interface {
	Adapter
	// UploadFile pushes the file at path and classifies the response.
	UploadFile(ctx context.Context, path, name, fingerprint string) (UploadResult, error)
}

// SessionClearer is implemented by adapters that persist login sessions on
// disk (cookie jars, token files).
type SessionClearer interface {
	ClearSession() error
}

// Registry holds the configured adapters by platform name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its ID. Later registrations replace
// earlier ones.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ID()] = a
}

// Get returns the adapter for a platform name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Source returns the platform as a source, if it is one.
func (r *Registry) Source(name string) (Source, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", name)
	}
	s, ok := a.(Source)
	if !ok {
		return nil, fmt.Errorf("platform %q cannot list activities", name)
	}
	return s, nil
}

// Target returns the platform as a target, if it is one.
func (r *Registry) Target(name string) (Target, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", name)
	}
	t, ok := a.(Target)
	if !ok {
		return nil, fmt.Errorf("platform %q cannot receive uploads", name)
	}
	return t, nil
}

// Names lists the registered platform names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseDirection splits "source_to_target" into its sides. Platform names
// may themselves contain underscores (garmin_cn), so the split is on the
// first "_to_" whose left side is a registered platform.
func (r *Registry) ParseDirection(direction string) (source, target string, err error) {
	idx := strings.Index(direction, "_to_")
	for idx >= 0 {
		s, t := direction[:idx], direction[idx+4:]
		if _, ok := r.adapters[s]; ok && t != "" {
			if _, ok := r.adapters[t]; ok {
				return s, t, nil
			}
		}
		next := strings.Index(direction[idx+1:], "_to_")
		if next < 0 {
			break
		}
		idx += 1 + next
	}
	return "", "", fmt.Errorf("invalid sync direction %q", direction)
}
