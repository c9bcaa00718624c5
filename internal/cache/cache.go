// Package cache lays out the content-addressed activity file cache. Files
// live at <root>/<fingerprint>.<format>; the registry's file_cache table is
// the index, the filesystem holds the bytes, and a hit requires both.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
)

// Formats an activity file may be cached in, in preference order.
var knownFormats = []string{"fit", "tcx", "gpx"}

// Index is the slice of the registry the cache needs.
type Index interface {
	AddFileCache(fingerprint, format, path string) error
	CachedFile(fingerprint, format string) (string, bool, error)
	CleanupFileCacheOlderThan(days int) (int, error)
}

// Cache resolves and records activity files under one root directory.
type Cache struct {
	root  string
	index Index
	debug bool
}

// New creates a cache rooted at dir, creating the directory if needed.
func New(dir string, index Index) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{root: dir, index: index}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

// Path computes the canonical location for (fingerprint, format) without
// touching the index. Adapters download to this path.
func (c *Cache) Path(fingerprint, format string) string {
	return filepath.Join(c.root, fingerprint+"."+format)
}

// Add records a file written at the canonical path for (fingerprint,
// format).
func (c *Cache) Add(fingerprint, format, path string) error {
	return c.index.AddFileCache(fingerprint, format, path)
}

// Get returns the cached file for (fingerprint, format), if present both in
// the index and on disk.
func (c *Cache) Get(fingerprint, format string) (string, bool, error) {
	return c.index.CachedFile(fingerprint, format)
}

// Resolve looks for any cached file for the fingerprint, trying formats in
// preference order (fit, tcx, gpx). Used by the duplicate probe: when a
// matched activity already has a file, the upload can reuse it without
// another download.
func (c *Cache) Resolve(fingerprint string) (path, format string, ok bool, err error) {
	for _, f := range knownFormats {
		p, hit, err := c.index.CachedFile(fingerprint, f)
		if err != nil {
			return "", "", false, err
		}
		if hit {
			return p, f, true, nil
		}
	}
	return "", "", false, nil
}

// Cleanup removes index rows older than days and best-effort unlinks their
// files. Returns the number of rows removed.
func (c *Cache) Cleanup(days int) (int, error) {
	return c.index.CleanupFileCacheOlderThan(days)
}
