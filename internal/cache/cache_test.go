package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitbridge-sync/internal/registry"
)

const testFingerprint = "0123456789abcdef0123456789abcdef"

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	store, err := registry.Open(filepath.Join(dir, "sync.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := New(filepath.Join(dir, "activity_cache"), store)
	require.NoError(t, err)
	return c
}

func TestPathLayout(t *testing.T) {
	c := newTestCache(t)
	want := filepath.Join(c.Root(), testFingerprint+".fit")
	assert.Equal(t, want, c.Path(testFingerprint, "fit"))
}

func TestNewCreatesRoot(t *testing.T) {
	c := newTestCache(t)
	info, err := os.Stat(c.Root())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAddThenGet(t *testing.T) {
	c := newTestCache(t)
	path := c.Path(testFingerprint, "tcx")
	require.NoError(t, os.WriteFile(path, []byte("<TrainingCenterDatabase/>"), 0o644))
	require.NoError(t, c.Add(testFingerprint, "tcx", path))

	got, ok, err := c.Get(testFingerprint, "tcx")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, path, got)
}

func TestGetMissesWithoutIndexRow(t *testing.T) {
	c := newTestCache(t)
	// File on disk but never recorded.
	path := c.Path(testFingerprint, "fit")
	require.NoError(t, os.WriteFile(path, []byte("fit"), 0o644))

	_, ok, err := c.Get(testFingerprint, "fit")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetMissesWhenFileGone(t *testing.T) {
	c := newTestCache(t)
	path := c.Path(testFingerprint, "fit")
	require.NoError(t, os.WriteFile(path, []byte("fit"), 0o644))
	require.NoError(t, c.Add(testFingerprint, "fit", path))
	require.NoError(t, os.Remove(path))

	_, ok, err := c.Get(testFingerprint, "fit")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolvePrefersFit(t *testing.T) {
	c := newTestCache(t)

	gpxPath := c.Path(testFingerprint, "gpx")
	require.NoError(t, os.WriteFile(gpxPath, []byte("<gpx/>"), 0o644))
	require.NoError(t, c.Add(testFingerprint, "gpx", gpxPath))

	path, format, ok, err := c.Resolve(testFingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gpx", format)
	assert.Equal(t, gpxPath, path)

	fitPath := c.Path(testFingerprint, "fit")
	require.NoError(t, os.WriteFile(fitPath, []byte("fit"), 0o644))
	require.NoError(t, c.Add(testFingerprint, "fit", fitPath))

	path, format, ok, err = c.Resolve(testFingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fit", format)
	assert.Equal(t, fitPath, path)
}

func TestResolveMiss(t *testing.T) {
	c := newTestCache(t)
	_, _, ok, err := c.Resolve(testFingerprint)
	require.NoError(t, err)
	assert.False(t, ok)
}
