package intervalsicu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitbridge-sync/internal/config"
	"github.com/fitbridge-sync/internal/platform"
)

func newTestClient(apiBase string) *Client {
	c := New(config.IntervalsICUConfig{AthleteID: "i244263", APIKey: "key123"}, false)
	c.apiBase = apiBase
	return c
}

func requireBasicAuth(t *testing.T, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "API_KEY", user)
	assert.Equal(t, "key123", pass)
}

func TestIDAndIsConfigured(t *testing.T) {
	c := newTestClient("")
	assert.Equal(t, "intervals_icu", c.ID())
	assert.True(t, c.IsConfigured())
	assert.False(t, New(config.IntervalsICUConfig{APIKey: "key"}, false).IsConfigured())
}

func TestTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBasicAuth(t, r)
		assert.Equal(t, "/athlete/i244263", r.URL.Path)
		fmt.Fprint(w, `{"name":"Test Athlete"}`)
	}))
	defer server.Close()

	require.NoError(t, newTestClient(server.URL).TestConnection(context.Background()))
}

func TestListActivitiesFiltersAndSorts(t *testing.T) {
	base := time.Date(2025, 6, 10, 7, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBasicAuth(t, r)
		require.Equal(t, "/athlete/i244263/activities", r.URL.Path)
		assert.Equal(t, "2025-06-01", r.URL.Query().Get("oldest"))
		json.NewEncoder(w).Encode([]activitySummary{
			{ID: "i3", Name: "Ride C", Type: "Ride", StartDate: base.Add(48 * time.Hour), Distance: 30000, MovingTime: 4000, ElapsedTime: 4500},
			{ID: "i1", Name: "Ride A", Type: "Ride", StartDate: base, Distance: 20000, ElapsedTime: 3600, ElevationGain: 250},
			{ID: "i0", Name: "Too Old", Type: "Run", StartDate: base.Add(-20 * 24 * time.Hour)},
		})
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	after := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	activities, err := c.ListActivities(context.Background(), 10, after, time.Time{}, platform.ModeMigration)
	require.NoError(t, err)
	require.Len(t, activities, 2)

	assert.Equal(t, "i1", activities[0].ID)
	assert.Equal(t, "i3", activities[1].ID)
	assert.Equal(t, "Ride", activities[0].Meta.SportType)
	assert.Equal(t, 3600, activities[0].Meta.Duration)
	assert.Equal(t, 250.0, activities[0].Meta.ElevationGain)
	// elapsed_time wins over moving_time when both are present.
	assert.Equal(t, 4500, activities[1].Meta.Duration)
}

func TestDownloadFile(t *testing.T) {
	payload := []byte("original-fit-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBasicAuth(t, r)
		assert.Equal(t, "/activity/i99/file", r.URL.Path)
		w.Write(payload)
	}))
	defer server.Close()

	outPath := filepath.Join(t.TempDir(), "i99.fit")
	require.NoError(t, newTestClient(server.URL).DownloadFile(context.Background(), "i99", outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestUploadFileAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBasicAuth(t, r)
		require.Equal(t, "/athlete/i244263/activities", r.URL.Path)
		assert.Equal(t, "Morning Run", r.URL.Query().Get("name"))
		assert.Equal(t, "fp-abc", r.URL.Query().Get("external_id"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "a.fit", header.Filename)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"i555"}`)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "a.fit")
	require.NoError(t, os.WriteFile(path, []byte("fit"), 0o644))

	result, err := newTestClient(server.URL).UploadFile(context.Background(), path, "Morning Run", "fp-abc")
	require.NoError(t, err)
	assert.Equal(t, platform.UploadAccepted, result)
}

func TestUploadFileDuplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":"Duplicate of activity i444"}`)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "a.fit")
	require.NoError(t, os.WriteFile(path, []byte("fit"), 0o644))

	result, err := newTestClient(server.URL).UploadFile(context.Background(), path, "", "")
	require.NoError(t, err)
	assert.Equal(t, platform.UploadDuplicate, result)
}

func TestUploadFileFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"unsupported file"}`)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "a.fit")
	require.NoError(t, os.WriteFile(path, []byte("fit"), 0o644))

	result, err := newTestClient(server.URL).UploadFile(context.Background(), path, "", "")
	require.Error(t, err)
	assert.Equal(t, platform.UploadFailed, result)
	assert.Contains(t, err.Error(), "unsupported file")
}
