package garmin

import (
	"archive/zip"
	"bytes"
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

func newTestClient(t *testing.T, connectBase, ssoBase string) *Client {
	t.Helper()
	c, err := New("garmin", config.GarminConfig{
		Username: "user@example.com",
		Password: "secret",
		Domain:   "garmin.com",
	}, t.TempDir(), false)
	require.NoError(t, err)
	c.connectBase = connectBase
	c.ssoBase = ssoBase
	return c
}

func rawJSON(id int64, name, typeKey, startGMT string, distance, duration float64) map[string]interface{} {
	return map[string]interface{}{
		"activityId":    id,
		"activityName":  name,
		"startTimeGMT":  startGMT,
		"distance":      distance,
		"duration":      duration,
		"elevationGain": 120.5,
		"activityType":  map[string]string{"typeKey": typeKey},
	}
}

func TestIDAndIsConfigured(t *testing.T) {
	c := newTestClient(t, "", "")
	assert.Equal(t, "garmin", c.ID())
	assert.True(t, c.IsConfigured())

	cn, err := New("garmin_cn", config.GarminConfig{Domain: "garmin.cn"}, t.TempDir(), false)
	require.NoError(t, err)
	assert.Equal(t, "garmin_cn", cn.ID())
	assert.False(t, cn.IsConfigured())
}

func TestLoginFlow(t *testing.T) {
	var gotCSRF, gotUser string

	connect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/modern/", r.URL.Path)
		assert.Equal(t, "ST-123-abc", r.URL.Query().Get("ticket"))
		w.WriteHeader(http.StatusOK)
	}))
	defer connect.Close()

	sso := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/signin", r.URL.Path)
		if r.Method == "GET" {
			fmt.Fprint(w, `<form><input type="hidden" name="_csrf" value="csrf-token-1"/></form>`)
			return
		}
		require.NoError(t, r.ParseForm())
		gotCSRF = r.PostFormValue("_csrf")
		gotUser = r.PostFormValue("username")
		fmt.Fprint(w, `<html>response_url = "https://connect.garmin.com/modern?ticket=ST-123-abc";</html>`)
	}))
	defer sso.Close()

	c := newTestClient(t, connect.URL, sso.URL)

	require.NoError(t, c.Login(context.Background()))
	assert.True(t, c.loggedIn)
	assert.Equal(t, "csrf-token-1", gotCSRF)
	assert.Equal(t, "user@example.com", gotUser)

	_, err := os.Stat(c.sessionFile)
	assert.NoError(t, err)
}

func TestLoginInvalidCredentials(t *testing.T) {
	sso := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			fmt.Fprint(w, `<input name="_csrf" value="tok"/>`)
			return
		}
		fmt.Fprint(w, `<html>INVALID_CREDENTIALS</html>`)
	}))
	defer sso.Close()

	c := newTestClient(t, "http://unused", sso.URL)
	err := c.Login(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid username or password")
	assert.False(t, c.loggedIn)
}

func TestListActivitiesMigrationSortsAndFilters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/activitylist-service/activities/search/activities", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]interface{}{
			rawJSON(3, "Evening Ride", "cycling", "2025-06-03 18:00:00", 30000, 4500),
			rawJSON(2, "Morning Run", "running", "2025-06-02 07:00:00", 10000, 3000),
			rawJSON(1, "Old Walk", "walking", "2025-01-01 07:00:00", 2000, 1800), // outside window
		})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, "")
	c.loggedIn = true

	after := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	activities, err := c.ListActivities(context.Background(), 10, after, before, platform.ModeMigration)
	require.NoError(t, err)
	require.Len(t, activities, 2)

	assert.Equal(t, "2", activities[0].ID)
	assert.Equal(t, "3", activities[1].ID)
	assert.Equal(t, "Morning Run", activities[0].Meta.Name)
	assert.Equal(t, "running", activities[0].Meta.SportType)
	assert.Equal(t, time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC), activities[0].Meta.StartTime)
	assert.Equal(t, 10000.0, activities[0].Meta.Distance)
	assert.Equal(t, 3000, activities[0].Meta.Duration)
	assert.Equal(t, 120.5, activities[0].Meta.ElevationGain)
}

func TestListActivitiesTruncatesToLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var items []map[string]interface{}
		for i := 0; i < 8; i++ {
			items = append(items, rawJSON(int64(i+1), "Run", "running",
				fmt.Sprintf("2025-06-%02d 07:00:00", i+1), 5000, 1800))
		}
		json.NewEncoder(w).Encode(items)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, "")
	c.loggedIn = true

	activities, err := c.ListActivities(context.Background(), 3, time.Time{}, time.Time{}, platform.ModeIncremental)
	require.NoError(t, err)
	assert.Len(t, activities, 3)
}

func zipPayload(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	f, err := zw.Create(name)
	require.NoError(t, err)
	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDownloadFileExtractsZip(t *testing.T) {
	fitBytes := []byte("fake-fit-content")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/download-service/files/activity/42", r.URL.Path)
		w.Write(zipPayload(t, "42_ACTIVITY.fit", fitBytes))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, "")
	c.loggedIn = true

	outPath := filepath.Join(t.TempDir(), "42.fit")
	require.NoError(t, c.DownloadFile(context.Background(), "42", outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, fitBytes, got)
}

func TestDownloadFileKeepsBarePayload(t *testing.T) {
	payload := []byte("not-a-zip-archive")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, "")
	c.loggedIn = true

	outPath := filepath.Join(t.TempDir(), "7.fit")
	require.NoError(t, c.DownloadFile(context.Background(), "7", outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestUploadFileAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload-service/upload/.fit", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "a.fit", header.Filename)
		fmt.Fprint(w, `{"detailedImportResult":{"uploadId":123456,"failures":[]}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, "")
	c.loggedIn = true

	path := filepath.Join(t.TempDir(), "a.fit")
	require.NoError(t, os.WriteFile(path, []byte("fit"), 0o644))

	result, err := c.UploadFile(context.Background(), path, "Morning Run", "abc")
	require.NoError(t, err)
	assert.Equal(t, platform.UploadAccepted, result)
}

func TestUploadFileDuplicateWithoutUploadID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"detailedImportResult":{"failures":[]}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, "")
	c.loggedIn = true

	path := filepath.Join(t.TempDir(), "a.fit")
	require.NoError(t, os.WriteFile(path, []byte("fit"), 0o644))

	result, err := c.UploadFile(context.Background(), path, "", "")
	require.NoError(t, err)
	assert.Equal(t, platform.UploadDuplicate, result)
}

func TestUploadFileDuplicateConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"detailedImportResult":{"failures":[{"messages":[{"code":202,"content":"Duplicate Activity"}]}]}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, "")
	c.loggedIn = true

	path := filepath.Join(t.TempDir(), "a.fit")
	require.NoError(t, os.WriteFile(path, []byte("fit"), 0o644))

	result, err := c.UploadFile(context.Background(), path, "", "")
	require.NoError(t, err)
	assert.Equal(t, platform.UploadDuplicate, result)
}

func TestUploadFileFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"detailedImportResult":{"failures":[{"messages":[{"code":400,"content":"bad file"}]}]}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, "")
	c.loggedIn = true

	path := filepath.Join(t.TempDir(), "a.fit")
	require.NoError(t, os.WriteFile(path, []byte("fit"), 0o644))

	result, err := c.UploadFile(context.Background(), path, "", "")
	require.Error(t, err)
	assert.Equal(t, platform.UploadFailed, result)
	assert.Contains(t, err.Error(), "400")
}

func TestClearSession(t *testing.T) {
	c := newTestClient(t, "", "")
	c.loggedIn = true
	require.NoError(t, os.WriteFile(c.sessionFile, []byte("{}"), 0o600))

	require.NoError(t, c.ClearSession())
	assert.False(t, c.loggedIn)
	_, err := os.Stat(c.sessionFile)
	assert.True(t, os.IsNotExist(err))

	// Clearing an already-clean session is fine.
	require.NoError(t, c.ClearSession())
}

func TestSessionPersistsAcrossClients(t *testing.T) {
	dir := t.TempDir()
	cfg := config.GarminConfig{Username: "u", Password: "p", Domain: "garmin.com"}

	first, err := New("garmin", cfg, dir, false)
	require.NoError(t, err)
	first.loggedIn = true
	require.NoError(t, first.persistSession())

	second, err := New("garmin", cfg, dir, false)
	require.NoError(t, err)
	assert.True(t, second.loggedIn)
}

func TestExpiredSessionIsNotRestored(t *testing.T) {
	dir := t.TempDir()
	cfg := config.GarminConfig{Username: "u", Password: "p", Domain: "garmin.com"}

	stale := savedSession{ExpiresAt: time.Now().Add(-time.Hour)}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garmin_session.json"), data, 0o600))

	c, err := New("garmin", cfg, dir, false)
	require.NoError(t, err)
	assert.False(t, c.loggedIn)
}
