package mywhoosh

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitbridge-sync/internal/config"
	"github.com/fitbridge-sync/internal/platform"
)

// loginHandler answers the form post like the real site: a session cookie
// plus a redirect to the dashboard on good credentials, the login page
// re-rendered otherwise.
func loginHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.FormValue("email") == "rider@example.com" && r.FormValue("password") == "secret" {
			http.SetCookie(w, &http.Cookie{Name: "mywhoosh_session", Value: "sess-1"})
			http.Redirect(w, r, "/dashboard", http.StatusFound)
			return
		}
		fmt.Fprint(w, "<html>login</html>")
	}
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	c, err := New(config.MyWhooshConfig{Username: "rider@example.com", Password: "secret"}, false)
	require.NoError(t, err)
	c.baseURL = server.URL
	return c
}

func newTestServer(t *testing.T, extra func(mux *http.ServeMux)) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", loginHandler(t))
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>dashboard</html>")
	})
	if extra != nil {
		extra(mux)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestIDAndIsConfigured(t *testing.T) {
	c, err := New(config.MyWhooshConfig{Username: "u", Password: "p"}, false)
	require.NoError(t, err)
	assert.Equal(t, "mywhoosh", c.ID())
	assert.True(t, c.IsConfigured())

	empty, err := New(config.MyWhooshConfig{Username: "u"}, false)
	require.NoError(t, err)
	assert.False(t, empty.IsConfigured())
}

func TestLoginFollowsRedirectToDashboard(t *testing.T) {
	server := newTestServer(t, nil)
	c := newTestClient(t, server)

	require.NoError(t, c.TestConnection(context.Background()))
	assert.True(t, c.loggedIn)
}

func TestLoginFailureStaysOnLoginPage(t *testing.T) {
	server := newTestServer(t, nil)
	c := newTestClient(t, server)
	c.cfg.Password = "wrong"

	err := c.TestConnection(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login failed")
	assert.False(t, c.loggedIn)
}

func TestListActivitiesParsesFeedStrings(t *testing.T) {
	server := newTestServer(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/api/activities", func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie("mywhoosh_session")
			require.NoError(t, err)
			assert.Equal(t, "sess-1", cookie.Value)
			fmt.Fprint(w, `[
				{"id": "mw2", "title": "Alpe Climb", "date": "2025-06-12 18:30:00", "distance": "12.4 km", "duration": "48:15", "elevation_gain": 1020},
				{"id": "mw1", "title": "Tempo Ride", "date": "2025-06-10T08:00:00.123Z", "distance": "25.4", "duration": "1:02:30", "elevation_gain": 320},
				{"id": "mw0", "title": "Too Old", "date": "01/05/2025", "distance": "10", "duration": "1800", "elevation_gain": 0},
				{"id": "mwx", "title": "No Date", "date": "yesterday", "distance": "5", "duration": "600", "elevation_gain": 0}
			]`)
		})
	})
	c := newTestClient(t, server)

	after := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	activities, err := c.ListActivities(context.Background(), 10, after, time.Time{}, platform.ModeMigration)
	require.NoError(t, err)
	require.Len(t, activities, 2)

	assert.Equal(t, "mw1", activities[0].ID)
	assert.Equal(t, "mw2", activities[1].ID)
	assert.Equal(t, "Tempo Ride", activities[0].Meta.Name)
	assert.Equal(t, "cycling", activities[0].Meta.SportType)
	assert.Equal(t, time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC), activities[0].Meta.StartTime)
	assert.Equal(t, 25.4, activities[0].Meta.Distance)
	assert.Equal(t, 3750, activities[0].Meta.Duration)
	assert.Equal(t, 320.0, activities[0].Meta.ElevationGain)
	assert.Equal(t, 48*60+15, activities[1].Meta.Duration)
}

func TestListActivitiesWrapperPayload(t *testing.T) {
	server := newTestServer(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/api/activities", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"activities": [{"id": "mw9", "title": "Wrapped", "date": "2025-06-15", "distance": "30", "duration": "3600", "elevation_gain": 100}]}`)
		})
	})
	c := newTestClient(t, server)

	activities, err := c.ListActivities(context.Background(), 10, time.Time{}, time.Time{}, platform.ModeIncremental)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, "mw9", activities[0].ID)
	assert.Equal(t, 3600, activities[0].Meta.Duration)
}

func TestDownloadFile(t *testing.T) {
	payload := strings.Repeat("fit-data", 32)
	server := newTestServer(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/activities/mw1/download", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, payload)
		})
	})
	c := newTestClient(t, server)

	outPath := filepath.Join(t.TempDir(), "mw1.fit")
	require.NoError(t, c.DownloadFile(context.Background(), "mw1", outPath))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestDownloadFileRejectsTinyPayload(t *testing.T) {
	server := newTestServer(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/activities/mw1/download", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "nope")
		})
	})
	c := newTestClient(t, server)

	err := c.DownloadFile(context.Background(), "mw1", filepath.Join(t.TempDir(), "mw1.fit"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
}

func TestUploadFileAccepted(t *testing.T) {
	server := newTestServer(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "Morning Ride", r.FormValue("name"))
			_, header, err := r.FormFile("file")
			require.NoError(t, err)
			assert.Equal(t, "a.fit", header.Filename)
			w.WriteHeader(http.StatusCreated)
		})
	})
	c := newTestClient(t, server)

	path := filepath.Join(t.TempDir(), "a.fit")
	require.NoError(t, os.WriteFile(path, []byte("fit"), 0o644))

	result, err := c.UploadFile(context.Background(), path, "Morning Ride", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, platform.UploadAccepted, result)
}

func TestUploadFileFailure(t *testing.T) {
	server := newTestServer(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unsupported file", http.StatusBadRequest)
		})
	})
	c := newTestClient(t, server)

	path := filepath.Join(t.TempDir(), "a.fit")
	require.NoError(t, os.WriteFile(path, []byte("fit"), 0o644))

	result, err := c.UploadFile(context.Background(), path, "", "")
	require.Error(t, err)
	assert.Equal(t, platform.UploadFailed, result)
	assert.Contains(t, err.Error(), "unsupported file")
}
