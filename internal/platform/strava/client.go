// Package strava implements the Strava adapter. The v3 API handles listing
// and uploads via OAuth; original-file export has no API endpoint, so
// downloads ride on the athlete's web-session cookie.
package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/fitbridge-sync/internal/config"
	"github.com/fitbridge-sync/internal/metadata"
	"github.com/fitbridge-sync/internal/platform"
)

const (
	authURL    = "https://www.strava.com/oauth/authorize"
	tokenURL   = "https://www.strava.com/oauth/token"
	apiBaseURL = "https://www.strava.com/api/v3"
	uploadURL  = apiBaseURL + "/uploads"
	webBaseURL = "https://www.strava.com"

	// Listing page size; the API caps per_page at 200.
	listPageSize = 200
	maxListPages = 50

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Client talks to the Strava API and web export endpoint.
type Client struct {
	cfg         config.StravaConfig
	httpClient  *http.Client
	oauthConfig *oauth2.Config
	token       *oauth2.Token
	debug       bool

	// Endpoint overrides for tests.
	apiBase string
	webBase string
}

// New creates a Strava client from config. The refresh token comes from a
// one-time OAuth consent outside this tool.
func New(cfg config.StravaConfig, debug bool) *Client {
	return &Client{
		cfg: cfg,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       []string{"activity:write", "activity:read_all"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
		httpClient: &http.Client{Timeout: 60 * time.Second},
		debug:      debug,
		apiBase:    apiBaseURL,
		webBase:    webBaseURL,
	}
}

func (c *Client) debugf(format string, args ...interface{}) {
	if c.debug {
		fmt.Printf("[strava] "+format+"\n", args...)
	}
}

// ID implements platform.Adapter.
func (c *Client) ID() string {
	return "strava"
}

// IsConfigured implements platform.Adapter.
func (c *Client) IsConfigured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != "" && c.cfg.RefreshToken != ""
}

// TestConnection verifies the OAuth credentials against /athlete.
func (c *Client) TestConnection(ctx context.Context) error {
	body, err := c.apiGet(ctx, "/athlete", nil)
	if err != nil {
		return err
	}
	var athlete struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &athlete); err != nil || athlete.ID == 0 {
		return fmt.Errorf("unexpected athlete response")
	}
	return nil
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.token != nil && c.token.Valid() {
		return nil
	}
	return c.refreshToken(ctx)
}

func (c *Client) refreshToken(ctx context.Context) error {
	if c.cfg.RefreshToken == "" {
		return fmt.Errorf("no Strava refresh token configured")
	}
	seed := &oauth2.Token{RefreshToken: c.cfg.RefreshToken}
	if c.token != nil && c.token.RefreshToken != "" {
		seed.RefreshToken = c.token.RefreshToken
	}
	token, err := c.oauthConfig.TokenSource(ctx, seed).Token()
	if err != nil {
		return fmt.Errorf("failed to refresh Strava token: %w", err)
	}
	c.token = token
	c.debugf("access token refreshed, expires %s", token.Expiry.Format(time.RFC3339))
	return nil
}

// apiGet performs an authenticated GET against the API, refreshing the
// token once on a 401.
func (c *Client) apiGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		u := c.apiBase + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token.AccessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("strava request failed: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.debugf("401 from %s, refreshing token", path)
			if err := c.refreshToken(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("strava API %s returned %d: %s", path, resp.StatusCode, string(body))
		}
		return body, nil
	}
	return nil, fmt.Errorf("strava API %s: unauthorized after token refresh", path)
}

// summaryActivity is the listing payload subset the sync needs.
type summaryActivity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	ElapsedTime        int       `json:"elapsed_time"`
	Distance           float64   `json:"distance"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	DeviceName         string    `json:"device_name"`
	UploadID           *int64    `json:"upload_id"`
	ExternalID         string    `json:"external_id"`
}

// isManual reports a file-less activity: no recording device, no upload
// and no external id. Manual entries have no original file to download.
func (a summaryActivity) isManual() bool {
	return strings.TrimSpace(a.DeviceName) == "" &&
		a.UploadID == nil &&
		strings.TrimSpace(a.ExternalID) == ""
}

func (a summaryActivity) toActivity() platform.Activity {
	sport := a.SportType
	if sport == "" {
		sport = a.Type
	}
	return platform.Activity{
		ID: fmt.Sprintf("%d", a.ID),
		Meta: metadata.Activity{
			Name:          a.Name,
			SportType:     sport,
			StartTime:     a.StartDate.UTC(),
			Distance:      a.Distance,
			Duration:      a.ElapsedTime,
			ElevationGain: a.TotalElevationGain,
		},
		Manual: a.isManual(),
	}
}

// ListActivities implements platform.Source. after/before are passed
// server-side as unix timestamps and re-checked client-side; migration mode
// sorts ascending and truncates to limit.
func (c *Client) ListActivities(ctx context.Context, limit int, after, before time.Time, mode platform.Mode) ([]platform.Activity, error) {
	var collected []summaryActivity

	for page := 1; page <= maxListPages; page++ {
		params := url.Values{}
		params.Set("page", fmt.Sprintf("%d", page))
		params.Set("per_page", fmt.Sprintf("%d", listPageSize))
		if !after.IsZero() {
			params.Set("after", fmt.Sprintf("%d", after.UTC().Unix()))
		}
		if !before.IsZero() {
			params.Set("before", fmt.Sprintf("%d", before.UTC().Unix()))
		}

		body, err := c.apiGet(ctx, "/athlete/activities", params)
		if err != nil {
			return nil, err
		}

		var pageActivities []summaryActivity
		if err := json.Unmarshal(body, &pageActivities); err != nil {
			return nil, fmt.Errorf("failed to parse activities: %w", err)
		}
		c.debugf("page %d returned %d activities", page, len(pageActivities))
		if len(pageActivities) == 0 {
			break
		}

		for _, a := range pageActivities {
			start := a.StartDate.UTC()
			if !after.IsZero() && start.Before(after.UTC()) {
				continue
			}
			if !before.IsZero() && start.After(before.UTC()) {
				continue
			}
			collected = append(collected, a)
		}

		if len(collected) >= limit || len(pageActivities) < listPageSize {
			break
		}
	}

	if mode == platform.ModeMigration {
		sort.Slice(collected, func(i, j int) bool {
			return collected[i].StartDate.Before(collected[j].StartDate)
		})
	}
	if len(collected) > limit {
		collected = collected[:limit]
	}

	out := make([]platform.Activity, 0, len(collected))
	for _, a := range collected {
		out = append(out, a.toActivity())
	}
	return out, nil
}

// DownloadFile fetches the original upload via the web export endpoint
// using the session cookie. An HTML response means either a manual
// activity (no file) or an expired cookie; both are reported as errors with
// distinct messages.
func (c *Client) DownloadFile(ctx context.Context, activityID, outPath string) error {
	if c.cfg.Cookie == "" {
		return fmt.Errorf("no Strava cookie configured; original-file export needs a web session")
	}

	exportURL := fmt.Sprintf("%s/activities/%s/export_original", c.webBase, activityID)
	req, err := http.NewRequestWithContext(ctx, "GET", exportURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cookie", c.cfg.Cookie)
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("strava download failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("activity %s has no original file", activityID)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("strava cookie expired; export returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("strava export returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read export: %w", err)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "text/html") {
		// The export endpoint serves the activity page when there is no
		// original file, and the login page when the cookie is stale.
		lower := strings.ToLower(string(body))
		if strings.Contains(lower, "log in") || strings.Contains(lower, "login") {
			return fmt.Errorf("strava cookie expired; export returned the login page")
		}
		return fmt.Errorf("activity %s is manual, no original file to export", activityID)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(outPath, body, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outPath, err)
	}
	c.debugf("downloaded activity %s to %s (%d bytes)", activityID, outPath, len(body))
	return nil
}

// UploadFile implements platform.Target: multipart POST to /uploads, then
// poll the upload status until Strava assigns an activity id or reports an
// error. A "duplicate" in the error string classifies as duplicate.
func (c *Client) UploadFile(ctx context.Context, path, name, fingerprint string) (platform.UploadResult, error) {
	if err := c.ensureToken(ctx); err != nil {
		return platform.UploadFailed, err
	}

	file, err := os.Open(path)
	if err != nil {
		return platform.UploadFailed, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return platform.UploadFailed, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return platform.UploadFailed, fmt.Errorf("failed to copy file content: %w", err)
	}

	dataType := strings.TrimPrefix(filepath.Ext(path), ".")
	writer.WriteField("data_type", dataType)
	if name != "" {
		writer.WriteField("name", name)
	}
	if fingerprint != "" {
		writer.WriteField("external_id", fingerprint)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/uploads", body)
	if err != nil {
		return platform.UploadFailed, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token.AccessToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return platform.UploadFailed, fmt.Errorf("upload request failed: %w", err)
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return platform.UploadFailed, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var upload uploadStatus
	if err := json.Unmarshal(respBody, &upload); err != nil {
		return platform.UploadFailed, fmt.Errorf("failed to parse upload response: %w", err)
	}
	if result, done := classifyUpload(upload); done {
		return result, nil
	}

	return c.waitForUpload(ctx, upload.ID)
}

type uploadStatus struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	Error      string `json:"error,omitempty"`
	Status     string `json:"status"`
	ActivityID int64  `json:"activity_id,omitempty"`
}

func classifyUpload(s uploadStatus) (platform.UploadResult, bool) {
	if s.Error != "" {
		if strings.Contains(strings.ToLower(s.Error), "duplicate") {
			return platform.UploadDuplicate, true
		}
		return platform.UploadFailed, true
	}
	if s.ActivityID != 0 {
		return platform.UploadAccepted, true
	}
	return platform.UploadFailed, false
}

// Upload status poll cadence; shortened in tests.
var uploadPollInterval = 2 * time.Second

// waitForUpload polls the upload status until processing settles.
func (c *Client) waitForUpload(ctx context.Context, uploadID int64) (platform.UploadResult, error) {
	deadline := time.Now().Add(60 * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return platform.UploadFailed, ctx.Err()
		case <-time.After(uploadPollInterval):
		}

		body, err := c.apiGet(ctx, fmt.Sprintf("/uploads/%d", uploadID), nil)
		if err != nil {
			return platform.UploadFailed, err
		}
		var status uploadStatus
		if err := json.Unmarshal(body, &status); err != nil {
			return platform.UploadFailed, fmt.Errorf("failed to parse upload status: %w", err)
		}

		if result, done := classifyUpload(status); done {
			if result == platform.UploadFailed {
				return result, fmt.Errorf("upload failed: %s", status.Error)
			}
			c.debugf("upload %d settled: %s", uploadID, result)
			return result, nil
		}
		c.debugf("upload %d still processing: %s", uploadID, status.Status)
	}

	return platform.UploadFailed, fmt.Errorf("upload %d timed out while processing", uploadID)
}
