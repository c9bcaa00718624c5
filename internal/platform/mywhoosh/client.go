// Package mywhoosh implements the MyWhoosh adapter. MyWhoosh has no public
// API; the client drives the website directly: a form login that lands on
// the dashboard, the JSON activities feed the web app reads, and the
// per-activity download endpoint. Every ride recorded there is a virtual
// cycling workout.
package mywhoosh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/fitbridge-sync/internal/config"
	"github.com/fitbridge-sync/internal/metadata"
	"github.com/fitbridge-sync/internal/platform"
)

// Exports below this size are error pages, not activity files.
const minDownloadSize = 100

// Client talks to the MyWhoosh website with a cookie-jar session.
type Client struct {
	cfg        config.MyWhooshConfig
	httpClient *http.Client
	debug      bool
	loggedIn   bool

	// Endpoint override for tests.
	baseURL string
}

// New creates a MyWhoosh client from config.
func New(cfg config.MyWhooshConfig, debug bool) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Jar: jar, Timeout: 60 * time.Second},
		debug:      debug,
		baseURL:    "https://mywhoosh.com",
	}, nil
}

func (c *Client) debugf(format string, args ...interface{}) {
	if c.debug {
		fmt.Printf("[mywhoosh] "+format+"\n", args...)
	}
}

// ID implements platform.Adapter.
func (c *Client) ID() string {
	return "mywhoosh"
}

// IsConfigured implements platform.Adapter.
func (c *Client) IsConfigured() bool {
	return c.cfg.Username != "" && c.cfg.Password != ""
}

// TestConnection performs a fresh login.
func (c *Client) TestConnection(ctx context.Context) error {
	c.loggedIn = false
	return c.ensureLogin(ctx)
}

func (c *Client) ensureLogin(ctx context.Context) error {
	if c.loggedIn {
		return nil
	}
	return c.login(ctx)
}

// login posts the credential form. A successful login redirects to the
// dashboard or activities page; anything else re-renders the login form.
func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("email", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mywhoosh login request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	landing := resp.Request.URL.Path
	if !strings.Contains(landing, "activities") && !strings.Contains(landing, "dashboard") {
		return fmt.Errorf("mywhoosh login failed: landed on %s", landing)
	}

	c.debugf("logged in, landed on %s", landing)
	c.loggedIn = true
	return nil
}

// rawActivity is one entry of the activities feed. The feed carries display
// strings, not typed values; parsing happens on conversion.
type rawActivity struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Date          string  `json:"date"`
	Distance      string  `json:"distance"`
	Duration      string  `json:"duration"`
	ElevationGain float64 `json:"elevation_gain"`
}

type keyedActivity struct {
	raw   rawActivity
	start time.Time
}

// ListActivities implements platform.Source. Entries without a parseable
// date are dropped; a cursorless activity can never be windowed.
func (c *Client) ListActivities(ctx context.Context, limit int, after, before time.Time, mode platform.Mode) ([]platform.Activity, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/activities", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mywhoosh list request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mywhoosh activity list returned %d: %s", resp.StatusCode, string(body))
	}

	entries, err := decodeActivities(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse activity list: %w", err)
	}

	var kept []keyedActivity
	for _, entry := range entries {
		start, ok := parseDate(entry.Date)
		if !ok {
			c.debugf("skipping activity %s: unparseable date %q", entry.ID, entry.Date)
			continue
		}
		if !after.IsZero() && start.Before(after) {
			continue
		}
		if !before.IsZero() && start.After(before) {
			continue
		}
		kept = append(kept, keyedActivity{raw: entry, start: start})
	}

	if mode == platform.ModeMigration {
		sort.Slice(kept, func(i, j int) bool { return kept[i].start.Before(kept[j].start) })
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}

	out := make([]platform.Activity, 0, len(kept))
	for _, k := range kept {
		name := k.raw.Title
		if name == "" {
			name = "MyWhoosh Activity"
		}
		out = append(out, platform.Activity{
			ID: k.raw.ID,
			Meta: metadata.Activity{
				Name:          name,
				SportType:     "cycling",
				StartTime:     k.start,
				Distance:      parseDistance(k.raw.Distance),
				Duration:      parseDuration(k.raw.Duration),
				ElevationGain: k.raw.ElevationGain,
			},
		})
	}
	return out, nil
}

// decodeActivities accepts both feed shapes: a bare array and the
// {"activities": [...]} wrapper.
func decodeActivities(body []byte) ([]rawActivity, error) {
	var entries []rawActivity
	if err := json.Unmarshal(body, &entries); err == nil {
		return entries, nil
	}

	var wrapper struct {
		Activities []rawActivity `json:"activities"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Activities, nil
}

var dateLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// parseDate handles the feed's date variants; fractional seconds and a
// trailing Z are stripped first. All times are UTC.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if i := strings.Index(s, "."); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "Z"); i >= 0 {
		s = s[:i]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseDistance extracts the numeric part of a display string like
// "25.4 km". Meters and kilometers are the feed's problem; the value is
// stored as-is in meters upstream.
func parseDistance(s string) float64 {
	var b strings.Builder
	seenDot := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' && !seenDot:
			seenDot = true
			b.WriteRune(r)
		}
	}
	v, _ := strconv.ParseFloat(b.String(), 64)
	return v
}

// parseDuration converts "h:mm:ss", "mm:ss" or a bare number of seconds.
func parseDuration(s string) int {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		nums := make([]int, len(parts))
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return 0
			}
			nums[i] = n
		}
		switch len(nums) {
		case 3:
			return nums[0]*3600 + nums[1]*60 + nums[2]
		case 2:
			return nums[0]*60 + nums[1]
		}
		return 0
	}

	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	n, _ := strconv.Atoi(digits.String())
	return n
}

// DownloadFile implements platform.Source. Tiny payloads are error pages.
func (c *Client) DownloadFile(ctx context.Context, activityID, outPath string) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}

	downloadURL := fmt.Sprintf("%s/activities/%s/download", c.baseURL, activityID)
	req, err := http.NewRequestWithContext(ctx, "GET", downloadURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mywhoosh download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mywhoosh download returned %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) < minDownloadSize {
		return fmt.Errorf("mywhoosh download for %s too small (%d bytes)", activityID, len(data))
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return os.WriteFile(outPath, data, 0o644)
}

// UploadFile implements platform.Target. MyWhoosh reports no duplicate
// state; re-uploads simply succeed.
func (c *Client) UploadFile(ctx context.Context, path, name, fingerprint string) (platform.UploadResult, error) {
	if err := c.ensureLogin(ctx); err != nil {
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
	if name != "" {
		writer.WriteField("name", name)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/upload", body)
	if err != nil {
		return platform.UploadFailed, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return platform.UploadFailed, fmt.Errorf("upload request failed: %w", err)
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		c.debugf("uploaded %s", path)
		return platform.UploadAccepted, nil
	}
	return platform.UploadFailed, fmt.Errorf("upload returned %d: %s", resp.StatusCode, string(respBody))
}
