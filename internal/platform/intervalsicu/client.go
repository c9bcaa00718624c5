// Package intervalsicu implements the Intervals.icu adapter. The API is a
// plain REST surface with HTTP basic auth: the literal user "API_KEY" and
// the athlete's key as password.
package intervalsicu

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

	"github.com/fitbridge-sync/internal/config"
	"github.com/fitbridge-sync/internal/metadata"
	"github.com/fitbridge-sync/internal/platform"
)

const basicAuthUser = "API_KEY"

// Client talks to the Intervals.icu REST API.
type Client struct {
	cfg        config.IntervalsICUConfig
	httpClient *http.Client
	debug      bool

	// Endpoint override for tests.
	apiBase string
}

// New creates an Intervals.icu client from config.
func New(cfg config.IntervalsICUConfig, debug bool) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		debug:      debug,
		apiBase:    "https://intervals.icu/api/v1",
	}
}

func (c *Client) debugf(format string, args ...interface{}) {
	if c.debug {
		fmt.Printf("[intervals_icu] "+format+"\n", args...)
	}
}

// ID implements platform.Adapter.
func (c *Client) ID() string {
	return "intervals_icu"
}

// IsConfigured implements platform.Adapter.
func (c *Client) IsConfigured() bool {
	return c.cfg.AthleteID != "" && c.cfg.APIKey != ""
}

func (c *Client) newRequest(ctx context.Context, method, reqURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(basicAuthUser, c.cfg.APIKey)
	return req, nil
}

// TestConnection probes the athlete endpoint.
func (c *Client) TestConnection(ctx context.Context) error {
	req, err := c.newRequest(ctx, "GET", fmt.Sprintf("%s/athlete/%s", c.apiBase, c.cfg.AthleteID), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("intervals.icu request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("intervals.icu athlete probe returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// activitySummary is the activities endpoint payload subset. The field
// names mirror Strava's because Intervals.icu imports from there.
type activitySummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	StartDate     time.Time `json:"start_date"`
	Distance      float64   `json:"distance"`
	MovingTime    int       `json:"moving_time"`
	ElapsedTime   int       `json:"elapsed_time"`
	ElevationGain float64   `json:"total_elevation_gain"`
}

// ListActivities implements platform.Source. The API filters on calendar
// dates via oldest/newest, so the exact window is re-applied client-side.
func (c *Client) ListActivities(ctx context.Context, limit int, after, before time.Time, mode platform.Mode) ([]platform.Activity, error) {
	params := url.Values{}
	if !after.IsZero() {
		params.Set("oldest", after.UTC().Format("2006-01-02"))
	}
	if !before.IsZero() {
		params.Set("newest", before.UTC().Format("2006-01-02"))
	}

	listURL := fmt.Sprintf("%s/athlete/%s/activities?%s", c.apiBase, c.cfg.AthleteID, params.Encode())
	req, err := c.newRequest(ctx, "GET", listURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("intervals.icu list request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("intervals.icu activity list returned %d: %s", resp.StatusCode, string(body))
	}

	var summaries []activitySummary
	if err := json.Unmarshal(body, &summaries); err != nil {
		return nil, fmt.Errorf("failed to parse activity list: %w", err)
	}

	var kept []activitySummary
	for _, s := range summaries {
		if !after.IsZero() && s.StartDate.Before(after) {
			continue
		}
		if !before.IsZero() && s.StartDate.After(before) {
			continue
		}
		kept = append(kept, s)
	}

	if mode == platform.ModeMigration {
		sort.Slice(kept, func(i, j int) bool { return kept[i].StartDate.Before(kept[j].StartDate) })
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}

	out := make([]platform.Activity, 0, len(kept))
	for _, s := range kept {
		duration := s.ElapsedTime
		if duration == 0 {
			duration = s.MovingTime
		}
		out = append(out, platform.Activity{
			ID: s.ID,
			Meta: metadata.Activity{
				Name:          s.Name,
				SportType:     s.Type,
				StartTime:     s.StartDate.UTC(),
				Distance:      s.Distance,
				Duration:      duration,
				ElevationGain: s.ElevationGain,
			},
		})
	}
	return out, nil
}

// DownloadFile implements platform.Source via the original-file endpoint.
func (c *Client) DownloadFile(ctx context.Context, activityID, outPath string) error {
	req, err := c.newRequest(ctx, "GET", fmt.Sprintf("%s/activity/%s/file", c.apiBase, activityID), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("intervals.icu download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("intervals.icu download returned %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return os.WriteFile(outPath, data, 0o644)
}

// UploadFile implements platform.Target. The activity name and external id
// travel as query parameters next to the multipart file.
func (c *Client) UploadFile(ctx context.Context, path, name, fingerprint string) (platform.UploadResult, error) {
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
	writer.Close()

	params := url.Values{}
	if name != "" {
		params.Set("name", name)
	}
	if fingerprint != "" {
		params.Set("external_id", fingerprint)
	}

	uploadURL := fmt.Sprintf("%s/athlete/%s/activities?%s", c.apiBase, c.cfg.AthleteID, params.Encode())
	req, err := c.newRequest(ctx, "POST", uploadURL, body)
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

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		c.debugf("uploaded %s: %s", path, strings.TrimSpace(string(respBody)))
		return platform.UploadAccepted, nil
	case strings.Contains(strings.ToLower(string(respBody)), "duplicate"):
		return platform.UploadDuplicate, nil
	default:
		return platform.UploadFailed, fmt.Errorf("upload returned %d: %s", resp.StatusCode, string(respBody))
	}
}
