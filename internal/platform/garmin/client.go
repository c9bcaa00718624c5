// Package garmin implements the Garmin Connect adapter. One client serves
// both the global deployment (garmin.com) and the China one (garmin.cn);
// only the domain differs. Authentication is the SSO ticket flow over a
// persisted cookie jar.
package garmin

import (
	"archive/zip"
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
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/fitbridge-sync/internal/config"
	"github.com/fitbridge-sync/internal/metadata"
	"github.com/fitbridge-sync/internal/platform"
)

const sessionLifetime = 7 * 24 * time.Hour

var (
	csrfPattern   = regexp.MustCompile(`name="_csrf"\s+value="([^"]+)"`)
	ticketPattern = regexp.MustCompile(`ticket=([A-Za-z0-9\-]+)`)
)

// Client talks to Garmin Connect.
type Client struct {
	name        string
	cfg         config.GarminConfig
	httpClient  *http.Client
	sessionFile string
	loggedIn    bool
	debug       bool

	// Endpoint overrides for tests; derived from cfg.Domain by default.
	connectBase string
	ssoBase     string
}

// New creates a Garmin client. name is the platform id ("garmin" or
// "garmin_cn"); the session cookie jar persists under sessionsDir.
func New(name string, cfg config.GarminConfig, sessionsDir string, debug bool) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	domain := cfg.Domain
	if domain == "" {
		domain = "garmin.com"
	}

	c := &Client{
		name: name,
		cfg:  cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Jar:     jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		sessionFile: filepath.Join(sessionsDir, name+"_session.json"),
		debug:       debug,
		connectBase: "https://connect." + domain,
		ssoBase:     "https://sso." + domain + "/sso",
	}

	c.restoreSession()
	return c, nil
}

func (c *Client) debugf(format string, args ...interface{}) {
	if c.debug {
		fmt.Printf("[%s] "+format+"\n", append([]interface{}{c.name}, args...)...)
	}
}

// ID implements platform.Adapter.
func (c *Client) ID() string {
	return c.name
}

// IsConfigured implements platform.Adapter.
func (c *Client) IsConfigured() bool {
	return c.cfg.Username != "" && c.cfg.Password != ""
}

// TestConnection logs in if necessary and probes the activity list.
func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}
	_, err := c.listRaw(ctx, 1)
	return err
}

func (c *Client) ensureLogin(ctx context.Context) error {
	if c.loggedIn {
		return nil
	}
	return c.Login(ctx)
}

// Login runs the SSO ticket flow and persists the session cookies.
func (c *Client) Login(ctx context.Context) error {
	if !c.IsConfigured() {
		return fmt.Errorf("%s username and password are required", c.name)
	}

	c.debugf("logging in via %s", c.ssoBase)

	csrf, err := c.fetchCSRFToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to get CSRF token: %w", err)
	}

	ticket, err := c.submitCredentials(ctx, csrf)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if err := c.exchangeTicket(ctx, ticket); err != nil {
		return fmt.Errorf("failed to exchange ticket: %w", err)
	}

	c.loggedIn = true
	if err := c.persistSession(); err != nil {
		fmt.Printf("⚠️  Warning: failed to save %s session: %v\n", c.name, err)
	}
	return nil
}

func (c *Client) fetchCSRFToken(ctx context.Context) (string, error) {
	params := url.Values{
		"service":   {c.connectBase + "/modern"},
		"webhost":   {c.connectBase + "/modern"},
		"source":    {c.connectBase + "/signin"},
		"gauthHost": {c.ssoBase},
		"locale":    {"en_US"},
		"id":        {"gauth-widget"},
		"clientId":  {"GarminConnect"},
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.ssoBase+"/signin?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	c.setBrowserHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	matches := csrfPattern.FindSubmatch(body)
	if len(matches) < 2 {
		return "", fmt.Errorf("CSRF token not found in signin page")
	}
	return string(matches[1]), nil
}

func (c *Client) submitCredentials(ctx context.Context, csrf string) (string, error) {
	params := url.Values{
		"service":  {c.connectBase + "/modern"},
		"webhost":  {c.connectBase + "/modern"},
		"source":   {c.connectBase + "/signin"},
		"clientId": {"GarminConnect"},
	}
	form := url.Values{
		"username": {c.cfg.Username},
		"password": {c.cfg.Password},
		"embed":    {"false"},
		"_csrf":    {csrf},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.ssoBase+"/signin?"+params.Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	c.setBrowserHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	text := string(body)
	if strings.Contains(text, "ACCOUNT_LOCKED") {
		return "", fmt.Errorf("account is locked")
	}
	if strings.Contains(text, "INVALID_CREDENTIALS") || strings.Contains(text, "Invalid credentials") {
		return "", fmt.Errorf("invalid username or password")
	}

	matches := ticketPattern.FindStringSubmatch(text)
	if len(matches) < 2 {
		matches = ticketPattern.FindStringSubmatch(resp.Request.URL.String())
		if len(matches) < 2 {
			return "", fmt.Errorf("service ticket not found")
		}
	}
	return matches[1], nil
}

func (c *Client) exchangeTicket(ctx context.Context, ticket string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/modern/?ticket=%s", c.connectBase, ticket), nil)
	if err != nil {
		return err
	}
	c.setBrowserHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		return fmt.Errorf("ticket exchange failed with status %d", resp.StatusCode)
	}
	return nil
}

// rawActivity is the activitylist-service payload subset.
type rawActivity struct {
	ActivityID    int64   `json:"activityId"`
	ActivityName  string  `json:"activityName"`
	StartTimeGMT  string  `json:"startTimeGMT"`
	Distance      float64 `json:"distance"`
	Duration      float64 `json:"duration"`
	ElevationGain float64 `json:"elevationGain"`
	ActivityType  struct {
		TypeKey string `json:"typeKey"`
	} `json:"activityType"`
}

func (a rawActivity) startTime() (time.Time, error) {
	// activitylist-service reports GMT times as "2006-01-02 15:04:05".
	return time.ParseInLocation("2006-01-02 15:04:05", a.StartTimeGMT, time.UTC)
}

func (c *Client) listRaw(ctx context.Context, limit int) ([]rawActivity, error) {
	listURL := fmt.Sprintf("%s/activitylist-service/activities/search/activities?start=0&limit=%d", c.connectBase, limit)
	req, err := http.NewRequestWithContext(ctx, "GET", listURL, nil)
	if err != nil {
		return nil, err
	}
	c.setBrowserHeaders(req)
	req.Header.Set("NK", "NT")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s list request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s activity list returned %d: %s", c.name, resp.StatusCode, string(body))
	}

	var activities []rawActivity
	if err := json.Unmarshal(body, &activities); err != nil {
		return nil, fmt.Errorf("failed to parse activity list: %w", err)
	}
	return activities, nil
}

// ListActivities implements platform.Source. The service has no server-side
// window parameters, so the window is applied client-side.
func (c *Client) ListActivities(ctx context.Context, limit int, after, before time.Time, mode platform.Mode) ([]platform.Activity, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}

	// Over-fetch so the window filter still fills the batch.
	raw, err := c.listRaw(ctx, limit*5)
	if err != nil {
		return nil, err
	}

	type timed struct {
		raw   rawActivity
		start time.Time
	}
	var kept []timed
	for _, a := range raw {
		start, err := a.startTime()
		if err != nil {
			c.debugf("skipping activity %d with unparseable time %q", a.ActivityID, a.StartTimeGMT)
			continue
		}
		if !after.IsZero() && start.Before(after.UTC()) {
			continue
		}
		if !before.IsZero() && start.After(before.UTC()) {
			continue
		}
		kept = append(kept, timed{raw: a, start: start})
	}

	if mode == platform.ModeMigration {
		sort.Slice(kept, func(i, j int) bool { return kept[i].start.Before(kept[j].start) })
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}

	out := make([]platform.Activity, 0, len(kept))
	for _, k := range kept {
		out = append(out, platform.Activity{
			ID: fmt.Sprintf("%d", k.raw.ActivityID),
			Meta: metadata.Activity{
				Name:          k.raw.ActivityName,
				SportType:     k.raw.ActivityType.TypeKey,
				StartTime:     k.start,
				Distance:      k.raw.Distance,
				Duration:      int(k.raw.Duration),
				ElevationGain: k.raw.ElevationGain,
			},
		})
	}
	return out, nil
}

// DownloadFile implements platform.Source. The download service wraps the
// original FIT in a zip and answers 202 while preparing it; the retry
// helper polls until the archive is ready.
func (c *Client) DownloadFile(ctx context.Context, activityID, outPath string) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}

	downloadURL := fmt.Sprintf("%s/download-service/files/activity/%s", c.connectBase, activityID)

	var payload []byte
	err := platform.RetryNotReady(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, "GET", downloadURL, nil)
		if err != nil {
			return err
		}
		c.setBrowserHeaders(req)
		req.Header.Set("NK", "NT")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s download request failed: %w", c.name, err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			payload, err = io.ReadAll(resp.Body)
			return err
		case http.StatusAccepted:
			c.debugf("activity %s export still preparing", activityID)
			return platform.ErrNotReady
		default:
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%s download returned %d: %s", c.name, resp.StatusCode, string(body))
		}
	})
	if err != nil {
		return err
	}

	data, err := unzipFirstFile(payload)
	if err != nil {
		// Some activities come back as a bare file rather than a zip.
		data = payload
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outPath, err)
	}
	c.debugf("downloaded activity %s to %s (%d bytes)", activityID, outPath, len(data))
	return nil
}

func unzipFirstFile(payload []byte) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, err
	}
	if len(reader.File) == 0 {
		return nil, fmt.Errorf("empty archive")
	}
	f, err := reader.File[0].Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

type uploadResponse struct {
	DetailedImportResult struct {
		UploadID json.Number `json:"uploadId"`
		Failures []struct {
			Messages []struct {
				Code    int    `json:"code"`
				Content string `json:"content"`
			} `json:"messages"`
		} `json:"failures"`
	} `json:"detailedImportResult"`
}

// UploadFile implements platform.Target. HTTP 409 or a "Duplicate
// Activity" failure message classifies as duplicate; a 200/202 without an
// upload id is Garmin's other way of reporting an already-known file.
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
	writer.Close()

	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	uploadURL := fmt.Sprintf("%s/upload-service/upload/.%s", c.connectBase, ext)

	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, body)
	if err != nil {
		return platform.UploadFailed, err
	}
	c.setBrowserHeaders(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("NK", "NT")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return platform.UploadFailed, fmt.Errorf("upload request failed: %w", err)
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var parsed uploadResponse
	parseErr := json.Unmarshal(respBody, &parsed)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		if parseErr != nil {
			return platform.UploadFailed, fmt.Errorf("failed to parse upload response: %w", parseErr)
		}
		if parsed.DetailedImportResult.UploadID.String() == "" {
			c.debugf("upload of %s reported no upload id, treating as duplicate", path)
			return platform.UploadDuplicate, nil
		}
		return platform.UploadAccepted, nil

	case http.StatusConflict:
		if parseErr == nil {
			for _, f := range parsed.DetailedImportResult.Failures {
				for _, m := range f.Messages {
					if strings.Contains(m.Content, "Duplicate Activity") {
						return platform.UploadDuplicate, nil
					}
				}
			}
		}
		// 409 without a parseable body still means the activity exists.
		return platform.UploadDuplicate, nil

	default:
		return platform.UploadFailed, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(respBody))
	}
}

// ClearSession implements platform.SessionClearer: drops the persisted
// cookie jar so the next call re-runs the SSO flow.
func (c *Client) ClearSession() error {
	c.loggedIn = false
	if err := os.Remove(c.sessionFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

type savedSession struct {
	Cookies   []*http.Cookie `json:"cookies"`
	ExpiresAt time.Time      `json:"expires_at"`
}

func (c *Client) restoreSession() {
	data, err := os.ReadFile(c.sessionFile)
	if err != nil {
		return
	}
	var session savedSession
	if err := json.Unmarshal(data, &session); err != nil {
		return
	}
	if time.Now().After(session.ExpiresAt) {
		return
	}
	if u, err := url.Parse(c.connectBase); err == nil {
		c.httpClient.Jar.SetCookies(u, session.Cookies)
		c.loggedIn = true
		c.debugf("restored session from %s", c.sessionFile)
	}
}

func (c *Client) persistSession() error {
	u, err := url.Parse(c.connectBase)
	if err != nil {
		return err
	}
	session := savedSession{
		Cookies:   c.httpClient.Jar.Cookies(u),
		ExpiresAt: time.Now().Add(sessionLifetime),
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.sessionFile), 0700); err != nil {
		return err
	}
	return os.WriteFile(c.sessionFile, data, 0600)
}

func (c *Client) setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Connection", "keep-alive")
}
