// Package onedrive implements the OneDrive upload target backed by the
// Microsoft Graph API. Activity files land under a configurable folder;
// FIT files are optionally converted to GPX first so the files preview in
// OneDrive's map view.
package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fitbridge-sync/internal/config"
	"github.com/fitbridge-sync/internal/convert"
	"github.com/fitbridge-sync/internal/platform"
)

const graphScope = "Files.ReadWrite offline_access"

// Client talks to the Microsoft Graph drive API.
type Client struct {
	cfg        config.OneDriveConfig
	httpClient *http.Client
	debug      bool

	accessToken string
	tokenExpiry time.Time

	folderReady bool

	// Endpoint and converter overrides for tests.
	graphBase string
	tokenURL  string
	convertFn func(inPath, outPath string) error
}

// New creates a OneDrive client from config.
func New(cfg config.OneDriveConfig, debug bool) *Client {
	tenant := cfg.TenantID
	if tenant == "" {
		tenant = "common"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		debug:      debug,
		graphBase:  "https://graph.microsoft.com/v1.0",
		tokenURL:   fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant),
		convertFn:  convert.FITToGPX,
	}
}

func (c *Client) debugf(format string, args ...interface{}) {
	if c.debug {
		fmt.Printf("[onedrive] "+format+"\n", args...)
	}
}

// ID implements platform.Adapter.
func (c *Client) ID() string {
	return "onedrive"
}

// IsConfigured implements platform.Adapter.
func (c *Client) IsConfigured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != "" && c.cfg.RefreshToken != ""
}

// TestConnection refreshes the token and probes the drive root.
func (c *Client) TestConnection(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "GET", c.graphBase+"/me/drive", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("onedrive drive probe returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) refreshToken(ctx context.Context) error {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {c.cfg.RefreshToken},
		"grant_type":    {"refresh_token"},
		"redirect_uri":  {c.cfg.RedirectURI},
		"scope":         {graphScope},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("onedrive token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("onedrive token refresh returned %d: %s", resp.StatusCode, string(body))
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return fmt.Errorf("onedrive token response had no access token")
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	c.debugf("access token refreshed, valid for %ds", token.ExpiresIn)
	return nil
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return nil
	}
	return c.refreshToken(ctx)
}

// doRequest sends an authenticated Graph request, refreshing the access
// token once on 401.
func (c *Client) doRequest(ctx context.Context, method, reqURL string, payload []byte, contentType string) (*http.Response, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	send := func() (*http.Response, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return c.httpClient.Do(req)
	}

	resp, err := send()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.debugf("access token rejected, refreshing")
		if err := c.refreshToken(ctx); err != nil {
			return nil, err
		}
		return send()
	}
	return resp, nil
}

// ensureFolder creates the target folder once per client lifetime. An
// existing folder answers 409, which is fine.
func (c *Client) ensureFolder(ctx context.Context) error {
	if c.folderReady || c.cfg.Folder == "" {
		return nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"name":                              c.cfg.Folder,
		"folder":                            map[string]interface{}{},
		"@microsoft.graph.conflictBehavior": "replace",
	})

	resp, err := c.doRequest(ctx, "POST", c.graphBase+"/me/drive/root/children", payload, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		c.folderReady = true
		return nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to create folder %s: %d %s", c.cfg.Folder, resp.StatusCode, string(body))
	}
}

// UploadFile implements platform.Target. Uploads replace any existing file
// of the same name, so re-syncing the same activity is idempotent and
// never reported as a duplicate.
func (c *Client) UploadFile(ctx context.Context, path, name, fingerprint string) (platform.UploadResult, error) {
	uploadPath := path

	if c.cfg.ConvertFitToGpx && strings.EqualFold(filepath.Ext(path), ".fit") {
		gpxPath := filepath.Join(os.TempDir(), strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+".gpx")
		if err := c.convertFn(path, gpxPath); err != nil {
			// Manual or GPS-less activities have no track to convert;
			// fall back to uploading the original file.
			c.debugf("fit to gpx conversion failed, uploading original: %v", err)
		} else {
			defer os.Remove(gpxPath)
			uploadPath = gpxPath
		}
	}

	data, err := os.ReadFile(uploadPath)
	if err != nil {
		return platform.UploadFailed, fmt.Errorf("failed to read %s: %w", uploadPath, err)
	}

	if err := c.ensureFolder(ctx); err != nil {
		return platform.UploadFailed, err
	}

	remoteName := filepath.Base(uploadPath)
	var itemPath string
	if c.cfg.Folder == "" {
		itemPath = fmt.Sprintf("%s/me/drive/root:/%s:/content", c.graphBase, url.PathEscape(remoteName))
	} else {
		itemPath = fmt.Sprintf("%s/me/drive/root:/%s/%s:/content", c.graphBase, url.PathEscape(c.cfg.Folder), url.PathEscape(remoteName))
	}

	c.debugf("uploading %s (%d bytes) as %s", path, len(data), remoteName)
	resp, err := c.doRequest(ctx, "PUT", itemPath, data, "application/octet-stream")
	if err != nil {
		return platform.UploadFailed, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return platform.UploadFailed, fmt.Errorf("upload returned %d: %s", resp.StatusCode, string(body))
	}
	return platform.UploadAccepted, nil
}
