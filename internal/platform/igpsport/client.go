// Package igpsport implements the IGPSport upload target. Files go through
// the platform's Aliyun OSS bucket: login for a bearer token, fetch STS
// credentials, PUT the blob under a random object key, then notify the
// activity service which object to import.
package igpsport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fitbridge-sync/internal/config"
	"github.com/fitbridge-sync/internal/platform"
)

// Client talks to the IGPSport web gateway and its OSS bucket.
type Client struct {
	cfg        config.IGPSportConfig
	httpClient *http.Client
	tokenFile  string
	token      string
	debug      bool

	// Endpoint overrides for tests. ossBase, when set, replaces the
	// https://<bucket>.<endpoint> URL derived from the STS response.
	authBase string
	apiBase  string
	ossBase  string
}

type stsCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	AccessKeySecret string `json:"accessKeySecret"`
	SecurityToken   string `json:"securityToken"`
	Endpoint        string `json:"endpoint"`
	BucketName      string `json:"bucketName"`
}

// New creates an IGPSport client. The login token persists under
// sessionsDir so repeated runs skip the password login.
func New(cfg config.IGPSportConfig, sessionsDir string, debug bool) *Client {
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// The login endpoint answers 302 on success; the token
				// cookie is on the redirect response itself.
				return http.ErrUseLastResponse
			},
		},
		tokenFile: filepath.Join(sessionsDir, "igpsport_session.json"),
		debug:     debug,
		authBase:  "https://my.igpsport.com",
		apiBase:   "https://prod.zh.igpsport.com",
	}
	c.restoreToken()
	return c
}

func (c *Client) debugf(format string, args ...interface{}) {
	if c.debug {
		fmt.Printf("[igpsport] "+format+"\n", args...)
	}
}

// ID implements platform.Adapter.
func (c *Client) ID() string {
	return "igpsport"
}

// IsConfigured implements platform.Adapter.
func (c *Client) IsConfigured() bool {
	return c.cfg.Username != "" && c.cfg.Password != ""
}

// TestConnection logs in if needed and validates the token against the
// STS endpoint.
func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.ensureToken(ctx); err != nil {
		return err
	}
	_, err := c.fetchSTS(ctx)
	return err
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.token != "" {
		if c.tokenValid(ctx) {
			return nil
		}
		c.debugf("saved token rejected, logging in again")
		c.token = ""
	}
	return c.login(ctx)
}

func (c *Client) tokenValid(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiBase+"/service/mobile/api/AliyunService/GetOssTokenForApp", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) login(ctx context.Context) error {
	if !c.IsConfigured() {
		return fmt.Errorf("igpsport username and password are required")
	}

	form := url.Values{
		"username": {c.cfg.Username},
		"password": {c.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.authBase+"/Auth/Login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", c.authBase+"/")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("igpsport login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		return fmt.Errorf("igpsport login returned %d", resp.StatusCode)
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "loginToken" {
			c.token = cookie.Value
			c.persistToken()
			return nil
		}
	}

	// Some deployments return the token in the body instead of a cookie.
	body, _ := io.ReadAll(resp.Body)
	var parsed struct {
		Token string `json:"token"`
		Data  struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Token != "" {
			c.token = parsed.Token
		} else if parsed.Data.Token != "" {
			c.token = parsed.Data.Token
		}
	}
	if c.token == "" {
		return fmt.Errorf("igpsport login failed, check username and password")
	}
	c.persistToken()
	return nil
}

func (c *Client) fetchSTS(ctx context.Context) (*stsCredentials, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiBase+"/service/mobile/api/AliyunService/GetOssTokenForApp", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("igpsport STS request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("igpsport STS endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Data *stsCredentials `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse STS response: %w", err)
	}
	if payload.Data == nil || payload.Data.AccessKeyID == "" {
		return nil, fmt.Errorf("igpsport STS response had no credentials")
	}
	return payload.Data, nil
}

// putObject uploads the blob with OSS header signing.
func (c *Client) putObject(ctx context.Context, sts *stsCredentials, objectKey string, data []byte) error {
	base := c.ossBase
	if base == "" {
		base = fmt.Sprintf("https://%s.%s", sts.BucketName, strings.TrimPrefix(sts.Endpoint, "https://"))
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", base+"/"+objectKey, bytes.NewReader(data))
	if err != nil {
		return err
	}

	date := time.Now().UTC().Format(http.TimeFormat)
	req.Header.Set("Date", date)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-OSS-Security-Token", sts.SecurityToken)

	canonical := strings.Join([]string{
		"PUT",
		"",
		"application/octet-stream",
		date,
		"x-oss-security-token:" + sts.SecurityToken,
		fmt.Sprintf("/%s/%s", sts.BucketName, objectKey),
	}, "\n")
	mac := hmac.New(sha1.New, []byte(sts.AccessKeySecret))
	mac.Write([]byte(canonical))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	req.Header.Set("Authorization", fmt.Sprintf("OSS %s:%s", sts.AccessKeyID, signature))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OSS upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("OSS upload returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) notify(ctx context.Context, fileName, objectKey string) error {
	payload, _ := json.Marshal(map[string]string{
		"fileName": fileName,
		"ossName":  objectKey,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/service/web-gateway/web-analyze/activity/uploadByOss", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("igpsport notify failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("igpsport notify returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// UploadFile implements platform.Target. The upload only counts once the
// notify call succeeds; an orphaned OSS object without a notify is not an
// imported activity.
func (c *Client) UploadFile(ctx context.Context, path, name, fingerprint string) (platform.UploadResult, error) {
	if err := c.ensureToken(ctx); err != nil {
		return platform.UploadFailed, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return platform.UploadFailed, fmt.Errorf("failed to read %s: %w", path, err)
	}

	sts, err := c.fetchSTS(ctx)
	if err != nil {
		return platform.UploadFailed, err
	}

	objectKey := uuid.NewString()
	c.debugf("uploading %s (%d bytes) as object %s", path, len(data), objectKey)

	if err := c.putObject(ctx, sts, objectKey, data); err != nil {
		return platform.UploadFailed, err
	}
	if err := c.notify(ctx, filepath.Base(path), objectKey); err != nil {
		return platform.UploadFailed, err
	}
	return platform.UploadAccepted, nil
}

// ClearSession implements platform.SessionClearer.
func (c *Client) ClearSession() error {
	c.token = ""
	if err := os.Remove(c.tokenFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

type savedToken struct {
	Token string `json:"token"`
}

func (c *Client) restoreToken() {
	data, err := os.ReadFile(c.tokenFile)
	if err != nil {
		return
	}
	var saved savedToken
	if err := json.Unmarshal(data, &saved); err != nil {
		return
	}
	c.token = saved.Token
}

func (c *Client) persistToken() {
	data, err := json.Marshal(savedToken{Token: c.token})
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.tokenFile), 0700); err != nil {
		return
	}
	if err := os.WriteFile(c.tokenFile, data, 0600); err != nil {
		fmt.Printf("⚠️  Warning: failed to save igpsport session: %v\n", err)
	}
}
