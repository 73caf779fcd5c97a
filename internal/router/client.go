package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/chaollapark/homelab/internal/config"
	"github.com/chaollapark/homelab/internal/httpkit"
)

// PBKDF2 parameters the firmware's login page uses. Two rounds: the
// password is hashed with the account salt, and the result is hashed
// again with the per-session webui salt.
const (
	pbkdf2Iterations = 1000
	pbkdf2KeyLen     = 16
)

// seekSaltSentinel is the magic password value that makes the login
// endpoint return the salts instead of authenticating.
const seekSaltSentinel = "seeksalthash"

// Client talks to the router API. All exported methods are safe for
// concurrent use; calls are serialized because the firmware tracks a
// single session cookie and CSRF token.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *slog.Logger

	mu       sync.Mutex
	loggedIn bool
	csrf     string
}

// NewClient creates a router API client. The URL should include the
// scheme and host (e.g., "http://192.168.0.1"). TLS verification is
// skipped because gateways that do expose HTTPS use self-signed
// certificates.
func NewClient(cfg config.RouterConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithCookieJar(),
			httpkit.WithTLSInsecureSkipVerify(),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// envelope is the wrapper every API response uses. raw keeps the full
// payload so login can re-parse fields that some firmware versions
// place at the top level instead of under data.
type envelope struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`

	raw json.RawMessage
}

// pbkdf2Hex computes one PBKDF2-SHA256 round and returns lowercase hex.
func pbkdf2Hex(password, salt string) string {
	derived := pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return hex.EncodeToString(derived)
}

// Login authenticates with the router and stores the session cookie
// and CSRF token for subsequent calls.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login(ctx)
}

// login performs the two-round salted login dance. Caller holds c.mu.
func (c *Client) login(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		return fmt.Errorf("router credentials not configured")
	}

	c.loggedIn = false
	c.csrf = ""

	// Prime the session cookie and clear any stale login — the
	// firmware refuses a second concurrent session.
	_ = c.get(ctx, "/")
	_, _ = c.postForm(ctx, "/api/v1/session/logout", url.Values{})
	_ = c.get(ctx, "/api/v1/session/menu")

	// Round one: ask for the salts.
	env, err := c.postForm(ctx, "/api/v1/session/login", url.Values{
		"username": {c.username},
		"password": {seekSaltSentinel},
	})
	if err != nil {
		return fmt.Errorf("salt request: %w", err)
	}
	if env.Error != "ok" {
		return fmt.Errorf("salt request rejected: %s", env.Message)
	}

	var salts struct {
		Salt      string `json:"salt"`
		SaltWebUI string `json:"saltwebui"`
	}
	// The salts ride at the top level on some firmware versions and
	// under data on others; try both.
	if err := json.Unmarshal(env.Data, &salts); err != nil || salts.Salt == "" {
		if err := json.Unmarshal(env.raw, &salts); err != nil {
			return fmt.Errorf("parse salts: %w", err)
		}
	}

	finalPassword := c.password
	if salts.Salt != "none" {
		finalPassword = pbkdf2Hex(pbkdf2Hex(c.password, salts.Salt), salts.SaltWebUI)
	}

	env, err = c.postForm(ctx, "/api/v1/session/login", url.Values{
		"username": {c.username},
		"password": {finalPassword},
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if env.Error != "ok" {
		return fmt.Errorf("login rejected: %s", env.Message)
	}

	// The auth cookie doubles as the CSRF token for write calls.
	if u, err := url.Parse(c.baseURL); err == nil && c.http.Jar != nil {
		for _, cookie := range c.http.Jar.Cookies(u) {
			if cookie.Name == "auth" {
				c.csrf = cookie.Value
			}
		}
	}

	// Activate the session.
	if err := c.get(ctx, "/api/v1/session/menu"); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}

	c.loggedIn = true
	c.logger.Info("router session established", "url", c.baseURL)
	return nil
}

// Logout releases the router session. Best effort.
func (c *Client) Logout(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return
	}
	if _, err := c.postForm(ctx, "/api/v1/session/logout", url.Values{}); err != nil {
		c.logger.Debug("router logout failed", "error", err)
	}
	c.loggedIn = false
	c.csrf = ""
}

// hostRow is one raw host table entry.
type hostRow struct {
	PhysAddress     string `json:"physaddress"`
	IPAddress       string `json:"ipaddress"`
	Hostname        string `json:"hostname"`
	Active          string `json:"active"` // "true"/"false" as strings
	Layer1Interface string `json:"layer1interface"`
}

// Hosts fetches the router's host table. An expired session is
// re-established once before giving up.
func (c *Client) Hosts(ctx context.Context) ([]Host, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := c.apiGetLocked(ctx, "/api/v1/host")
	if err != nil {
		return nil, err
	}

	var table struct {
		HostTbl []hostRow `json:"hostTbl"`
	}
	if err := json.Unmarshal(env.Data, &table); err != nil {
		return nil, fmt.Errorf("parse host table: %w", err)
	}

	hosts := make([]Host, 0, len(table.HostTbl))
	for _, row := range table.HostTbl {
		mac := strings.ToUpper(row.PhysAddress)
		if mac == "" {
			continue
		}
		hosts = append(hosts, Host{
			MAC:        mac,
			IP:         row.IPAddress,
			Hostname:   row.Hostname,
			Name:       displayName(row.Hostname, mac),
			Connection: connectionKind(row.Layer1Interface),
			Active:     row.Active == "true",
		})
	}
	return hosts, nil
}

// ProbeAll implements the monitor's reachability source over the host
// table: each configured MAC gets one sample per round, true when the
// router reports the device active. A failed fetch yields an
// all-false snapshot — a probe failure is a miss, never a skipped
// sample.
func (c *Client) ProbeAll(ctx context.Context, macs []string) map[string]bool {
	results := make(map[string]bool, len(macs))
	for _, mac := range macs {
		results[mac] = false
	}

	hosts, err := c.Hosts(ctx)
	if err != nil {
		c.logger.Warn("router probe failed, counting all devices as misses", "error", err)
		return results
	}

	active := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		if h.Active {
			active[strings.ToLower(h.MAC)] = true
		}
	}
	for _, mac := range macs {
		results[mac] = active[strings.ToLower(mac)]
	}
	return results
}

// apiGetLocked performs an authenticated GET, logging in (or once
// re-logging-in on an expired session) as needed. Caller holds c.mu.
func (c *Client) apiGetLocked(ctx context.Context, path string) (*envelope, error) {
	if !c.loggedIn {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}

	env, err := c.getEnvelope(ctx, path)
	if err == nil && env.Error == "ok" {
		return env, nil
	}

	// Session likely expired — one re-login attempt.
	c.logger.Debug("router call failed, re-establishing session", "path", path, "error", err)
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	env, err = c.getEnvelope(ctx, path)
	if err != nil {
		return nil, err
	}
	if env.Error != "ok" {
		return nil, fmt.Errorf("router %s: %s", path, env.Message)
	}
	return env, nil
}

// apiPostLocked performs an authenticated form POST with the same
// session handling as apiGetLocked. Caller holds c.mu.
func (c *Client) apiPostLocked(ctx context.Context, path string, form url.Values) (*envelope, error) {
	if !c.loggedIn {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}

	env, err := c.postForm(ctx, path, form)
	if err == nil && env.Error == "ok" {
		return env, nil
	}

	c.logger.Debug("router write failed, re-establishing session", "path", path, "error", err)
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	env, err = c.postForm(ctx, path, form)
	if err != nil {
		return nil, err
	}
	if env.Error != "ok" {
		return nil, fmt.Errorf("router %s: %s", path, env.Message)
	}
	return env, nil
}

// --- HTTP plumbing ---

func (c *Client) newRequest(ctx context.Context, method, path string, body *strings.Reader) (*http.Request, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", c.baseURL+"/")
	if c.csrf != "" {
		req.Header.Set("X-CSRF-TOKEN", c.csrf)
	}
	return req, nil
}

// get fetches a path for its session side effects, discarding the body.
func (c *Client) get(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("router %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// getEnvelope fetches a path and decodes the standard envelope.
func (c *Client) getEnvelope(ctx context.Context, path string) (*envelope, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return c.doEnvelope(req, path)
}

// postForm sends an urlencoded form and decodes the envelope.
func (c *Client) postForm(ctx context.Context, path string, form url.Values) (*envelope, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.doEnvelope(req, path)
}

func (c *Client) doEnvelope(req *http.Request, path string) (*envelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64<<10)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("router %s: status %d: %s", path, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var buf json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&buf); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	env := &envelope{}
	if err := json.Unmarshal(buf, env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	env.raw = buf

	c.logger.Log(req.Context(), config.LevelTrace, "router api response",
		"path", path,
		"payload", string(buf),
	)
	return env, nil
}

// displayName prefers the hostname unless it is empty or just the MAC
// with the colons stripped (the firmware's placeholder for unnamed
// devices).
func displayName(hostname, mac string) string {
	bare := strings.ToLower(strings.ReplaceAll(mac, ":", ""))
	if hostname == "" || strings.ToLower(hostname) == bare {
		return mac
	}
	return hostname
}

// connectionKind maps the firmware's layer1interface strings to
// something readable.
func connectionKind(iface string) string {
	iface = strings.ToLower(iface)
	switch {
	case strings.Contains(iface, "wifi") && strings.Contains(iface, "ssid.1"):
		return "WiFi 2.4G"
	case strings.Contains(iface, "wifi") && strings.Contains(iface, "ssid.2"):
		return "WiFi 5G"
	case strings.Contains(iface, "wifi"):
		return "WiFi"
	case strings.Contains(iface, "ethernet"):
		return "Ethernet"
	default:
		return "Unknown"
	}
}
