package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/loykin/proxyvisor/internal/apitls"
)

// Client provides HTTP client functionality to communicate with the proxyvisor daemon
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Token is sent as a bearer token when the daemon requires one.
	Token  string
	Logger *slog.Logger // Optional logger for client operations
	// CACert is trusted for https URLs, e.g. the daemon's tls_ca.crt.
	CACert   string
	Insecure bool // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7899/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new proxyvisor API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = config.Timeout
	if config.CACert != "" || config.Insecure {
		tc, err := apitls.ClientConfig(config.CACert, "", config.Insecure)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else if tr, ok := hc.Transport.(*http.Transport); ok {
			tr.TLSClientConfig = tc
		}
	}
	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		logger:  config.Logger,
		client:  hc,
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// GetConfig returns the engine configuration document.
func (c *Client) GetConfig(ctx context.Context) (map[string]any, error) {
	var doc map[string]any
	if err := c.do(ctx, http.MethodGet, "/config", nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// GetConfigYAML returns the engine configuration rendered as YAML.
func (c *Client) GetConfigYAML(ctx context.Context) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/config?format=yaml", nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

// PutConfig replaces the engine configuration.
func (c *Client) PutConfig(ctx context.Context, doc map[string]any) error {
	c.logger.Debug("Replacing config", "keys", len(doc))
	return c.do(ctx, http.MethodPut, "/config", doc, nil)
}

// PutConfigYAML replaces the engine configuration with a raw YAML document.
func (c *Client) PutConfigYAML(ctx context.Context, data []byte) error {
	req, err := c.newRequest(ctx, http.MethodPut, "/config", bytes.NewReader(data), "application/yaml")
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// PatchConfig merges patch into the top level of the configuration. A nil
// value removes the key. The merged document is returned.
func (c *Client) PatchConfig(ctx context.Context, patch map[string]any) (map[string]any, error) {
	var doc map[string]any
	if err := c.do(ctx, http.MethodPatch, "/config", patch, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ConfigLocation reports the configuration and backup paths.
func (c *Client) ConfigLocation(ctx context.Context) (ConfigLocation, error) {
	var out ConfigLocation
	err := c.do(ctx, http.MethodGet, "/config/path", nil, &out)
	return out, err
}

// ListBackups returns backups newest first.
func (c *Client) ListBackups(ctx context.Context) ([]Backup, error) {
	var out []Backup
	if err := c.do(ctx, http.MethodGet, "/backups", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateBackup snapshots the current configuration.
func (c *Client) CreateBackup(ctx context.Context, label string) (string, error) {
	var out idResponse
	err := c.do(ctx, http.MethodPost, "/backups", labelRequest{Label: label}, &out)
	return out.ID, err
}

// RestoreBackup installs backup id as the live configuration.
func (c *Client) RestoreBackup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/backups/"+url.PathEscape(id)+"/restore", nil, nil)
}

// RenameBackup relabels backup id and returns its new id.
func (c *Client) RenameBackup(ctx context.Context, id, label string) (string, error) {
	var out idResponse
	err := c.do(ctx, http.MethodPost, "/backups/"+url.PathEscape(id)+"/rename", labelRequest{Label: label}, &out)
	return out.ID, err
}

// DeleteBackup removes backup id.
func (c *Client) DeleteBackup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/backups/"+url.PathEscape(id), nil, nil)
}

// Status returns the engine status.
func (c *Client) Status(ctx context.Context) (EngineStatus, error) {
	var out EngineStatus
	err := c.do(ctx, http.MethodGet, "/engine/status", nil, &out)
	return out, err
}

// Version asks the running engine for its version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out versionResponse
	err := c.do(ctx, http.MethodGet, "/engine/version", nil, &out)
	return out.Version, err
}

// Resources returns engine CPU and memory samples. The daemon answers 404
// when metrics are disabled.
func (c *Client) Resources(ctx context.Context) (EngineResources, error) {
	var out EngineResources
	err := c.do(ctx, http.MethodGet, "/engine/resources", nil, &out)
	return out, err
}

// Start starts the engine and returns its pid.
func (c *Client) Start(ctx context.Context) (int, error) {
	var out pidResponse
	err := c.do(ctx, http.MethodPost, "/engine/start", nil, &out)
	return out.PID, err
}

// Stop stops the engine. The daemon will not restart it until started again.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/engine/stop", nil, nil)
}

// Check runs one health check immediately and returns the resulting status.
func (c *Client) Check(ctx context.Context) (EngineStatus, error) {
	var out EngineStatus
	err := c.do(ctx, http.MethodPost, "/engine/check", nil, &out)
	return out, err
}

// SetAutoRestart toggles automatic restarts.
func (c *Client) SetAutoRestart(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/engine/auto-restart", autoRestartRequest{Enabled: enabled}, nil)
}

// do performs a JSON request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	ct := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		ct = "application/json"
	}
	req, err := c.newRequest(ctx, method, path, body, ct)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// send performs req and turns non-2xx answers into *APIError. The caller
// closes the body of a successful response.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", req.URL.String())
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, c.handleErrorResponse(resp)
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		apiErr.Code = http.StatusText(resp.StatusCode)
		return apiErr
	}
	apiErr.Code = errorResp.Error
	apiErr.Message = errorResp.Message
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return apiErr
}
