package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const DefaultControlTimeout = 2 * time.Second

// Client talks to the engine's external controller API.
type Client struct {
	ep   *EndpointRef
	http *http.Client
}

// NewClient creates a client for addr, which may be host:port or a URL.
func NewClient(addr, secret string, timeout time.Duration) *Client {
	return NewClientFor(NewEndpointRef(addr, secret), timeout)
}

// NewClientFor creates a client that resolves the controller through ep on
// every request.
func NewClientFor(ep *EndpointRef, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultControlTimeout
	}
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = timeout
	return &Client{ep: ep, http: hc}
}

// BaseURL returns the normalized controller URL.
func (c *Client) BaseURL() string { return c.ep.Load().URL() }

// Version returns the engine version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
		Meta    bool   `json:"meta"`
	}
	if err := c.do(ctx, http.MethodGet, "/version", &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// Healthy returns nil when GET /version answers 2xx.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/version", nil)
}

// Shutdown asks the engine to exit gracefully by deleting its running
// configuration. Callers still fall back to signals when the engine lingers.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/configs", nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	ep := c.ep.Load()
	req, err := http.NewRequestWithContext(ctx, method, ep.URL()+path, nil)
	if err != nil {
		return err
	}
	if ep.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+ep.Secret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s: status %d", ErrEngineUnreachable, method, path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
