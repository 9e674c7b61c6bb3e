package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/loykin/proxyvisor/internal/engine"
)

const DefaultHTTPTimeout = 2 * time.Second

// HTTPProbe issues GET URL and treats any 2xx answer as healthy. Connection
// errors, timeouts and other status codes are unhealthy without error.
// When Endpoint is set it takes precedence over URL and Secret and is read on
// every check.
type HTTPProbe struct {
	URL      string
	Secret   string
	Endpoint *engine.EndpointRef
	Timeout  time.Duration
	Client   *http.Client
}

// NewHTTPProbe probes http://<addr>/version, the engine's control endpoint.
func NewHTTPProbe(addr, secret string) *HTTPProbe {
	return &HTTPProbe{
		URL:     engine.Endpoint{Addr: addr}.URL() + "/version",
		Secret:  secret,
		Timeout: DefaultHTTPTimeout,
		Client:  cleanhttp.DefaultPooledClient(),
	}
}

// NewEndpointProbe probes the /version endpoint of whatever controller ep
// currently points at.
func NewEndpointProbe(ep *engine.EndpointRef) *HTTPProbe {
	return &HTTPProbe{
		Endpoint: ep,
		Timeout:  DefaultHTTPTimeout,
		Client:   cleanhttp.DefaultPooledClient(),
	}
}

func (p *HTTPProbe) target() (string, string) {
	if p.Endpoint != nil {
		ep := p.Endpoint.Load()
		return ep.URL() + "/version", ep.Secret
	}
	return p.URL, p.Secret
}

func (p *HTTPProbe) Alive(ctx context.Context) (bool, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	url, secret := p.target()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	c := p.Client
	if c == nil {
		c = cleanhttp.DefaultPooledClient()
	}
	resp, err := c.Do(req)
	if err != nil {
		return false, nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (p *HTTPProbe) Describe() string {
	url, _ := p.target()
	return "http:" + url
}
