package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientVersionAndSecret(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/version" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"meta":true,"version":"v1.18.0"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret", time.Second)
	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.18.0", v)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.NoError(t, c.Healthy(context.Background()))
}

func TestClientUnhealthyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "", time.Second).Healthy(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnreachable)
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	err := NewClient(addr, "", 200*time.Millisecond).Healthy(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnreachable)
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	err := NewClient(srv.URL, "", 100*time.Millisecond).Healthy(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnreachable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClientShutdownUsesDeleteConfigs(t *testing.T) {
	var method, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL, "", time.Second).Shutdown(context.Background()))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/configs", path)
}

func TestNewClientNormalizesAddress(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9090", NewClient("127.0.0.1:9090", "", 0).BaseURL())
	assert.Equal(t, "https://ctl.local", NewClient("https://ctl.local/", "", 0).BaseURL())
}

func TestClientFollowsEndpointRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer rotated" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ref := NewEndpointRef("127.0.0.1:1", "")
	c := NewClientFor(ref, 200*time.Millisecond)
	assert.ErrorIs(t, c.Healthy(context.Background()), ErrEngineUnreachable)

	assert.True(t, ref.Set(Endpoint{Addr: srv.URL, Secret: "rotated"}))
	assert.False(t, ref.Set(Endpoint{Addr: srv.URL, Secret: "rotated"}))
	assert.Equal(t, srv.URL, c.BaseURL())
	assert.NoError(t, c.Healthy(context.Background()))
}
