package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/proxyvisor/internal/apitls"
	"github.com/loykin/proxyvisor/internal/config"
	"github.com/loykin/proxyvisor/internal/configstore"
	"github.com/loykin/proxyvisor/internal/engine"
	"github.com/loykin/proxyvisor/internal/events"
	"github.com/loykin/proxyvisor/internal/supervisor"
	"github.com/loykin/proxyvisor/pkg/client"
)

func writeDaemonConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "proxyvisor.toml")
	content := fmt.Sprintf(`
[engine]
config_dir = %q
binary = %q
kill_stray = false
probe = "command"
probe_command = "false"

[store]
watch = true
watch_debounce = "50ms"

[supervisor]
enabled = true
interval = "50ms"
auto_restart = false

[server]
listen = "127.0.0.1:0"
base_path = "/api"

[metrics]
enabled = true

[history]
enabled = true
sinks = [%q]

[log.slog]
level = "error"
color = false
`, dir, filepath.Join(dir, "no-such-mihomo"), "sqlite://"+filepath.Join(dir, "history.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDaemonServesAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	cfg, err := config.Load(writeDaemonConfig(t, dir))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, err := newDaemon(ctx, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	base := "http://" + d.Addr() + "/api"
	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		return resp
	}

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	// the default document is written on first start
	resp := get("/config")
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	_ = resp.Body.Close()
	assert.Equal(t, float64(7890), doc["mixed-port"])
	_, err = os.Stat(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	resp = get("/metrics")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp := get("/engine/status")
		defer func() { _ = resp.Body.Close() }()
		var st struct {
			Observed   bool `json:"observed"`
			Monitoring bool `json:"monitoring"`
		}
		return json.NewDecoder(resp.Body).Decode(&st) == nil && st.Observed && st.Monitoring
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestDaemonServesTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	cfg, err := config.Load(writeDaemonConfig(t, dir))
	require.NoError(t, err)
	cfg.Store.Watch = false
	cfg.Server.TLS.Enabled = true

	ctx, cancel := context.WithCancel(context.Background())
	d, err := newDaemon(ctx, cfg)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	cl := client.New(client.Config{
		BaseURL: "https://" + d.Addr() + "/api",
		CACert:  apitls.CAPath(cfg.Server.TLS),
	})
	require.Eventually(t, func() bool { return cl.IsReachable(ctx) }, 5*time.Second, 20*time.Millisecond)

	loc, err := cl.ConfigLocation(ctx)
	require.NoError(t, err)
	assert.True(t, loc.Exists)

	plain := client.New(client.Config{BaseURL: "https://" + d.Addr() + "/api"})
	assert.False(t, plain.IsReachable(ctx))
}

func TestNewDaemonRejectsBadSink(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeDaemonConfig(t, dir))
	require.NoError(t, err)
	cfg.History.Sinks = []string{"clickhouse://127.0.0.1:1"}

	_, err = newDaemon(context.Background(), cfg)
	assert.Error(t, err)
}

func TestBuildProbe(t *testing.T) {
	cfg := &config.Config{}
	cfg.Engine.PIDFile = "/run/mihomo.pid"
	endpoint := engine.NewEndpointRef("127.0.0.1:9999", "")

	for _, tc := range []struct{ kind, want string }{
		{config.ProbeHTTP, "http:http://127.0.0.1:9999/version"},
		{config.ProbePIDFile, "pidfile:/run/mihomo.pid"},
		{config.ProbeAny, "any(http:http://127.0.0.1:9999/version,pidfile:/run/mihomo.pid)"},
	} {
		cfg.Engine.Probe = tc.kind
		assert.Equal(t, tc.want, buildProbe(cfg, endpoint).Describe(), tc.kind)
	}
}

type idleController struct{}

func (idleController) Start(context.Context) (int, error) { return 0, nil }
func (idleController) Stop(context.Context) error         { return nil }
func (idleController) Name() string                       { return "idle" }

func TestHealthCheckFollowsControllerChange(t *testing.T) {
	var oldHits, newHits atomic.Int32
	oldCtl := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		oldHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer oldCtl.Close()
	newCtl := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		newHits.Add(1)
		if r.Header.Get("Authorization") != "Bearer moved" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer newCtl.Close()

	ctx := context.Background()
	hub := events.NewHub(nil)
	defer func() { _ = hub.Close() }()
	store := configstore.New(filepath.Join(t.TempDir(), "config.yaml"), configstore.Options{Sink: hub})
	require.NoError(t, store.Write(ctx, configstore.Document{"external-controller": oldCtl.URL}))

	endpoint := engine.NewEndpointRef(oldCtl.URL, "")
	hub.Subscribe(followController(store, endpoint, slog.Default()))
	cfg := &config.Config{}
	cfg.Engine.Probe = config.ProbeHTTP
	sup := supervisor.New(idleController{}, buildProbe(cfg, endpoint), supervisor.Options{Grace: -1})
	sup.Tick(ctx)
	assert.Equal(t, int32(1), oldHits.Load())

	require.NoError(t, store.Update(ctx, func(d configstore.Document) error {
		d["external-controller"] = newCtl.URL
		d["secret"] = "moved"
		return nil
	}))
	require.Eventually(t, func() bool { return endpoint.Load().Addr == newCtl.URL }, 2*time.Second, 10*time.Millisecond)

	sup.Tick(ctx)
	assert.Equal(t, int32(1), newHits.Load())
	assert.Equal(t, int32(1), oldHits.Load())
	assert.True(t, sup.Status().Healthy)
}

func TestSinkName(t *testing.T) {
	assert.Equal(t, "postgres", sinkName("postgres://user:secret@db/ops"))
	assert.Equal(t, "clickhouse", sinkName("ClickHouse://ch:9000"))
	assert.Equal(t, "sqlite", sinkName("/var/lib/proxyvisor/history.db"))
}
