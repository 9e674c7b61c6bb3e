package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncConfigWrite(true)
	IncConfigWrite(false)
	IncBackup()
	IncRestore()
	SetEngineHealthy(true)
	RecordHealthTransition(false)
	IncRestartAttempt(true)
	IncRestartCeiling()
	ObserveProbe(0.01)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"proxyvisor_config_writes_total":             false,
		"proxyvisor_config_backups_total":            false,
		"proxyvisor_config_restores_total":           false,
		"proxyvisor_engine_healthy":                  false,
		"proxyvisor_engine_health_transitions_total": false,
		"proxyvisor_engine_restart_attempts_total":   false,
		"proxyvisor_engine_restart_ceiling_total":    false,
		"proxyvisor_engine_probe_duration_seconds":   false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
	if got := testutil.ToFloat64(engineHealthy); got != 1 {
		t.Fatalf("engine healthy gauge = %v", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncConfigWrite(true)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "proxyvisor_config_writes_total") {
		t.Fatalf("metrics output missing writes_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncConfigWrite(true)
			IncRestartAttempt(false)
			SetEngineHealthy(i%2 == 0)
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncConfigWrite(true)
	IncBackup()
	IncRestore()
	SetEngineHealthy(false)
	RecordHealthTransition(true)
	IncRestartAttempt(true)
	IncRestartCeiling()
	ObserveProbe(1.0)
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{shouldError: true})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEngineCollectorSamplesSelf(t *testing.T) {
	c := NewEngineCollector(0, 3, nil)
	reg := prometheus.NewRegistry()
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		c.Collect(os.Getpid())
	}
	latest, ok := c.Latest()
	if !ok {
		t.Fatal("expected a sample")
	}
	if latest.PID != int32(os.Getpid()) || latest.MemoryRSS == 0 {
		t.Fatalf("unexpected sample: %+v", latest)
	}
	if h := c.History(); len(h) != 3 {
		t.Fatalf("history should be capped at 3, got %d", len(h))
	}
	if testutil.ToFloat64(c.memoryRSS) == 0 {
		t.Fatal("rss gauge not set")
	}

	c.Collect(0)
	if testutil.ToFloat64(c.memoryRSS) != 0 {
		t.Fatal("rss gauge should reset when the engine is gone")
	}
	if _, ok := c.Latest(); !ok {
		t.Fatal("history survives an engine stop")
	}
}

func TestEngineCollectorHistoryOrder(t *testing.T) {
	c := NewEngineCollector(0, 2, nil)
	if _, ok := c.Latest(); ok {
		t.Fatal("no sample expected yet")
	}
	pid := os.Getpid()
	c.Collect(pid)
	c.Collect(pid)
	c.Collect(pid)
	h := c.History()
	if len(h) != 2 || h[0].Timestamp.After(h[1].Timestamp) {
		t.Fatalf("history not oldest first: %+v", h)
	}
}

func TestEngineCollectorStartStop(t *testing.T) {
	c := NewEngineCollector(0, 0, nil)
	c.Start(t.Context(), func() int { return 0 })
	c.Stop()
	c.Stop()
}

// Custom registerer for testing error handling
type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
