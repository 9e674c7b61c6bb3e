package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/proxyvisor/internal/engine"
	"github.com/loykin/proxyvisor/internal/events"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  []time.Duration
	onWait func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	hook := c.onWait
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedProbe answers from a fixed sequence, repeating the last value.
type scriptedProbe struct {
	mu  sync.Mutex
	seq []bool
	i   int
}

func (p *scriptedProbe) Alive(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.seq) == 0 {
		return false, nil
	}
	v := p.seq[min(p.i, len(p.seq)-1)]
	p.i++
	return v, nil
}

func (p *scriptedProbe) Describe() string { return "scripted" }

func (p *scriptedProbe) Set(v bool) {
	p.mu.Lock()
	p.seq = []bool{v}
	p.i = 0
	p.mu.Unlock()
}

type fakeController struct {
	starts   atomic.Int32
	stops    atomic.Int32
	startErr error
	nextPID  atomic.Int32
}

func (c *fakeController) Start(context.Context) (int, error) {
	c.starts.Add(1)
	if c.startErr != nil {
		return 0, c.startErr
	}
	return int(c.nextPID.Add(1)) + 1000, nil
}

func (c *fakeController) Stop(context.Context) error {
	c.stops.Add(1)
	return nil
}

func (c *fakeController) Name() string { return "fake" }

func newTestSupervisor(ctrl engine.Controller, p *scriptedProbe, clk *fakeClock, sink events.Sink) *Supervisor {
	return New(ctrl, p, Options{Clock: clk, Sink: sink, Grace: time.Second})
}

func TestFlapSuppression(t *testing.T) {
	rec := &events.Recorder{}
	p := &scriptedProbe{seq: []bool{true, true, false, false, true}}
	s := newTestSupervisor(&fakeController{}, p, newFakeClock(), rec)
	s.SetAutoRestart(false)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Tick(ctx)
	}

	evs := rec.OfKind(events.KindStatusChanged)
	require.Len(t, evs, 2)
	assert.Equal(t, events.StatusPayload{Running: false}, evs[0].Payload)
	assert.True(t, evs[1].Payload.(events.StatusPayload).Running)
}

func TestFirstObservationIsBaseline(t *testing.T) {
	rec := &events.Recorder{}
	p := &scriptedProbe{seq: []bool{false}}
	s := newTestSupervisor(&fakeController{}, p, newFakeClock(), rec)

	s.Tick(context.Background())
	assert.Empty(t, rec.Events())
	st := s.Status()
	assert.True(t, st.Observed)
	assert.False(t, st.Healthy)
}

func TestNeverStartedEngineIsNotRestarted(t *testing.T) {
	ctrl := &fakeController{}
	p := &scriptedProbe{seq: []bool{false}}
	s := newTestSupervisor(ctrl, p, newFakeClock(), nil)

	for i := 0; i < 3; i++ {
		s.Tick(context.Background())
	}
	assert.Zero(t, ctrl.starts.Load())
}

func TestRestartCeiling(t *testing.T) {
	ctrl := &fakeController{startErr: engine.ErrEarlyExit}
	p := &scriptedProbe{seq: []bool{false}}
	clk := newFakeClock()
	s := newTestSupervisor(ctrl, p, clk, nil)
	s.SetTrackedProcess(42)

	ctx := context.Background()
	// 20 ticks at the default 3s interval span 57s, inside one window
	for i := 0; i < 20; i++ {
		s.Tick(ctx)
		clk.Advance(DefaultInterval)
	}
	assert.Equal(t, int32(DefaultMaxAttempts), ctrl.starts.Load())
	assert.Equal(t, DefaultMaxAttempts, s.Status().RestartCount)

	// once the window since the last attempt has passed, attempts resume
	clk.Advance(DefaultWindow)
	s.Tick(ctx)
	assert.Equal(t, int32(DefaultMaxAttempts+1), ctrl.starts.Load())
	assert.Equal(t, 1, s.Status().RestartCount)
}

func TestRestartCeilingSlidingSpan(t *testing.T) {
	ctrl := &fakeController{startErr: errors.New("crash")}
	p := &scriptedProbe{seq: []bool{false}}
	clk := newFakeClock()
	s := newTestSupervisor(ctrl, p, clk, nil)
	s.SetTrackedProcess(42)

	ctx := context.Background()
	var attempts []time.Time
	for i := 0; i < 100; i++ {
		before := ctrl.starts.Load()
		s.Tick(ctx)
		if ctrl.starts.Load() > before {
			attempts = append(attempts, clk.Now())
		}
		clk.Advance(DefaultInterval)
	}
	require.NotEmpty(t, attempts)
	for i := range attempts {
		n := 0
		for j := i; j < len(attempts) && attempts[j].Sub(attempts[i]) <= DefaultWindow; j++ {
			n++
		}
		assert.LessOrEqual(t, n, DefaultMaxAttempts, "attempts in window starting at %v", attempts[i])
	}
}

func TestSuccessfulRestartResetsCounter(t *testing.T) {
	ctrl := &fakeController{}
	p := &scriptedProbe{seq: []bool{false}}
	clk := newFakeClock()
	s := newTestSupervisor(ctrl, p, clk, nil)
	s.SetTrackedProcess(42)

	s.Tick(context.Background())
	assert.Equal(t, int32(1), ctrl.starts.Load())
	st := s.Status()
	assert.Equal(t, 0, st.RestartCount)
	assert.Equal(t, 1001, st.PID)
	assert.Equal(t, []time.Duration{time.Second}, clk.slept)
}

func TestRecoveryResetsCounter(t *testing.T) {
	ctrl := &fakeController{startErr: errors.New("crash")}
	p := &scriptedProbe{seq: []bool{false}}
	clk := newFakeClock()
	s := newTestSupervisor(ctrl, p, clk, nil)
	s.SetTrackedProcess(42)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.Tick(ctx)
	}
	assert.Equal(t, 3, s.Status().RestartCount)

	p.Set(true)
	s.Tick(ctx)
	assert.Equal(t, 0, s.Status().RestartCount)
}

func TestManualStopSuppression(t *testing.T) {
	ctrl := &fakeController{}
	p := &scriptedProbe{seq: []bool{true}}
	s := newTestSupervisor(ctrl, p, newFakeClock(), nil)

	ctx := context.Background()
	s.Tick(ctx)
	assert.True(t, s.Status().Armed)

	s.ClearTrackedProcess()
	p.Set(false)
	s.Tick(ctx)
	s.Tick(ctx)
	assert.Zero(t, ctrl.starts.Load())

	// starting again through the supervisor re-arms it
	_, err := s.StartEngine(ctx)
	require.NoError(t, err)
	s.Tick(ctx)
	assert.Equal(t, int32(2), ctrl.starts.Load())
}

func TestStopDuringGraceAbandonsRestart(t *testing.T) {
	ctrl := &fakeController{}
	p := &scriptedProbe{seq: []bool{false}}
	clk := newFakeClock()
	s := newTestSupervisor(ctrl, p, clk, nil)
	s.SetTrackedProcess(42)
	clk.onWait = s.ClearTrackedProcess

	s.Tick(context.Background())
	assert.Zero(t, ctrl.starts.Load())
}

func TestAutoRestartDisabled(t *testing.T) {
	ctrl := &fakeController{}
	p := &scriptedProbe{seq: []bool{false}}
	s := newTestSupervisor(ctrl, p, newFakeClock(), nil)
	s.SetTrackedProcess(7)
	s.SetAutoRestart(false)
	assert.False(t, s.AutoRestart())

	s.Tick(context.Background())
	assert.Zero(t, ctrl.starts.Load())
	assert.Zero(t, s.Status().PID, "unhealthy tick clears the tracked pid")
}

func TestStartStopEngine(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestSupervisor(ctrl, &scriptedProbe{}, newFakeClock(), nil)
	ctx := context.Background()

	pid, err := s.StartEngine(ctx)
	require.NoError(t, err)
	st := s.Status()
	assert.Equal(t, pid, st.PID)
	assert.True(t, st.Armed)
	assert.Equal(t, "fake", st.Controller)
	assert.Equal(t, "scripted", st.Probe)

	require.NoError(t, s.StopEngine(ctx))
	st = s.Status()
	assert.Zero(t, st.PID)
	assert.False(t, st.Armed)
	assert.Equal(t, int32(1), ctrl.stops.Load())
}

func TestStartMonitoringIdempotent(t *testing.T) {
	p := &scriptedProbe{seq: []bool{true}}
	s := New(&fakeController{}, p, Options{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	s.StartMonitoring(ctx)
	s.StartMonitoring(ctx)
	assert.Eventually(t, func() bool { return s.Status().Healthy }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Status().Monitoring)

	cancel()
	assert.Eventually(t, func() bool { return !s.Status().Monitoring }, time.Second, 5*time.Millisecond)

	// a new context starts a fresh loop
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	s.StartMonitoring(ctx2)
	assert.Eventually(t, func() bool { return s.Status().Monitoring }, time.Second, 5*time.Millisecond)
}

func TestProbeErrorIsUnhealthy(t *testing.T) {
	s := New(&fakeController{}, errProbe{}, Options{Clock: newFakeClock(), Grace: -1})
	s.Tick(context.Background())
	assert.False(t, s.Status().Healthy)
}

type errProbe struct{}

func (errProbe) Alive(context.Context) (bool, error) { return false, errors.New("boom") }
func (errProbe) Describe() string                    { return "err" }
