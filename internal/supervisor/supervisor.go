package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/proxyvisor/internal/engine"
	"github.com/loykin/proxyvisor/internal/events"
	"github.com/loykin/proxyvisor/internal/metrics"
	"github.com/loykin/proxyvisor/internal/probe"
)

const (
	DefaultInterval     = 3 * time.Second
	DefaultProbeTimeout = 2 * time.Second
	DefaultWindow       = 60 * time.Second
	DefaultMaxAttempts  = 5
	DefaultGrace        = 2 * time.Second
)

// Clock abstracts time so tests can drive the restart window.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Options configures a Supervisor. Zero values select defaults; a negative
// Grace disables the pre-restart wait.
type Options struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Window       time.Duration
	MaxAttempts  int
	Grace        time.Duration
	Clock        Clock
	Sink         events.Sink
	Logger       *slog.Logger
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Monitoring   bool      `json:"monitoring"`
	Observed     bool      `json:"observed"`
	Healthy      bool      `json:"healthy"`
	PID          int       `json:"pid,omitempty"`
	AutoRestart  bool      `json:"auto_restart"`
	Armed        bool      `json:"armed"`
	RestartCount int       `json:"restart_count"`
	WindowStart  time.Time `json:"window_start,omitempty"`
	LastCheck    time.Time `json:"last_check,omitempty"`
	Controller   string    `json:"controller"`
	Probe        string    `json:"probe"`
}

// Supervisor polls engine health and restarts the engine within a bounded
// number of attempts per window.
//
// Restarts only happen while the supervisor is armed. SetTrackedProcess and
// any healthy observation arm it; ClearTrackedProcess disarms it, so an engine
// the user stopped on purpose is not brought back by the next unhealthy tick.
type Supervisor struct {
	ctrl   engine.Controller
	probe  probe.Probe
	sink   events.Sink
	logger *slog.Logger
	clock  Clock

	interval     time.Duration
	probeTimeout time.Duration
	window       time.Duration
	maxAttempts  int
	grace        time.Duration

	// tickMu serialises ticks with StartEngine/StopEngine.
	tickMu sync.Mutex

	mu            sync.Mutex
	pid           int
	autoRestart   bool
	monitoring    bool
	observed      bool
	lastHealthy   bool
	armed         bool
	restartCount  int
	windowStart   time.Time
	lastCheck     time.Time
	ceilingLogged bool
}

// New creates a supervisor for ctrl using p as the health probe. Auto-restart
// starts enabled.
func New(ctrl engine.Controller, p probe.Probe, opts Options) *Supervisor {
	s := &Supervisor{
		ctrl:         ctrl,
		probe:        p,
		sink:         opts.Sink,
		logger:       opts.Logger,
		clock:        opts.Clock,
		interval:     opts.Interval,
		probeTimeout: opts.ProbeTimeout,
		window:       opts.Window,
		maxAttempts:  opts.MaxAttempts,
		grace:        opts.Grace,
		autoRestart:  true,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = DefaultProbeTimeout
	}
	if s.window <= 0 {
		s.window = DefaultWindow
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.grace == 0 {
		s.grace = DefaultGrace
	}
	return s
}

// StartMonitoring launches the poll loop. Calling it while the loop runs is
// a no-op. The loop stops when ctx is cancelled.
func (s *Supervisor) StartMonitoring(ctx context.Context) {
	s.mu.Lock()
	if s.monitoring {
		s.mu.Unlock()
		s.logger.Warn("supervisor already monitoring")
		return
	}
	s.monitoring = true
	s.mu.Unlock()

	s.logger.Info("supervisor monitoring started",
		"interval", s.interval, "probe", s.probe.Describe(), "controller", s.ctrl.Name())
	go s.run(ctx)
}

func (s *Supervisor) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.monitoring = false
		s.mu.Unlock()
		s.logger.Info("supervisor monitoring stopped")
	}()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Tick performs one poll: probe, edge-triggered notification, and a restart
// attempt when unhealthy. Ticks never overlap.
func (s *Supervisor) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	healthy := s.check(ctx)
	now := s.clock.Now()

	s.mu.Lock()
	first := !s.observed
	changed := !first && healthy != s.lastHealthy
	s.observed = true
	s.lastHealthy = healthy
	s.lastCheck = now
	if healthy {
		s.armed = true
		if changed {
			s.restartCount = 0
			s.ceilingLogged = false
		}
	} else {
		s.pid = 0
	}
	pid := s.pid
	s.mu.Unlock()

	metrics.SetEngineHealthy(healthy)
	if changed {
		metrics.RecordHealthTransition(healthy)
		if healthy {
			s.logger.Info("engine healthy", "pid", pid)
		} else {
			s.logger.Warn("engine unhealthy")
		}
		events.Emit(ctx, s.sink, s.logger, events.StatusChanged(healthy, pid, now))
	} else if first {
		s.logger.Info("engine initial state", "healthy", healthy)
	}

	if !healthy {
		s.maybeRestart(ctx)
	}
}

func (s *Supervisor) check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	start := time.Now()
	ok, err := s.probe.Alive(pctx)
	metrics.ObserveProbe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Debug("health probe failed", "probe", s.probe.Describe(), "error", err)
		return false
	}
	return ok
}

// maybeRestart applies the sliding-window policy. Caller holds tickMu.
func (s *Supervisor) maybeRestart(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	if !s.autoRestart || !s.armed {
		s.mu.Unlock()
		return
	}
	if !s.windowStart.IsZero() && now.Sub(s.windowStart) > s.window {
		s.restartCount = 0
		s.ceilingLogged = false
	}
	if s.restartCount >= s.maxAttempts {
		logIt := !s.ceilingLogged
		s.ceilingLogged = true
		s.mu.Unlock()
		if logIt {
			metrics.IncRestartCeiling()
			s.logger.Error("restart ceiling reached, not restarting engine",
				"max_attempts", s.maxAttempts, "window", s.window)
		}
		return
	}
	s.restartCount++
	s.windowStart = now
	attempt := s.restartCount
	s.mu.Unlock()

	s.logger.Info("restarting engine", "attempt", attempt, "max_attempts", s.maxAttempts)
	if s.grace > 0 {
		if err := s.clock.Sleep(ctx, s.grace); err != nil {
			return
		}
	}

	// a manual stop during the grace period wins
	s.mu.Lock()
	abort := !s.autoRestart || !s.armed
	s.mu.Unlock()
	if abort {
		s.logger.Info("restart abandoned, engine stopped by user")
		return
	}

	pid, err := s.ctrl.Start(ctx)
	metrics.IncRestartAttempt(err == nil)
	if err != nil {
		s.logger.Error("engine restart failed", "attempt", attempt, "error", err)
		return
	}
	s.mu.Lock()
	s.pid = pid
	s.restartCount = 0
	s.ceilingLogged = false
	s.mu.Unlock()
	s.logger.Info("engine restarted", "pid", pid)
}

// SetAutoRestart enables or disables automatic restarts.
func (s *Supervisor) SetAutoRestart(enabled bool) {
	s.mu.Lock()
	s.autoRestart = enabled
	s.mu.Unlock()
	s.logger.Info("auto-restart set", "enabled", enabled)
}

// AutoRestart reports whether automatic restarts are enabled.
func (s *Supervisor) AutoRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRestart
}

// SetTrackedProcess records an engine started by the owning layer and arms
// the supervisor.
func (s *Supervisor) SetTrackedProcess(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.armed = true
	s.restartCount = 0
	s.ceilingLogged = false
	s.mu.Unlock()
}

// ClearTrackedProcess records a user-initiated stop. The supervisor stays
// disarmed until the engine is started again or observed healthy.
func (s *Supervisor) ClearTrackedProcess() {
	s.mu.Lock()
	s.pid = 0
	s.armed = false
	s.mu.Unlock()
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Monitoring:   s.monitoring,
		Observed:     s.observed,
		Healthy:      s.lastHealthy,
		PID:          s.pid,
		AutoRestart:  s.autoRestart,
		Armed:        s.armed,
		RestartCount: s.restartCount,
		WindowStart:  s.windowStart,
		LastCheck:    s.lastCheck,
		Controller:   s.ctrl.Name(),
		Probe:        s.probe.Describe(),
	}
}

// StartEngine starts the engine on behalf of a user and tracks it.
func (s *Supervisor) StartEngine(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	pid, err := s.ctrl.Start(ctx)
	if err != nil {
		return 0, err
	}
	s.SetTrackedProcess(pid)
	s.logger.Info("engine started", "pid", pid, "controller", s.ctrl.Name())
	return pid, nil
}

// StopEngine stops the engine on behalf of a user. The supervisor is disarmed
// before waiting for any in-flight tick, so a pending restart is abandoned.
func (s *Supervisor) StopEngine(ctx context.Context) error {
	s.ClearTrackedProcess()
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	// an in-flight restart may have re-tracked a process; the user wins
	s.ClearTrackedProcess()
	if err := s.ctrl.Stop(ctx); err != nil {
		return err
	}
	s.logger.Info("engine stopped", "controller", s.ctrl.Name())
	return nil
}
