package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/proxyvisor/internal/logger"
)

const (
	DefaultStartGrace  = 2 * time.Second
	DefaultStopTimeout = 5 * time.Second

	pollInterval   = 100 * time.Millisecond
	killWait       = 2 * time.Second
	stderrTailSize = 4096
)

// ProcessOptions configures a ProcessController.
type ProcessOptions struct {
	// Binary is an explicit engine path; empty searches Candidates.
	Binary string
	// ConfigDir is passed as -d and used as the working directory.
	ConfigDir string
	// ConfigPath is passed as -f.
	ConfigPath string
	PIDFile    string
	// Env replaces the inherited environment when non-nil.
	Env []string
	// Log receives the engine's stdout and stderr.
	Log         logger.FileConfig
	StartGrace  time.Duration
	StopTimeout time.Duration
	// Control enables graceful shutdown through the engine API before signals.
	Control *Client
	// KillStray stops engine processes this controller did not start, both
	// before Start and during Stop.
	KillStray bool
	Logger    *slog.Logger
}

// ProcessController runs the engine as a child process.
type ProcessController struct {
	opts   ProcessOptions
	logger *slog.Logger

	mu  sync.Mutex
	run *child
}

type child struct {
	cmd     *exec.Cmd
	binary  string
	done    chan struct{}
	exitErr error // valid once done is closed
	stderr  *tailBuffer
}

// NewProcessController applies defaults to opts.
func NewProcessController(opts ProcessOptions) *ProcessController {
	if opts.StartGrace < 0 {
		opts.StartGrace = 0
	} else if opts.StartGrace == 0 {
		opts.StartGrace = DefaultStartGrace
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.ConfigDir == "" && opts.ConfigPath != "" {
		opts.ConfigDir = filepath.Dir(opts.ConfigPath)
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &ProcessController{opts: opts, logger: l.With("controller", "process")}
}

func (c *ProcessController) Name() string { return "process" }

// PID returns the PID of the child started by this controller while it runs.
func (c *ProcessController) PID() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return 0, false
	}
	select {
	case <-c.run.done:
		return 0, false
	default:
		return c.run.cmd.Process.Pid, true
	}
}

// Start stops any previous engine, spawns a new one and waits StartGrace. An
// exit during the grace period is reported as ErrEarlyExit with the tail of
// the engine's stderr.
func (c *ProcessController) Start(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bin, err := LookupBinary(c.opts.Binary)
	if err != nil {
		return 0, err
	}
	if err := c.stopLocked(ctx); err != nil {
		c.logger.Warn("previous engine did not stop cleanly", "error", err)
	}
	if c.opts.KillStray {
		c.stopStray(ctx, bin)
	}

	var args []string
	if c.opts.ConfigDir != "" {
		args = append(args, "-d", c.opts.ConfigDir)
	}
	if c.opts.ConfigPath != "" {
		args = append(args, "-f", c.opts.ConfigPath)
	}
	// the engine must outlive ctx, so no CommandContext
	// #nosec G204
	cmd := exec.Command(bin, args...)
	cmd.Dir = c.opts.ConfigDir
	if c.opts.Env != nil {
		cmd.Env = c.opts.Env
	}
	configureSysProcAttr(cmd)

	r := &child{cmd: cmd, binary: bin, done: make(chan struct{}), stderr: newTailBuffer(stderrTailSize)}
	outW, errW, _ := c.opts.Log.Writers("mihomo")
	var closers []io.Closer
	if outW != nil {
		cmd.Stdout = outW
		closers = append(closers, outW)
	}
	if errW != nil {
		cmd.Stderr = io.MultiWriter(errW, r.stderr)
		closers = append(closers, errW)
	} else {
		cmd.Stderr = r.stderr
	}
	closeAll := func() {
		for _, cl := range closers {
			_ = cl.Close()
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		return 0, fmt.Errorf("start %s: %w", bin, err)
	}
	pid := cmd.Process.Pid
	go func() {
		r.exitErr = cmd.Wait()
		closeAll()
		close(r.done)
	}()
	c.logger.Info("engine spawned", "pid", pid, "binary", bin, "args", args)

	select {
	case <-r.done:
		return 0, fmt.Errorf("%w: %v: %s", ErrEarlyExit, r.exitErr, r.stderr.String())
	case <-ctx.Done():
		_ = killGroup(pid)
		<-r.done
		return 0, ctx.Err()
	case <-time.After(c.opts.StartGrace):
	}

	c.run = r
	if err := WritePIDFile(c.opts.PIDFile, pid, bin); err != nil {
		c.logger.Warn("write pidfile", "path", c.opts.PIDFile, "error", err)
	}
	return pid, nil
}

// Stop shuts down the engine: graceful API shutdown when configured, then
// SIGTERM to the process group, then SIGKILL after StopTimeout.
func (c *ProcessController) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.stopLocked(ctx)
	if c.opts.KillStray {
		if bin, lerr := LookupBinary(c.opts.Binary); lerr == nil {
			c.stopStray(ctx, bin)
		}
	}
	return err
}

func (c *ProcessController) stopLocked(ctx context.Context) error {
	r := c.run
	if r == nil {
		return nil
	}
	c.run = nil
	defer removePIDFile(c.opts.PIDFile)

	select {
	case <-r.done:
		return nil
	default:
	}
	pid := r.cmd.Process.Pid

	if c.opts.Control != nil {
		if err := c.opts.Control.Shutdown(ctx); err == nil {
			if waitDone(ctx, r.done, c.opts.StopTimeout) {
				c.logger.Info("engine stopped gracefully", "pid", pid)
				return nil
			}
			c.logger.Warn("engine ignored graceful shutdown", "pid", pid)
		}
	}
	_ = terminateGroup(pid)
	if waitDone(ctx, r.done, c.opts.StopTimeout) {
		c.logger.Info("engine stopped", "pid", pid)
		return nil
	}
	c.logger.Warn("engine did not exit after SIGTERM, killing", "pid", pid)
	_ = killGroup(pid)
	if waitDone(context.Background(), r.done, killWait) {
		return nil
	}
	return fmt.Errorf("engine pid %d did not exit", pid)
}

func (c *ProcessController) stopStray(ctx context.Context, bin string) {
	pids, err := FindRunning(ctx, bin)
	if err != nil {
		c.logger.Debug("scan for running engines", "error", err)
		return
	}
	for _, pid := range pids {
		c.logger.Info("stopping engine started elsewhere", "pid", pid)
		sctx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
		if err := terminatePID(sctx, pid); err != nil {
			c.logger.Warn("stop stray engine", "pid", pid, "error", err)
		}
		cancel()
	}
}

func waitDone(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return false
	}
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{n: n} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.mu.Unlock()
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
