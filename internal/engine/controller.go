package engine

import (
	"context"
	"errors"
)

var (
	ErrBinaryNotFound    = errors.New("engine binary not found")
	ErrEarlyExit         = errors.New("engine exited during start grace")
	ErrEngineUnreachable = errors.New("engine control API unreachable")
	ErrNotRunning        = errors.New("engine not running")
)

// Controller starts and stops the engine. The supervisor only depends on this
// interface; implementations decide whether the engine is a child process or a
// service manager unit.
type Controller interface {
	// Start launches the engine and returns its PID once it survived the
	// start grace period.
	Start(ctx context.Context) (int, error)
	// Stop terminates the engine. Stopping an engine that is not running is
	// not an error.
	Stop(ctx context.Context) error
	// Name identifies the controller in logs and status output.
	Name() string
}
