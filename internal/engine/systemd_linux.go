//go:build linux

package engine

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

func (c *SystemdController) connect(ctx context.Context) (*dbus.Conn, error) {
	if c.User {
		return dbus.NewUserConnectionContext(ctx)
	}
	return dbus.NewSystemConnectionContext(ctx)
}

func (c *SystemdController) Start(ctx context.Context) (int, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return 0, fmt.Errorf("systemd connect: %w", err)
	}
	defer conn.Close()

	result := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, c.Unit, "replace", result); err != nil {
		return 0, fmt.Errorf("start unit %s: %w", c.Unit, err)
	}
	if err := waitJob(ctx, c.Unit, result); err != nil {
		return 0, err
	}
	prop, err := conn.GetUnitTypePropertyContext(ctx, c.Unit, "Service", "MainPID")
	if err != nil {
		return 0, fmt.Errorf("read MainPID of %s: %w", c.Unit, err)
	}
	pid, _ := prop.Value.Value().(uint32)
	if pid == 0 {
		return 0, fmt.Errorf("%w: unit %s has no main process", ErrEarlyExit, c.Unit)
	}
	c.logger().Info("engine unit started", "unit", c.Unit, "pid", pid)
	return int(pid), nil
}

func (c *SystemdController) Stop(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return fmt.Errorf("systemd connect: %w", err)
	}
	defer conn.Close()

	result := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, c.Unit, "replace", result); err != nil {
		return fmt.Errorf("stop unit %s: %w", c.Unit, err)
	}
	if err := waitJob(ctx, c.Unit, result); err != nil {
		return err
	}
	c.logger().Info("engine unit stopped", "unit", c.Unit)
	return nil
}

func waitJob(ctx context.Context, unit string, result <-chan string) error {
	select {
	case r := <-result:
		if r != "done" {
			return fmt.Errorf("systemd job for %s finished with %q", unit, r)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
