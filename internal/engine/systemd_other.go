//go:build !linux

package engine

import (
	"context"
	"errors"
)

var errNoSystemd = errors.New("systemd is only available on linux")

func (c *SystemdController) Start(context.Context) (int, error) { return 0, errNoSystemd }
func (c *SystemdController) Stop(context.Context) error         { return errNoSystemd }
