package engine

import "log/slog"

// SystemdController delegates engine lifecycle to a systemd unit over D-Bus.
type SystemdController struct {
	Unit string
	// User selects the per-user service manager instead of the system one.
	User   bool
	Logger *slog.Logger
}

func (c *SystemdController) Name() string { return "systemd:" + c.Unit }

func (c *SystemdController) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
