package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/proxyvisor/internal/logger"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "proxyvisor.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	p := writeTOML(t, "[engine]\nconfig_dir = \""+dir+"\"\n")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, p, c.Source())

	assert.Equal(t, ControllerProcess, c.Engine.Controller)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), c.Engine.ConfigFile)
	assert.Equal(t, filepath.Join(dir, "mihomo.pid"), c.Engine.PIDFile)
	assert.Equal(t, ProbeHTTP, c.Engine.Probe)
	assert.Equal(t, 2*time.Second, c.Engine.StartGrace)
	assert.True(t, c.Engine.UseOSEnv)

	assert.Equal(t, filepath.Join(dir, "backups"), c.Store.BackupDir)
	assert.Equal(t, 5, c.Store.BackupKeep)
	assert.True(t, c.Store.Watch)

	assert.True(t, c.Supervisor.AutoRestart)
	assert.Equal(t, 3*time.Second, c.Supervisor.Interval)
	assert.Equal(t, 60*time.Second, c.Supervisor.Window)
	assert.Equal(t, 5, c.Supervisor.MaxAttempts)

	assert.Equal(t, "127.0.0.1:7899", c.Server.Listen)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.False(t, c.Server.TLS.Enabled)
	assert.Equal(t, filepath.Join(dir, "tls"), c.Server.TLS.Dir)
	assert.Equal(t, []string{"localhost", "127.0.0.1"}, c.Server.TLS.Hosts)
	assert.False(t, c.History.Enabled)
	assert.Equal(t, logger.LevelInfo, c.Log.Slog.Level)
	assert.Equal(t, filepath.Join(dir, "logs"), c.Log.File.Dir)
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	p := writeTOML(t, `
[engine]
controller = "systemd"
unit = "clash.service"
user_unit = true
config_dir = "`+dir+`"
config_file = "/srv/mihomo/main.yaml"
probe = "command"
probe_command = "pgrep mihomo"
env = ["A=1"]

[store]
backup_dir = "snapshots"
backup_keep = 3
lock_timeout = "750ms"

[supervisor]
interval = "1s"
window = "30s"
max_attempts = 2
grace = "0s"

[history]
enabled = true
sinks = ["sqlite:///tmp/h.db", "opensearch://localhost:9200/engine-events"]

[log.slog]
level = "debug"
format = "json"

[log.file]
dir = "/var/log/mihomo"
max_size_mb = 20
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, ControllerSystemd, c.Engine.Controller)
	assert.Equal(t, "clash.service", c.Engine.Unit)
	assert.True(t, c.Engine.UserUnit)
	assert.Equal(t, "/srv/mihomo/main.yaml", c.Engine.ConfigFile)
	assert.Equal(t, "pgrep mihomo", c.Engine.ProbeCommand)
	assert.Equal(t, []string{"A=1"}, c.Engine.Env)

	assert.Equal(t, filepath.Join(dir, "snapshots"), c.Store.BackupDir)
	assert.Equal(t, 3, c.Store.BackupKeep)
	assert.Equal(t, 750*time.Millisecond, c.Store.LockTimeout)

	assert.Equal(t, time.Second, c.Supervisor.Interval)
	assert.Equal(t, 2, c.Supervisor.MaxAttempts)
	assert.Zero(t, c.Supervisor.Grace)

	assert.True(t, c.History.Enabled)
	assert.Len(t, c.History.Sinks, 2)
	assert.Equal(t, logger.LevelDebug, c.Log.Slog.Level)
	assert.Equal(t, logger.FormatJSON, c.Log.Slog.Format)
	assert.Equal(t, "/var/log/mihomo", c.Log.File.Dir)
	assert.Equal(t, 20, c.Log.File.MaxSizeMB)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	p := writeTOML(t, "[engine]\nconfig_dir = \""+dir+"\"\n[server]\nlisten = \"127.0.0.1:1\"\n")
	t.Setenv("PROXYVISOR_SERVER_LISTEN", "0.0.0.0:9999")
	t.Setenv("PROXYVISOR_SUPERVISOR_MAX_ATTEMPTS", "9")
	t.Setenv("PROXYVISOR_SERVER_TOKEN", "s3cret")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", c.Server.Listen)
	assert.Equal(t, 9, c.Supervisor.MaxAttempts)
	assert.Equal(t, "s3cret", c.Server.Token)
}

func TestLoadValidation(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name   string
		engine string
		rest   string
	}{
		{name: "controller", engine: `controller = "docker"`},
		{name: "probe", engine: `probe = "icmp"`},
		{name: "probe command", engine: `probe = "command"`},
		{name: "keep", rest: "[store]\nbackup_keep = 0"},
		{name: "attempts", rest: "[supervisor]\nmax_attempts = -1"},
		{name: "base path", rest: "[server]\nbase_path = \"api\""},
		{name: "tls pair", rest: "[server.tls]\nenabled = true\ncert_file = \"a.crt\""},
		{name: "tls version", rest: "[server.tls]\nenabled = true\nmin_version = \"1.0\""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := "[engine]\nconfig_dir = \"" + dir + "\"\n" + tc.engine + "\n" + tc.rest + "\n"
			_, err := Load(writeTOML(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadMalformed(t *testing.T) {
	_, err := Load(writeTOML(t, "[engine\ncontroller ="))
	assert.Error(t, err)
}

func TestHomeDirHonorsSudoUser(t *testing.T) {
	if _, err := os.Stat("/etc/passwd"); err != nil {
		t.Skip("requires a unix user database")
	}
	t.Setenv("SUDO_USER", "proxyvisor-no-such-user")
	home, err := HomeDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/proxyvisor-no-such-user", home)

	dir, err := MihomoDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/proxyvisor-no-such-user/.config/mihomo", dir)

	t.Setenv("SUDO_USER", "root")
	home, err = HomeDir()
	require.NoError(t, err)
	want, _ := os.UserHomeDir()
	assert.Equal(t, want, home)
}

func TestExpandPath(t *testing.T) {
	t.Setenv("SUDO_USER", "")
	t.Setenv("PV_TEST_DIR", "/opt/x")
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, home+"/mihomo", ExpandPath("~/mihomo"))
	assert.Equal(t, "/opt/x/config.yaml", ExpandPath("${PV_TEST_DIR}/config.yaml"))
	assert.Equal(t, home+"/.config", ExpandPath("$HOME/.config"))
	assert.Equal(t, "/abs/path", ExpandPath("/abs/path"))
}
