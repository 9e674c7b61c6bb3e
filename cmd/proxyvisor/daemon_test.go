package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "proxyvisor.pid")

	require.NoError(t, writePidFile(pidFile, os.Getpid()))
	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(b))

	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, removePidFile(""))
}

func TestDaemonArgs(t *testing.T) {
	args := []string{"serve", "--daemonize", "--logfile", "/tmp/x.log", "--pidfile=/tmp/old.pid", "--config", "p.toml"}
	got := daemonArgs(args, "/run/proxyvisor.pid")
	assert.Equal(t, []string{"serve", "--config", "p.toml", "--pidfile", "/run/proxyvisor.pid"}, got)

	assert.Equal(t, []string{"serve"}, daemonArgs([]string{"serve", "--daemonize"}, ""))
}
