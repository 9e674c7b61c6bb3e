package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/proxyvisor/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. PROXYVISOR_SERVER_LISTEN.
const EnvPrefix = "PROXYVISOR"

const (
	ControllerProcess = "process"
	ControllerSystemd = "systemd"

	ProbeHTTP    = "http"
	ProbePIDFile = "pidfile"
	ProbeCommand = "command"
	// ProbeAny is healthy when either the control API or the pidfile says so.
	ProbeAny = "any"
)

// Config is the daemon's own settings file (TOML). The engine configuration
// it manages is a separate YAML document owned by configstore.
type Config struct {
	Engine     EngineConfig     `mapstructure:"engine"`
	Store      StoreConfig      `mapstructure:"store"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Server     ServerConfig     `mapstructure:"server"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        logger.Config    `mapstructure:"log"`

	// source is the file that was read, empty when only defaults apply.
	source string
}

type EngineConfig struct {
	// Controller is "process" (child of the daemon) or "systemd".
	Controller  string        `mapstructure:"controller"`
	Binary      string        `mapstructure:"binary"`
	ConfigDir   string        `mapstructure:"config_dir"`
	ConfigFile  string        `mapstructure:"config_file"`
	PIDFile     string        `mapstructure:"pidfile"`
	StartGrace  time.Duration `mapstructure:"start_grace"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	KillStray   bool          `mapstructure:"kill_stray"`
	// Unit and UserUnit select the systemd unit when Controller is "systemd".
	Unit     string `mapstructure:"unit"`
	UserUnit bool   `mapstructure:"user_unit"`
	// Probe is "http", "pidfile", "command" or "any".
	Probe        string `mapstructure:"probe"`
	ProbeCommand string `mapstructure:"probe_command"`
	// Env, EnvFiles and UseOSEnv compose the engine's environment.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
}

type StoreConfig struct {
	BackupDir   string        `mapstructure:"backup_dir"`
	BackupKeep  int           `mapstructure:"backup_keep"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	// Watch reports edits made by other programs as configChanged events.
	Watch         bool          `mapstructure:"watch"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
	// CreateDefault writes a starter config when none exists.
	CreateDefault bool `mapstructure:"create_default"`
}

type SupervisorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	AutoRestart  bool          `mapstructure:"auto_restart"`
	Interval     time.Duration `mapstructure:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	Window       time.Duration `mapstructure:"window"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Grace        time.Duration `mapstructure:"grace"`
	// StartOnBoot starts the engine when the daemon starts.
	StartOnBoot bool `mapstructure:"start_on_boot"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// Token, when set, is required as a bearer token on every request.
	Token string    `mapstructure:"token"`
	TLS   TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. CertFile and KeyFile take precedence;
// otherwise tls.crt and tls.key are read from Dir and, with AutoGenerate,
// created there as a self-signed pair on first start.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"`
	ValidDays    int      `mapstructure:"valid_days"`
	// MinVersion is "1.2" or "1.3".
	MinVersion string `mapstructure:"min_version"`
}

type HistoryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Sinks   []string      `mapstructure:"sinks"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// SampleInterval and HistorySize control engine CPU and memory sampling.
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	HistorySize    int           `mapstructure:"history_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.controller", ControllerProcess)
	v.SetDefault("engine.config_file", "config.yaml")
	v.SetDefault("engine.pidfile", "mihomo.pid")
	v.SetDefault("engine.start_grace", 2*time.Second)
	v.SetDefault("engine.stop_timeout", 5*time.Second)
	v.SetDefault("engine.kill_stray", true)
	v.SetDefault("engine.unit", "mihomo.service")
	v.SetDefault("engine.probe", ProbeHTTP)
	v.SetDefault("engine.use_os_env", true)

	v.SetDefault("store.backup_keep", 5)
	v.SetDefault("store.lock_timeout", 5*time.Second)
	v.SetDefault("store.watch", true)
	v.SetDefault("store.watch_debounce", 500*time.Millisecond)
	v.SetDefault("store.create_default", true)

	v.SetDefault("supervisor.enabled", true)
	v.SetDefault("supervisor.auto_restart", true)
	v.SetDefault("supervisor.interval", 3*time.Second)
	v.SetDefault("supervisor.probe_timeout", 2*time.Second)
	v.SetDefault("supervisor.window", 60*time.Second)
	v.SetDefault("supervisor.max_attempts", 5)
	v.SetDefault("supervisor.grace", 2*time.Second)

	v.SetDefault("server.listen", "127.0.0.1:7899")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", true)
	v.SetDefault("server.tls.hosts", []string{"localhost", "127.0.0.1"})
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("server.tls.min_version", "1.2")

	v.SetDefault("history.timeout", 3*time.Second)

	v.SetDefault("metrics.sample_interval", 10*time.Second)
	v.SetDefault("metrics.history_size", 60)

	v.SetDefault("log.slog.level", string(logger.LevelInfo))
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.color", true)
	v.SetDefault("log.slog.timestamps", true)

	// keys without a default are only read from the environment when bound
	for _, k := range []string{
		"engine.binary", "engine.config_dir", "engine.probe_command",
		"store.backup_dir", "server.token", "server.tls.cert_file", "server.tls.key_file",
		"server.tls.dir", "history.enabled", "history.sinks",
		"metrics.enabled", "log.slog.file", "log.slog.journal", "log.file.dir",
	} {
		_ = v.BindEnv(k)
	}
}

// Load reads the TOML file at path (optional) and applies PROXYVISOR_*
// environment overrides. An empty path searches DefaultSearchPaths; finding
// nothing is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	source := path
	if source == "" {
		for _, p := range DefaultSearchPaths() {
			if _, err := os.Stat(p); err == nil {
				source = p
				break
			}
		}
	}
	if source != "" {
		v.SetConfigFile(source)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", source, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.source = source
	if err := c.resolve(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Source returns the settings file that was read, if any.
func (c *Config) Source() string { return c.source }

// resolve expands ${VAR} and ~ in paths and makes relative engine paths
// relative to the engine config dir.
func (c *Config) resolve() error {
	if c.Engine.ConfigDir == "" {
		dir, err := MihomoDir()
		if err != nil {
			return err
		}
		c.Engine.ConfigDir = dir
	}
	e := &c.Engine
	e.ConfigDir = ExpandPath(e.ConfigDir)
	e.ConfigFile = underDir(e.ConfigDir, ExpandPath(e.ConfigFile))
	if e.PIDFile != "" {
		e.PIDFile = underDir(e.ConfigDir, ExpandPath(e.PIDFile))
	}
	e.Binary = ExpandPath(e.Binary)
	for i, f := range e.EnvFiles {
		e.EnvFiles[i] = ExpandPath(f)
	}

	if c.Store.BackupDir == "" {
		c.Store.BackupDir = filepath.Join(e.ConfigDir, "backups")
	} else {
		c.Store.BackupDir = underDir(e.ConfigDir, ExpandPath(c.Store.BackupDir))
	}
	if c.Log.File.Dir == "" && c.Log.File.StdoutPath == "" && c.Log.File.StderrPath == "" {
		c.Log.File.Dir = filepath.Join(e.ConfigDir, "logs")
	} else {
		c.Log.File.Dir = ExpandPath(c.Log.File.Dir)
	}
	c.Log.Slog.File = ExpandPath(c.Log.Slog.File)
	for i, dsn := range c.History.Sinks {
		if rest, ok := strings.CutPrefix(dsn, "sqlite://"); ok && rest != ":memory:" {
			c.History.Sinks[i] = "sqlite://" + ExpandPath(rest)
		}
	}

	t := &c.Server.TLS
	t.CertFile = ExpandPath(t.CertFile)
	t.KeyFile = ExpandPath(t.KeyFile)
	if t.Dir == "" {
		t.Dir = filepath.Join(e.ConfigDir, "tls")
	} else {
		t.Dir = underDir(e.ConfigDir, ExpandPath(t.Dir))
	}
	return nil
}

// Validate checks enumerations and numeric ranges.
func (c *Config) Validate() error {
	var errs []error
	switch c.Engine.Controller {
	case ControllerProcess, ControllerSystemd:
	default:
		errs = append(errs, fmt.Errorf("engine.controller: unknown controller %q", c.Engine.Controller))
	}
	switch c.Engine.Probe {
	case ProbeHTTP, ProbePIDFile, ProbeAny:
	case ProbeCommand:
		if strings.TrimSpace(c.Engine.ProbeCommand) == "" {
			errs = append(errs, errors.New("engine.probe_command: required when engine.probe is \"command\""))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.probe: unknown probe %q", c.Engine.Probe))
	}
	if (c.Engine.Probe == ProbePIDFile || c.Engine.Probe == ProbeAny) && c.Engine.PIDFile == "" {
		errs = append(errs, fmt.Errorf("engine.pidfile: required when engine.probe is %q", c.Engine.Probe))
	}
	if c.Engine.Controller == ControllerSystemd && c.Engine.Unit == "" {
		errs = append(errs, errors.New("engine.unit: required for the systemd controller"))
	}
	if c.Store.BackupKeep < 1 {
		errs = append(errs, fmt.Errorf("store.backup_keep: must be at least 1, got %d", c.Store.BackupKeep))
	}
	if c.Supervisor.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("supervisor.max_attempts: must be at least 1, got %d", c.Supervisor.MaxAttempts))
	}
	if c.Supervisor.Interval <= 0 {
		errs = append(errs, errors.New("supervisor.interval: must be positive"))
	}
	if c.Supervisor.Window <= 0 {
		errs = append(errs, errors.New("supervisor.window: must be positive"))
	}
	if t := c.Server.TLS; t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, errors.New("server.tls: cert_file and key_file must be set together"))
		}
		switch t.MinVersion {
		case "", "1.2", "1.3":
		default:
			errs = append(errs, fmt.Errorf("server.tls.min_version: unsupported version %q", t.MinVersion))
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path: must start with /, got %q", c.Server.BasePath))
	}
	return errors.Join(errs...)
}

// DefaultSearchPaths lists where Load looks for proxyvisor.toml.
func DefaultSearchPaths() []string {
	var out []string
	if dir, err := os.UserConfigDir(); err == nil {
		out = append(out, filepath.Join(dir, "proxyvisor", "proxyvisor.toml"))
	}
	if runtime.GOOS != "windows" {
		out = append(out, "/etc/proxyvisor/proxyvisor.toml")
	}
	return out
}

// MihomoDir returns the engine's conventional config directory. On unix a
// daemon run through sudo uses the invoking user's ~/.config/mihomo rather
// than root's.
func MihomoDir() (string, error) {
	if runtime.GOOS == "windows" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "mihomo"), nil
	}
	home, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "mihomo"), nil
}

// HomeDir is the home of $SUDO_USER when set (and not root), otherwise the
// current user's home.
func HomeDir() (string, error) {
	if su := os.Getenv("SUDO_USER"); su != "" && su != "root" && runtime.GOOS != "windows" {
		if u, err := user.Lookup(su); err == nil && u.HomeDir != "" {
			return u.HomeDir, nil
		}
		return filepath.Join("/home", su), nil
	}
	return os.UserHomeDir()
}

// ExpandPath expands a leading ~ to HomeDir and ${VAR}/$VAR references from
// the environment, with HOME resolved through HomeDir.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := HomeDir(); err == nil {
			p = home + p[1:]
		}
	}
	return os.Expand(p, func(k string) string {
		if k == "HOME" {
			if home, err := HomeDir(); err == nil {
				return home
			}
		}
		return os.Getenv(k)
	})
}

func underDir(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
