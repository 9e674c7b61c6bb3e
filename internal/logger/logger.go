package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the daemon's own structured log output.
type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	// File, when set, receives a rotated copy of the daemon log.
	File string `mapstructure:"file"`
	// Journal also sends records to the systemd journal when it is reachable.
	Journal bool `mapstructure:"journal"`
}

// FileConfig describes logging destinations for a child process.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`         // base directory for logs
	StdoutPath string `mapstructure:"stdout"`      // explicit stdout path overrides Dir
	StderrPath string `mapstructure:"stderr"`      // explicit stderr path overrides Dir
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"` // Gzip rotated files
}

// Config groups daemon logging and engine output logging.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

// ParseLevel maps a level name to a slog level; unknown names become info.
func ParseLevel(l Level) slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds the daemon logger writing to stderr plus the optional
// rotated file and journal.
func (c Config) NewSlogger() *slog.Logger {
	l, _ := c.newSlogger(os.Stderr)
	return l
}

// NewSloggerWithCloser is NewSlogger but also returns a closer for the
// rotated log file, if one was opened.
func (c Config) NewSloggerWithCloser() (*slog.Logger, io.Closer) {
	return c.newSlogger(os.Stderr)
}

func (c Config) newSlogger(console io.Writer) (*slog.Logger, io.Closer) {
	level := ParseLevel(c.Slog.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: c.Slog.Source}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}

	handlers := []slog.Handler{c.consoleHandler(console, opts)}

	var closer io.Closer = nopCloser{}
	if c.Slog.File != "" {
		fw := c.File.rotating(c.Slog.File)
		closer = fw
		fileOpts := &slog.HandlerOptions{Level: level, AddSource: c.Slog.Source}
		if c.Slog.Format == FormatJSON {
			handlers = append(handlers, slog.NewJSONHandler(fw, fileOpts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(fw, fileOpts))
		}
	}
	if c.Slog.Journal && JournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level, "proxyvisor"))
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer
	}
	return slog.New(NewMultiHandler(handlers...)), closer
}

func (c Config) consoleHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	switch {
	case c.Slog.Format == FormatJSON:
		return slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		return NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// ProcessWriters returns rotated stdout and stderr writers for a child
// process called name.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	return c.File.Writers(name)
}

// Writers returns io.WriteClosers for stdout and stderr for given process name.
// Either writer is nil when neither Dir nor the explicit path is set.
func (c FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
