package client

import (
	"fmt"
	"time"
)

// Backup describes one configuration backup held by the daemon.
type Backup struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ModTime   time.Time `json:"mod_time"`
	Size      int64     `json:"size"`
}

// EngineStatus is the supervisor view of the engine.
type EngineStatus struct {
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

// ConfigLocation reports where the daemon keeps the engine configuration.
type ConfigLocation struct {
	Path      string `json:"path"`
	BackupDir string `json:"backup_dir"`
	Exists    bool   `json:"exists"`
}

type labelRequest struct {
	Label string `json:"label,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

type pidResponse struct {
	PID int `json:"pid"`
}

type autoRestartRequest struct {
	Enabled bool `json:"enabled"`
}

type versionResponse struct {
	Version string `json:"version"`
}

// ResourceSample is one CPU and memory reading of the engine process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EngineResources holds the latest sample and the retained history, oldest
// first. Latest is nil until the engine has been sampled.
type EngineResources struct {
	Latest  *ResourceSample  `json:"latest"`
	History []ResourceSample `json:"history"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// APIError is returned for any non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error %d: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("API error %d: %s: %s", e.Status, e.Code, e.Message)
}
