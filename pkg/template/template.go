// Package template generates starter proxyvisor.toml files for common
// deployments.
package template

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType names a deployment layout.
type TemplateType string

const (
	TypeProcess     TemplateType = "process"
	TypeDefault     TemplateType = "default"
	TypeSystemd     TemplateType = "systemd"
	TypeSystemdUser TemplateType = "systemd-user"
	TypeRemote      TemplateType = "remote"
	TypeObserved    TemplateType = "observed"
)

// DaemonTemplate mirrors the sections of proxyvisor.toml that templates set.
// Durations are strings so the file reads the way people write it by hand.
type DaemonTemplate struct {
	Engine     EngineSection     `toml:"engine"`
	Store      *StoreSection     `toml:"store,omitempty"`
	Supervisor SupervisorSection `toml:"supervisor"`
	Server     ServerSection     `toml:"server"`
	History    *HistorySection   `toml:"history,omitempty"`
	Metrics    *MetricsSection   `toml:"metrics,omitempty"`
	Log        *LogSection       `toml:"log,omitempty"`
}

type EngineSection struct {
	Controller   string `toml:"controller"`
	ConfigDir    string `toml:"config_dir"`
	Binary       string `toml:"binary,omitempty"`
	Unit         string `toml:"unit,omitempty"`
	UserUnit     bool   `toml:"user_unit,omitempty"`
	Probe        string `toml:"probe"`
	ProbeCommand string `toml:"probe_command,omitempty"`
}

type StoreSection struct {
	BackupKeep int  `toml:"backup_keep"`
	Watch      bool `toml:"watch"`
}

type SupervisorSection struct {
	AutoRestart bool   `toml:"auto_restart"`
	StartOnBoot bool   `toml:"start_on_boot"`
	Interval    string `toml:"interval"`
	Window      string `toml:"window"`
	MaxAttempts int    `toml:"max_attempts"`
}

type ServerSection struct {
	Listen   string      `toml:"listen"`
	BasePath string      `toml:"base_path"`
	Token    string      `toml:"token,omitempty"`
	TLS      *TLSSection `toml:"tls,omitempty"`
}

type TLSSection struct {
	Enabled      bool     `toml:"enabled"`
	AutoGenerate bool     `toml:"auto_generate"`
	Hosts        []string `toml:"hosts"`
	MinVersion   string   `toml:"min_version"`
}

type HistorySection struct {
	Enabled bool     `toml:"enabled"`
	Sinks   []string `toml:"sinks"`
}

type MetricsSection struct {
	Enabled        bool   `toml:"enabled"`
	SampleInterval string `toml:"sample_interval"`
}

type LogSection struct {
	Slog SlogSection `toml:"slog"`
}

type SlogSection struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Journal bool   `toml:"journal,omitempty"`
	File    string `toml:"file,omitempty"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate builds the template for templateType. Remote templates get a fresh
// random API token.
func (g *Generator) Generate(templateType TemplateType) (*DaemonTemplate, error) {
	switch templateType {
	case TypeProcess, TypeDefault:
		return g.processTemplate(), nil
	case TypeSystemd:
		return g.systemdTemplate(false), nil
	case TypeSystemdUser:
		return g.systemdTemplate(true), nil
	case TypeRemote:
		return g.remoteTemplate()
	case TypeObserved:
		return g.observedTemplate(), nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: process, systemd, systemd-user, remote, observed)", templateType)
	}
}

// GenerateTOML renders the template with a leading comment naming its type.
func (g *Generator) GenerateTOML(templateType TemplateType) ([]byte, error) {
	t, err := g.Generate(templateType)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# proxyvisor.toml (%s)\n\n", templateType)
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(false)
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return buf.Bytes(), nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeProcess),
		string(TypeSystemd),
		string(TypeSystemdUser),
		string(TypeRemote),
		string(TypeObserved),
	}
}

func baseTemplate() *DaemonTemplate {
	return &DaemonTemplate{
		Engine: EngineSection{
			Controller: "process",
			ConfigDir:  "~/.config/mihomo",
			Probe:      "http",
		},
		Supervisor: SupervisorSection{
			AutoRestart: true,
			Interval:    "3s",
			Window:      "1m",
			MaxAttempts: 5,
		},
		Server: ServerSection{
			Listen:   "127.0.0.1:7899",
			BasePath: "/api",
		},
	}
}

func (g *Generator) processTemplate() *DaemonTemplate {
	t := baseTemplate()
	t.Engine.Binary = "mihomo"
	t.Supervisor.StartOnBoot = true
	return t
}

func (g *Generator) systemdTemplate(user bool) *DaemonTemplate {
	t := baseTemplate()
	t.Engine.Controller = "systemd"
	t.Engine.Unit = "mihomo.service"
	t.Engine.UserUnit = user
	if !user {
		t.Engine.ConfigDir = "/etc/mihomo"
		t.Log = &LogSection{Slog: SlogSection{Level: "info", Format: "text", Journal: true}}
	}
	return t
}

func (g *Generator) remoteTemplate() (*DaemonTemplate, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	t := g.processTemplate()
	t.Server.Listen = "0.0.0.0:7899"
	t.Server.Token = token
	t.Server.TLS = &TLSSection{
		Enabled:      true,
		AutoGenerate: true,
		Hosts:        []string{"localhost", "127.0.0.1"},
		MinVersion:   "1.2",
	}
	return t, nil
}

func (g *Generator) observedTemplate() *DaemonTemplate {
	t := g.processTemplate()
	t.Store = &StoreSection{BackupKeep: 20, Watch: true}
	t.History = &HistorySection{
		Enabled: true,
		Sinks:   []string{"sqlite://~/.config/mihomo/history.db"},
	}
	t.Metrics = &MetricsSection{Enabled: true, SampleInterval: "10s"}
	t.Log = &LogSection{Slog: SlogSection{Level: "info", Format: "json", File: "~/.config/mihomo/logs/proxyvisor.log"}}
	return t
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
