// Package config loads the statflow run configuration from YAML or JSON.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/statflow/internal/engine"
	"github.com/danshapiro/statflow/internal/engine/rhttp"
)

type ExtensionConfig struct {
	Name     string `json:"name" yaml:"name"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type AutostartConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Command        []string `json:"command" yaml:"command"`
	WaitTimeoutMS  int      `json:"wait_timeout_ms" yaml:"wait_timeout_ms"`
	PollIntervalMS int      `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	LogPath        string   `json:"log_path,omitempty" yaml:"log_path,omitempty"`
}

type EngineConfig struct {
	BaseURL             string            `json:"base_url" yaml:"base_url"`
	ProbeTimeoutMS      int               `json:"probe_timeout_ms,omitempty" yaml:"probe_timeout_ms,omitempty"`
	MaxRetries          *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryBaseDelayMS    int               `json:"retry_base_delay_ms,omitempty" yaml:"retry_base_delay_ms,omitempty"`
	ReadyPollIntervalMS int               `json:"ready_poll_interval_ms,omitempty" yaml:"ready_poll_interval_ms,omitempty"`
	ReadyPollAttempts   int               `json:"ready_poll_attempts,omitempty" yaml:"ready_poll_attempts,omitempty"`
	Extensions          []ExtensionConfig `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	Autostart           AutostartConfig   `json:"autostart" yaml:"autostart"`
}

type WorkflowConfig struct {
	StateDir         string   `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`
	ExcludeVariables []string `json:"exclude_variables,omitempty" yaml:"exclude_variables,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

type Config struct {
	Version  int            `json:"version" yaml:"version"`
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Workflow WorkflowConfig `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Server   ServerConfig   `json:"server,omitempty" yaml:"server,omitempty"`
}

const (
	DefaultBaseURL    = "http://127.0.0.1:8787"
	DefaultServerAddr = "127.0.0.1:8080"
)

// DefaultExtensions are loaded when the config names none: psych is needed
// by reliability and factor analysis, the rest only by some procedures.
var DefaultExtensions = []ExtensionConfig{
	{Name: "psych"},
	{Name: "GPArotation", Optional: true},
	{Name: "lavaan", Optional: true},
}

// Load reads path, strict by extension (.json is JSON, anything else YAML),
// then applies defaults and validates.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.Engine.BaseURL = strings.TrimSpace(cfg.Engine.BaseURL)
	if cfg.Engine.BaseURL == "" {
		cfg.Engine.BaseURL = DefaultBaseURL
	}
	if cfg.Engine.ProbeTimeoutMS == 0 {
		cfg.Engine.ProbeTimeoutMS = int(engine.DefaultProbeTimeout / time.Millisecond)
	}
	if cfg.Engine.MaxRetries == nil {
		v := engine.DefaultMaxRetries
		cfg.Engine.MaxRetries = &v
	}
	if cfg.Engine.RetryBaseDelayMS == 0 {
		cfg.Engine.RetryBaseDelayMS = 1000
	}
	if cfg.Engine.ReadyPollIntervalMS == 0 {
		cfg.Engine.ReadyPollIntervalMS = int(engine.DefaultReadyPollInterval / time.Millisecond)
	}
	if cfg.Engine.ReadyPollAttempts == 0 {
		cfg.Engine.ReadyPollAttempts = engine.DefaultReadyPollAttempts
	}
	if cfg.Engine.Extensions == nil {
		cfg.Engine.Extensions = append([]ExtensionConfig{}, DefaultExtensions...)
	}
	for i := range cfg.Engine.Extensions {
		cfg.Engine.Extensions[i].Name = strings.TrimSpace(cfg.Engine.Extensions[i].Name)
	}
	if cfg.Engine.Autostart.WaitTimeoutMS == 0 {
		cfg.Engine.Autostart.WaitTimeoutMS = 20000
	}
	if cfg.Engine.Autostart.PollIntervalMS == 0 {
		cfg.Engine.Autostart.PollIntervalMS = 250
	}
	cfg.Engine.Autostart.Command = trimNonEmpty(cfg.Engine.Autostart.Command)
	cfg.Engine.Autostart.LogPath = strings.TrimSpace(cfg.Engine.Autostart.LogPath)

	cfg.Workflow.StateDir = strings.TrimSpace(cfg.Workflow.StateDir)
	if cfg.Workflow.StateDir == "" {
		cfg.Workflow.StateDir = defaultStateDir()
	}
	cfg.Workflow.ExcludeVariables = trimNonEmpty(cfg.Workflow.ExcludeVariables)

	cfg.Server.Addr = strings.TrimSpace(cfg.Server.Addr)
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	u, err := url.Parse(cfg.Engine.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("engine.base_url must be an http(s) URL, got %q", cfg.Engine.BaseURL)
	}
	if cfg.Engine.ProbeTimeoutMS < 0 {
		return fmt.Errorf("engine.probe_timeout_ms must be >= 0")
	}
	if *cfg.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be >= 1")
	}
	if cfg.Engine.RetryBaseDelayMS < 0 {
		return fmt.Errorf("engine.retry_base_delay_ms must be >= 0")
	}
	if cfg.Engine.ReadyPollIntervalMS < 0 || cfg.Engine.ReadyPollAttempts < 0 {
		return fmt.Errorf("engine.ready_poll_interval_ms and engine.ready_poll_attempts must be >= 0")
	}
	seen := map[string]bool{}
	for i, ext := range cfg.Engine.Extensions {
		if ext.Name == "" {
			return fmt.Errorf("engine.extensions[%d].name is required", i)
		}
		key := strings.ToLower(ext.Name)
		if seen[key] {
			return fmt.Errorf("engine.extensions: duplicate %q", ext.Name)
		}
		seen[key] = true
	}
	if cfg.Engine.Autostart.WaitTimeoutMS < 0 {
		return fmt.Errorf("engine.autostart.wait_timeout_ms must be >= 0")
	}
	if cfg.Engine.Autostart.PollIntervalMS < 0 {
		return fmt.Errorf("engine.autostart.poll_interval_ms must be >= 0")
	}
	if cfg.Engine.Autostart.Enabled && len(cfg.Engine.Autostart.Command) == 0 {
		return fmt.Errorf("engine.autostart.command is required when engine.autostart.enabled=true")
	}
	return nil
}

// defaultStateDir is ${XDG_STATE_HOME:-~/.local/state}/statflow/sessions.
func defaultStateDir() string {
	base := strings.TrimSpace(os.Getenv("XDG_STATE_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return filepath.Join(os.TempDir(), "statflow", "sessions")
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "statflow", "sessions")
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// SessionOptions converts the engine section into engine session options.
func (c *Config) SessionOptions(logger *log.Logger) engine.Options {
	exts := make([]engine.Extension, 0, len(c.Engine.Extensions))
	for _, e := range c.Engine.Extensions {
		exts = append(exts, engine.Extension{Name: e.Name, Optional: e.Optional})
	}
	return engine.Options{
		MaxRetries: *c.Engine.MaxRetries,
		Backoff: engine.BackoffConfig{
			BaseDelay: ms(c.Engine.RetryBaseDelayMS),
		},
		ProbeTimeout:      ms(c.Engine.ProbeTimeoutMS),
		ReadyPollInterval: ms(c.Engine.ReadyPollIntervalMS),
		ReadyPollAttempts: c.Engine.ReadyPollAttempts,
		Extensions:        exts,
		Logger:            logger,
	}
}

// ClientConfig converts the engine section into HTTP adapter settings.
func (c *Config) ClientConfig(logger *log.Logger) rhttp.Config {
	return rhttp.Config{
		BaseURL:      c.Engine.BaseURL,
		ProbeTimeout: ms(c.Engine.ProbeTimeoutMS),
		Autostart: rhttp.AutostartConfig{
			Enabled:      c.Engine.Autostart.Enabled,
			Command:      append([]string{}, c.Engine.Autostart.Command...),
			WaitTimeout:  ms(c.Engine.Autostart.WaitTimeoutMS),
			PollInterval: ms(c.Engine.Autostart.PollIntervalMS),
			LogPath:      c.Engine.Autostart.LogPath,
		},
		Logger: logger,
	}
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
