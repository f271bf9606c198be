// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine types.
const (
	EngineMock    = "mock"
	EngineProcess = "process"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Engine  EngineConfig  `yaml:"engine"`
	Stats   StatsConfig   `yaml:"stats"`
	Privacy PrivacyConfig `yaml:"privacy"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type SessionConfig struct {
	GracePeriod      time.Duration `yaml:"grace_period"`
	InputTimeout     time.Duration `yaml:"input_timeout"`
	AbandonAfter     time.Duration `yaml:"abandon_after"`
	MaxSessions      int           `yaml:"max_sessions"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	AnnounceWaiting  bool          `yaml:"announce_waiting"`
	RestartCompleted bool          `yaml:"restart_completed"`
}

type EngineConfig struct {
	Type    string        `yaml:"type"`
	Mock    MockConfig    `yaml:"mock"`
	Process ProcessConfig `yaml:"process"`
}

type MockConfig struct {
	Script    string        `yaml:"script"`  // optional YAML scripts file
	Default   string        `yaml:"default"` // script used when a turn names none
	StepDelay time.Duration `yaml:"step_delay"`
}

type ProcessConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
}

type StatsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"` // empty = $XDG_STATE_HOME/agentstream
}

type PrivacyConfig struct {
	MaskSessionIDs    bool     `yaml:"mask_session_ids"`
	MaskContextValues bool     `yaml:"mask_context_values"`
	HiddenContextKeys []string `yaml:"hidden_context_keys"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "127.0.0.1",
			WriteTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			GracePeriod:      5 * time.Minute,
			AbandonAfter:     10 * time.Minute,
			ReapInterval:     30 * time.Second,
			AnnounceWaiting:  true,
			RestartCompleted: true,
		},
		Engine: EngineConfig{
			Type: EngineMock,
			Mock: MockConfig{
				Default:   "vacation",
				StepDelay: 300 * time.Millisecond,
			},
		},
		Stats: StatsConfig{
			Enabled: true,
		},
	}
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return defaultConfig()
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"server.write_timeout", c.Server.WriteTimeout},
		{"session.grace_period", c.Session.GracePeriod},
		{"session.input_timeout", c.Session.InputTimeout},
		{"session.abandon_after", c.Session.AbandonAfter},
		{"session.reap_interval", c.Session.ReapInterval},
		{"engine.mock.step_delay", c.Engine.Mock.StepDelay},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}
	if c.Session.ReapInterval == 0 {
		return errors.New("session.reap_interval must be positive")
	}
	if c.Session.MaxSessions < 0 {
		return errors.New("session.max_sessions must not be negative")
	}
	switch c.Engine.Type {
	case EngineMock:
	case EngineProcess:
		if c.Engine.Process.Command == "" {
			return errors.New("engine.process.command is required for the process engine")
		}
	default:
		return fmt.Errorf("unknown engine.type %q", c.Engine.Type)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
