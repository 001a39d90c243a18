package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// REST API base URL, e.g. https://chat.example.com/api.
	RestBaseURL string `env:"CHAT_REST_URL"`

	// Push transport WebSocket URL, e.g. wss://chat.example.com/ws.
	TransportURL string `env:"CHAT_WS_URL"`

	// Identifier this client sends and reconciles messages as.
	SenderID string `env:"CHAT_SENDER_ID"`

	// Heartbeat cadence on the push transport. A ping is written after
	// HeartbeatInterval of outbound silence; no inbound traffic for
	// HeartbeatTimeout forces a reconnect cycle.
	HeartbeatInterval time.Duration `env:"CHAT_HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatTimeout  time.Duration `env:"CHAT_HEARTBEAT_TIMEOUT" envDefault:"30s"`

	// Delay between reconnect attempts after the transport drops.
	ReconnectDelay time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"5s"`

	// Path to the session state database. Defaults to
	// ~/.chatsync/state.db when empty.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Optional YAML config file. Values present in the file take
	// precedence over environment variables.
	ConfigFile string `env:"CHAT_CONFIG_FILE"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"CHAT_LOG_LEVEL"`
}

// fileConfig mirrors Config for the YAML overlay. Pointer fields so
// absent keys do not clobber environment values; durations are strings
// because yaml.v3 has no native time.Duration support.
type fileConfig struct {
	RestBaseURL       *string `yaml:"rest_url"`
	TransportURL      *string `yaml:"ws_url"`
	SenderID          *string `yaml:"sender_id"`
	HeartbeatInterval *string `yaml:"heartbeat_interval"`
	HeartbeatTimeout  *string `yaml:"heartbeat_timeout"`
	ReconnectDelay    *string `yaml:"reconnect_delay"`
	StatePath         *string `yaml:"state_path"`
	Environment       *string `yaml:"environment"`
	LogLevel          *string `yaml:"log_level"`
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars, then
// applies the YAML overlay file when one is configured or a
// chatsync.yaml exists in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	path := cfg.ConfigFile
	if path == "" {
		if _, err := os.Stat("chatsync.yaml"); err == nil {
			path = "chatsync.yaml"
		}
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if cfg.StatePath == "" {
		p, err := defaultStatePath()
		if err != nil {
			return nil, err
		}
		cfg.StatePath = p
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyFile overlays values from a YAML config file onto cfg.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src *string, key string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("parsing %s in %s: %w", key, path, err)
		}
		*dst = d
		return nil
	}

	setString(&c.RestBaseURL, fc.RestBaseURL)
	setString(&c.TransportURL, fc.TransportURL)
	setString(&c.SenderID, fc.SenderID)
	setString(&c.StatePath, fc.StatePath)
	setString(&c.Environment, fc.Environment)
	setString(&c.LogLevel, fc.LogLevel)

	if err := setDuration(&c.HeartbeatInterval, fc.HeartbeatInterval, "heartbeat_interval"); err != nil {
		return err
	}
	if err := setDuration(&c.HeartbeatTimeout, fc.HeartbeatTimeout, "heartbeat_timeout"); err != nil {
		return err
	}
	if err := setDuration(&c.ReconnectDelay, fc.ReconnectDelay, "reconnect_delay"); err != nil {
		return err
	}

	return nil
}

func (c *Config) validate() error {
	if c.RestBaseURL == "" {
		return fmt.Errorf("CHAT_REST_URL is required")
	}

	if c.TransportURL == "" {
		return fmt.Errorf("CHAT_WS_URL is required")
	}

	if c.SenderID == "" {
		return fmt.Errorf("CHAT_SENDER_ID is required")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must exceed the heartbeat interval")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}

	return nil
}

// defaultStatePath returns ~/.chatsync/state.db.
func defaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatsync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
