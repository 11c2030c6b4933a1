// Package config loads server configuration from TOML with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Server   Server   `toml:"server"`
	Model    Model    `toml:"model"`
	Executor Executor `toml:"executor"`
	Logging  Logging  `toml:"logging"`
}

// Server configures the HTTP surface.
type Server struct {
	ListenAddr string `toml:"listen_addr"`
	// AuthToken, when set, requires a matching bearer token on every
	// route except health and metrics.
	AuthToken string `toml:"auth_token"`
}

// Model configures the event source.
type Model struct {
	// Provider is "anthropic" or "script" (dev mode, no API key
	// needed).
	Provider string `toml:"provider"`
	Name     string `toml:"name"`
	APIKey   string `toml:"api_key"`
}

// Executor configures the code sandbox adapter.
type Executor struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Logging configures zerolog.
type Logging struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:   Server{ListenAddr: ":8080"},
		Model:    Model{Provider: "anthropic", Name: "claude-sonnet-4-0"},
		Executor: Executor{BaseURL: "http://localhost:8000", TimeoutSeconds: 120},
		Logging:  Logging{Level: "info"},
	}
}

// Load overlays the TOML file at path (when non-empty) and environment
// variables onto the defaults, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and addresses from the environment; env
// always wins over the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("FORKCHAT_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("FORKCHAT_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("FORKCHAT_EXECUTOR_URL"); v != "" {
		cfg.Executor.BaseURL = v
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr is required")
	}
	switch c.Model.Provider {
	case "anthropic":
		if c.Model.APIKey == "" {
			return fmt.Errorf("config: model.api_key (or ANTHROPIC_API_KEY) is required for the anthropic provider")
		}
	case "script":
	default:
		return fmt.Errorf("config: unknown model.provider %q", c.Model.Provider)
	}
	if c.Executor.BaseURL != "" && !strings.HasPrefix(c.Executor.BaseURL, "http") {
		return fmt.Errorf("config: executor.base_url must be an http(s) URL")
	}
	if c.Executor.TimeoutSeconds < 0 {
		return fmt.Errorf("config: executor.timeout_seconds must not be negative")
	}
	return nil
}
