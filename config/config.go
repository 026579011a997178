/*
config.go - Server configuration

PURPOSE:
  Loads the server configuration from a YAML file, layering it over
  built-in defaults. Everything the binary needs lives here: the HTTP
  listener, the database location, and the payout policy knobs.

KEY CONCEPTS:
  - Defaults first: a missing file or an empty file yields a fully usable
    configuration. Flags in cmd/server may still override individual fields.
  - Validate catches the values that would only fail at runtime (a zero
    window, a non-positive port) before the server starts.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the server configuration file.
type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Policy   Policy   `yaml:"policy"`
}

// Server configures the HTTP listener. Timeouts are in seconds.
type Server struct {
	Port                int `yaml:"port"`
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
}

// ReadTimeout returns the read timeout as a duration.
func (s Server) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the write timeout as a duration.
func (s Server) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// Database configures the SQLite store.
type Database struct {
	Path string `yaml:"path"`
}

// Policy configures the payout guards.
type Policy struct {
	DevolutionWindowDays int `yaml:"devolution_window_days"`
	MaxDevolutions       int `yaml:"max_devolutions"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Port:                8080,
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 30,
		},
		Database: Database{
			Path: "refund.db",
		},
		Policy: Policy{
			DevolutionWindowDays: 90,
			MaxDevolutions:       10,
		},
	}
}

// Load reads path and merges it over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first configuration value that cannot work.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ReadTimeoutSeconds <= 0 || c.Server.WriteTimeoutSeconds <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Policy.DevolutionWindowDays <= 0 {
		return fmt.Errorf("policy.devolution_window_days must be positive, got %d", c.Policy.DevolutionWindowDays)
	}
	if c.Policy.MaxDevolutions <= 0 {
		return fmt.Errorf("policy.max_devolutions must be positive, got %d", c.Policy.MaxDevolutions)
	}
	return nil
}
