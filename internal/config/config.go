// Package config loads and watches application configuration.
//
// Configuration is layered: built-in defaults, then the YAML config
// file, then HSYNC_-prefixed environment variables. A file watcher
// applies a small set of settings live (sync interval, conflict
// strategy) without restarting the daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	// Remote backend.
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`

	// Local store.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// Sync behavior.
	CheckInterval    time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	OpTimeout        time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
	ConflictStrategy string        `mapstructure:"conflict_strategy" yaml:"conflict_strategy"`

	// Dashboard.
	DashboardEnabled bool `mapstructure:"dashboard_enabled" yaml:"dashboard_enabled"`
	DashboardPort    int  `mapstructure:"dashboard_port" yaml:"dashboard_port"`

	// Daemon logging.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:           defaultDBPath(),
		CheckInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		OpTimeout:        10 * time.Second,
		ConflictStrategy: "server-wins",
		DashboardEnabled: false,
		DashboardPort:    8942,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hermandad.db"
	}
	return filepath.Join(home, ".hsync", "hermandad.db")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hsync.yaml"
	}
	return filepath.Join(home, ".hsync", "config.yaml")
}

// Load reads configuration from the given file (or the default
// location when path is empty), layered over defaults and under
// environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	// Keys without a meaningful default still need registering, or
	// AutomaticEnv will not surface them through Unmarshal.
	v.SetDefault("remote_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("log_file", "")
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("check_interval", def.CheckInterval)
	v.SetDefault("probe_timeout", def.ProbeTimeout)
	v.SetDefault("op_timeout", def.OpTimeout)
	v.SetDefault("conflict_strategy", def.ConflictStrategy)
	v.SetDefault("dashboard_enabled", def.DashboardEnabled)
	v.SetDefault("dashboard_port", def.DashboardPort)

	v.SetEnvPrefix("HSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.ConflictStrategy {
	case "server-wins", "local-wins", "manual":
	default:
		return fmt.Errorf("unknown conflict_strategy %q (want server-wins, local-wins or manual)", c.ConflictStrategy)
	}
	if c.CheckInterval < time.Second {
		return fmt.Errorf("check_interval must be at least 1s (got %v)", c.CheckInterval)
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("dashboard_port %d out of range", c.DashboardPort)
	}
	return nil
}

// Render returns the configuration as YAML, suitable for writing a
// config file or showing the effective settings.
func (c *Config) Render() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return data, nil
}

// WriteFile writes the configuration to path, creating parent
// directories as needed.
func (c *Config) WriteFile(path string) error {
	data, err := c.Render()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
