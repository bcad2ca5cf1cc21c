// ABOUTME: Configuration loading and parsing for coven-orchestrator
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-orchestrator configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	HostProxy HostProxyConfig `yaml:"host_proxy"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HostProxyConfig holds the connection settings for the host command proxy
type HostProxyConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Tool          string `yaml:"tool"`
	MaxConcurrent int    `yaml:"max_concurrent"`

	// Container-to-host path mapping for working directories
	ContainerWorkspace string `yaml:"container_workspace"`
	HostWorkspace      string `yaml:"host_workspace"`

	ConnectTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
}

// SessionsConfig holds agent session configuration
type SessionsConfig struct {
	DefaultAgentType string `yaml:"default_agent_type"`
	BranchPrefix     string `yaml:"branch_prefix"`

	IdleTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no config file is given.
// Host proxy settings still honor the HOST_PROXY_* environment variables
// through the hostproxy package.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: ":8420"},
		Database: DatabaseConfig{Path: "orchestrator.db"},
		HostProxy: HostProxyConfig{
			Host:           "host.docker.internal",
			Port:           8765,
			Tool:           "claude",
			MaxConcurrent:  8,
			ConnectTimeout: 10 * time.Second,
		},
		Sessions: SessionsConfig{DefaultAgentType: "claude"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.HostProxy.Host == "" {
		return fmt.Errorf("host_proxy.host is required")
	}
	if c.HostProxy.Port <= 0 || c.HostProxy.Port > 65535 {
		return fmt.Errorf("host_proxy.port must be in 1-65535, got %d", c.HostProxy.Port)
	}
	if c.HostProxy.MaxConcurrent <= 0 {
		return fmt.Errorf("host_proxy.max_concurrent must be positive, got %d", c.HostProxy.MaxConcurrent)
	}

	// Path mapping is all-or-nothing
	if (c.HostProxy.ContainerWorkspace == "") != (c.HostProxy.HostWorkspace == "") {
		return fmt.Errorf("host_proxy.container_workspace and host_proxy.host_workspace must be set together")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.HostProxy.ConnectTimeoutRaw != "" {
		cfg.HostProxy.ConnectTimeout, err = time.ParseDuration(cfg.HostProxy.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_timeout %q: %w", cfg.HostProxy.ConnectTimeoutRaw, err)
		}
	}

	if cfg.Sessions.IdleTimeoutRaw != "" {
		cfg.Sessions.IdleTimeout, err = time.ParseDuration(cfg.Sessions.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Sessions.IdleTimeoutRaw, err)
		}
	}

	return nil
}
