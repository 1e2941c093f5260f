// ABOUTME: Configuration loading and parsing for mux-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mux-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Registry RegistryConfig `yaml:"registry"`
	Backends BackendsConfig `yaml:"backends"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RegistryConfig holds the provider registry file location
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// BackendsConfig holds outbound backend call tuning
type BackendsConfig struct {
	Timeout        time.Duration `yaml:"-"`
	RetryBaseDelay time.Duration `yaml:"-"`
	RetryAttempts  int           `yaml:"retry_attempts"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw        string `yaml:"timeout"`
	RetryBaseDelayRaw string `yaml:"retry_base_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding fields are absent from the file.
const (
	DefaultBackendTimeout = 10 * time.Second
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryAttempts  = 3
)

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

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}

	if c.Backends.RetryAttempts < 1 {
		return fmt.Errorf("backends.retry_attempts must be at least 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Backends.TimeoutRaw != "" {
		cfg.Backends.Timeout, err = time.ParseDuration(cfg.Backends.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing timeout %q: %w", cfg.Backends.TimeoutRaw, err)
		}
	}

	if cfg.Backends.RetryBaseDelayRaw != "" {
		cfg.Backends.RetryBaseDelay, err = time.ParseDuration(cfg.Backends.RetryBaseDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing retry_base_delay %q: %w", cfg.Backends.RetryBaseDelayRaw, err)
		}
	}

	return nil
}

// applyDefaults fills backend tuning fields that the file left unset
func applyDefaults(cfg *Config) {
	if cfg.Backends.Timeout == 0 {
		cfg.Backends.Timeout = DefaultBackendTimeout
	}
	if cfg.Backends.RetryBaseDelay == 0 {
		cfg.Backends.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.Backends.RetryAttempts == 0 {
		cfg.Backends.RetryAttempts = DefaultRetryAttempts
	}
}
