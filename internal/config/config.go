// ABOUTME: Configuration loading and parsing for tracker-gateway
// ABOUTME: Supports YAML files with environment variable expansion and validation

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tracker-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TrackerConfig holds Azure DevOps connection configuration
type TrackerConfig struct {
	Organization string `yaml:"organization"`
	Project      string `yaml:"project"`
	PAT          string `yaml:"pat"`
}

// AuthConfig holds the gateway shared secret.
// An empty APIKey means the gateway rejects every request (never fail open).
type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// StorageConfig holds paths for the durable store tiers.
// Both are optional: an empty path means that tier is not configured and
// callers fall through to the next tier in their fallback chain.
type StorageConfig struct {
	SessionDB   string `yaml:"session_db"`
	RateLimitDB string `yaml:"ratelimit_db"`
}

// RateLimitConfig holds rate limiter tuning
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultRequestsPerSecond is used when ratelimit.requests_per_second is unset.
const DefaultRequestsPerSecond = 10

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
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

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "0.0.0.0:8080"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = DefaultRequestsPerSecond
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tracker.Organization == "" {
		return fmt.Errorf("tracker.organization is required")
	}
	if c.Tracker.Project == "" {
		return fmt.Errorf("tracker.project is required")
	}
	if c.Tracker.PAT == "" {
		return fmt.Errorf("tracker.pat is required")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("ratelimit.requests_per_second must not be negative")
	}
	return nil
}
