package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// secretProbe picks credentials out of a config file so they can be rejected.
type secretProbe struct {
	Telemetry struct {
		Redis struct {
			Password string `yaml:"password"`
		} `yaml:"redis"`
	} `yaml:"telemetry"`
}

// LoadConfigFile loads configuration from a YAML file on top of the
// defaults. Files carrying a redis password are refused.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	var probe secretProbe
	if err := yaml.Unmarshal(data, &probe); err == nil && probe.Telemetry.Redis.Password != "" {
		return nil, fmt.Errorf("telemetry.redis.password must not be set in a config file, use %s", PasswordEnv)
	}

	return cfg, nil
}

// FindConfigFile searches for config file in standard locations
// Returns empty string if not found (non-fatal)
func FindConfigFile() string {
	locations := []string{
		"./distcoder.yaml",
		"./distcoder.yml",
		filepath.Join(os.Getenv("HOME"), ".distcoder", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".distcoder", "config.yml"),
		"/etc/distcoder/config.yaml",
		"/etc/distcoder/config.yml",
	}

	for _, path := range locations {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// SaveConfigFile saves configuration to a YAML file.
// Mode-only fields and the redis password are never written.
func SaveConfigFile(cfg *Config, path string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// owner-only
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
