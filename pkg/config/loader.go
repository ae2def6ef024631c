// loader.go provides YAML loading utilities for configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// LoadConfig loads the full configuration from a YAML file.
// After loading, it applies environment variable overrides.
func LoadConfig(path string) (*FullConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &FullConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.Dump.LoadDumpEnvOverrides()
	return cfg, nil
}

// LoadConfigOrDefault loads configuration from a file, falling back to zero
// values plus env overrides if the file doesn't exist. A file that exists
// but cannot be parsed is an error.
func LoadConfigOrDefault(path string) (*FullConfig, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = &FullConfig{}
			cfg.Dump.LoadDumpEnvOverrides()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate validates the full configuration.
func (c *FullConfig) Validate() error {
	if err := c.Dump.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}
