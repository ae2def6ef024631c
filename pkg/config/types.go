// Package config provides configuration types and loaders for memdump.
// Configuration is loaded from a YAML file with environment variable
// overrides for values that depend on where the dumper runs.
package config

// FullConfig is the root configuration structure.
type FullConfig struct {
	// Dump configuration for memory capture
	Dump DumpConfig `yaml:"dump"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`
}

// ConfigPath is the default location of the configuration file.
const ConfigPath = "/etc/memdump/config.yaml"

// LoggingConfig controls the root logger.
type LoggingConfig struct {
	// Level is the logr verbosity: 0 info, 1 per-buffer debug, 2 per-page trace
	Level int `yaml:"level"`

	// Output is "stdout" or "stderr"
	Output string `yaml:"output"`
}

// Validate checks that the LoggingConfig has valid values.
func (c *LoggingConfig) Validate() error {
	if c.Level < 0 {
		return &ConfigError{Field: "logging.level", Message: "must not be negative"}
	}
	switch c.Output {
	case "", "stdout", "stderr":
		return nil
	}
	return &ConfigError{Field: "logging.output", Message: "must be 'stdout' or 'stderr'"}
}
