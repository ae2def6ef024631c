// dump.go defines the DumpConfig struct for memory capture.
package config

import (
	"math/bits"
	"os"
	"strconv"
	"time"

	"github.com/theksk/criu/pkg/common"
)

// DumpConfig holds the configuration of one memory dump invocation.
type DumpConfig struct {
	// ProcRoot is the procfs mount the target is inspected through (default /proc)
	ProcRoot string `yaml:"procRoot"`

	// ImagesDir is where the pagemap and pages images are written
	ImagesDir string `yaml:"imagesDir"`

	// ParentDir is the image directory of the previous dump, for incremental dumps
	ParentDir string `yaml:"parentDir"`

	// TrackMem enables soft-dirty based incremental capture
	TrackMem bool `yaml:"trackMem"`

	// PreDump keeps pages in pipes until the agent session is finished
	PreDump bool `yaml:"preDump"`

	// AgentSocket is the seqpacket socket the in-target agent listens on
	AgentSocket string `yaml:"agentSocket"`

	// CommandTimeoutSeconds bounds each agent command
	CommandTimeoutSeconds int `yaml:"commandTimeoutSeconds"`

	// PipeMaxPages caps a single page pipe buffer (power of two, 0 for default)
	PipeMaxPages int `yaml:"pipeMaxPages"`

	// WriteStats writes a stats-dump image next to the page images
	WriteStats bool `yaml:"writeStats"`

	// MetricsFile, when set, receives the dump counters in Prometheus text format
	MetricsFile string `yaml:"metricsFile"`
}

// LoadDumpEnvOverrides applies environment variable overrides to the DumpConfig.
func (c *DumpConfig) LoadDumpEnvOverrides() {
	if v := os.Getenv("MEMDUMP_PROC_ROOT"); v != "" {
		c.ProcRoot = v
	}
	if v := os.Getenv("MEMDUMP_IMAGES_DIR"); v != "" {
		c.ImagesDir = v
	}
	if v := os.Getenv("MEMDUMP_AGENT_SOCKET"); v != "" {
		c.AgentSocket = v
	}
	if v := os.Getenv("MEMDUMP_COMMAND_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CommandTimeoutSeconds = n
		}
	}
}

// GetProcRoot returns the configured proc root or /proc.
func (c *DumpConfig) GetProcRoot() string {
	if c.ProcRoot == "" {
		return common.DefaultProcRoot
	}
	return c.ProcRoot
}

// GetCommandTimeout returns the per-command agent timeout.
func (c *DumpConfig) GetCommandTimeout() time.Duration {
	if c.CommandTimeoutSeconds <= 0 {
		return DefaultCommandTimeoutSeconds * time.Second
	}
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// Validate checks that the DumpConfig has valid values.
func (c *DumpConfig) Validate() error {
	if c.ImagesDir == "" {
		return &ConfigError{Field: "imagesDir", Message: "cannot be empty"}
	}
	if c.AgentSocket == "" {
		return &ConfigError{Field: "agentSocket", Message: "cannot be empty"}
	}
	if c.CommandTimeoutSeconds < 0 {
		return &ConfigError{Field: "commandTimeoutSeconds", Message: "must not be negative"}
	}
	if c.PipeMaxPages != 0 {
		if c.PipeMaxPages < MinPipeMaxPages || c.PipeMaxPages > MaxPipeMaxPages || bits.OnesCount(uint(c.PipeMaxPages)) != 1 {
			return &ConfigError{
				Field:   "pipeMaxPages",
				Message: "must be a power of two between 16 and 65536",
			}
		}
	}
	if c.ParentDir != "" && !c.TrackMem {
		return &ConfigError{
			Field:   "parentDir",
			Message: "requires trackMem; a parent is only used by incremental dumps",
		}
	}
	if err := common.ValidateProcRoot(c.GetProcRoot()); err != nil {
		return &ConfigError{Field: "procRoot", Message: err.Error()}
	}
	return nil
}
