package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
dump:
  imagesDir: /var/lib/memdump/1
  trackMem: true
  parentDir: ../0
  agentSocket: /run/memdump/agent.sock
  pipeMaxPages: 1024
  commandTimeoutSeconds: 5
logging:
  level: 1
  output: stderr
`)
	t.Setenv("MEMDUMP_AGENT_SOCKET", "/tmp/override.sock")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Dump.ImagesDir != "/var/lib/memdump/1" || !cfg.Dump.TrackMem || cfg.Dump.ParentDir != "../0" {
		t.Errorf("dump config = %+v", cfg.Dump)
	}
	if cfg.Dump.AgentSocket != "/tmp/override.sock" {
		t.Errorf("AgentSocket = %q, want env override", cfg.Dump.AgentSocket)
	}
	if cfg.Dump.GetCommandTimeout() != 5*time.Second {
		t.Errorf("GetCommandTimeout = %v", cfg.Dump.GetCommandTimeout())
	}
	if cfg.Logging.Level != 1 || cfg.Logging.Output != "stderr" {
		t.Errorf("logging config = %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfigOrDefault(t *testing.T) {
	t.Setenv("MEMDUMP_IMAGES_DIR", "/tmp/images")

	cfg, err := LoadConfigOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back: %v", err)
	}
	if cfg.Dump.ImagesDir != "/tmp/images" {
		t.Errorf("ImagesDir = %q, want env override", cfg.Dump.ImagesDir)
	}
	if cfg.Dump.GetProcRoot() != "/proc" || cfg.Dump.GetCommandTimeout() != DefaultCommandTimeoutSeconds*time.Second {
		t.Errorf("defaults = %q, %v", cfg.Dump.GetProcRoot(), cfg.Dump.GetCommandTimeout())
	}

	if _, err := LoadConfigOrDefault(writeConfig(t, "dump: [not a map")); err == nil {
		t.Error("parse error should be surfaced")
	}
}

func TestDumpConfigValidate(t *testing.T) {
	valid := func() DumpConfig {
		return DumpConfig{ImagesDir: "/tmp/img", AgentSocket: "/tmp/agent.sock"}
	}
	tests := []struct {
		name   string
		mutate func(c *DumpConfig)
		field  string
	}{
		{"valid", func(c *DumpConfig) {}, ""},
		{"no images dir", func(c *DumpConfig) { c.ImagesDir = "" }, "imagesDir"},
		{"no agent socket", func(c *DumpConfig) { c.AgentSocket = "" }, "agentSocket"},
		{"negative timeout", func(c *DumpConfig) { c.CommandTimeoutSeconds = -1 }, "commandTimeoutSeconds"},
		{"pipe not power of two", func(c *DumpConfig) { c.PipeMaxPages = 100 }, "pipeMaxPages"},
		{"pipe too small", func(c *DumpConfig) { c.PipeMaxPages = 8 }, "pipeMaxPages"},
		{"pipe ok", func(c *DumpConfig) { c.PipeMaxPages = 512 }, ""},
		{"parent without trackMem", func(c *DumpConfig) { c.ParentDir = "../0" }, "parentDir"},
		{"parent with trackMem", func(c *DumpConfig) { c.ParentDir = "../0"; c.TrackMem = true }, ""},
		{"proc root not a mount", func(c *DumpConfig) { c.ProcRoot = t.TempDir() }, "procRoot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.field == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) || cerr.Field != tt.field {
				t.Errorf("Validate = %v, want ConfigError on %s", err, tt.field)
			}
		})
	}
}

func TestLoggingConfigValidate(t *testing.T) {
	if err := (&LoggingConfig{Output: "syslog"}).Validate(); err == nil {
		t.Error("expected error for unknown output")
	}
	if err := (&LoggingConfig{Level: 2}).Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
