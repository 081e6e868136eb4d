// Package agent wires an EmbeddedEventStore behind an HTTP and
// websocket API, the way hashicorp-nomad's command/agent package wires
// a Nomad client/server behind its HTTP API: an hclog logger, an
// HCL-plus-environment config layer, and a metrics sink feeding
// Prometheus.
package agent

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/hashicorp/hcl"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/coalescehq/trackstream/stream"
)

// Config is the agent's on-disk (HCL) and in-memory configuration.
type Config struct {
	// BindAddr is the HTTP listen address, e.g. "127.0.0.1:8420".
	BindAddr string `hcl:"bind_addr"`

	// DataDir holds the bolt-backed event log. "" selects an
	// in-memory store instead, useful for development and tests.
	DataDir string `hcl:"data_dir"`

	CachedEvents int64  `hcl:"cached_events"`
	FetchDelay   string `hcl:"fetch_delay"`
	CleanupDelay string `hcl:"cleanup_delay"`

	LogLevel string `hcl:"log_level"`
}

// DefaultConfig mirrors stream.DefaultConfig's numbers in their
// string/HCL form.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:     "127.0.0.1:8420",
		DataDir:      "",
		CachedEvents: stream.DefaultCachedEvents,
		FetchDelay:   stream.DefaultFetchDelay.String(),
		CleanupDelay: stream.DefaultCleanupDelay.String(),
		LogLevel:     "info",
	}
}

// LoadConfigFile decodes an HCL config file at path into a fresh
// Config layered over DefaultConfig.
func LoadConfigFile(path string) (*Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("agent: expanding config path: %w", err)
	}
	raw, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("agent: reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := hcl.Decode(cfg, string(raw)); err != nil {
		return nil, fmt.Errorf("agent: parsing config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverlay overlays TRACKSTREAM_-prefixed environment variables
// declared in an env file (KEY=value per line, as go-envparse reads
// for systemd EnvironmentFile directives) onto cfg.
func ApplyEnvOverlay(cfg *Config, envFile string) error {
	f, err := os.Open(envFile)
	if err != nil {
		return fmt.Errorf("agent: opening env overlay: %w", err)
	}
	defer f.Close()

	vars, err := envparse.Parse(f)
	if err != nil {
		return fmt.Errorf("agent: parsing env overlay: %w", err)
	}

	if v, ok := vars["TRACKSTREAM_BIND_ADDR"]; ok {
		cfg.BindAddr = v
	}
	if v, ok := vars["TRACKSTREAM_DATA_DIR"]; ok {
		cfg.DataDir = v
	}
	if v, ok := vars["TRACKSTREAM_LOG_LEVEL"]; ok {
		cfg.LogLevel = v
	}
	if v, ok := vars["TRACKSTREAM_CACHED_EVENTS"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("agent: TRACKSTREAM_CACHED_EVENTS: %w", err)
		}
		cfg.CachedEvents = n
	}
	return nil
}

func (c *Config) fetchDelay() (time.Duration, error) {
	return time.ParseDuration(c.FetchDelay)
}

func (c *Config) cleanupDelay() (time.Duration, error) {
	return time.ParseDuration(c.CleanupDelay)
}
