// Package config defines the configuration surface for the execution core:
// sandbox, orchestrator, cache, session, and agent-loop tuning knobs.
//
// Parsing a config file or environment into this struct is the job of an
// external loader (a CLI front-end, a server bootstrap) and is out of scope
// here; this package owns only the struct shape, its defaults, and
// validation of the numeric bounds the rest of the core relies on.
package config

import (
	"fmt"
	"time"
)

// Config aggregates every component's tunables behind one struct-of-structs,
// following the shape of the teacher's own root Config type.
type Config struct {
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Cache        CacheConfig        `yaml:"cache"`
	Session      SessionConfig      `yaml:"session"`
	Agent        AgentConfig        `yaml:"agent"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SandboxConfig configures the command sandbox.
type SandboxConfig struct {
	RootPath           string        `yaml:"root_path"`
	Timeout            time.Duration `yaml:"timeout_seconds"`
	MaxFileSizeBytes   int64         `yaml:"max_file_size_bytes"`
	MaxOutputSizeBytes int64         `yaml:"max_output_size_bytes"`
	Enabled            bool          `yaml:"enabled"`
}

// OrchestratorConfig configures bounded-parallel tool dispatch.
type OrchestratorConfig struct {
	MaxConcurrent   int  `yaml:"max_concurrent"`
	ParallelEnabled bool `yaml:"parallel_enabled"`
}

// CacheConfig configures the persistent KV store and its two specializations.
type CacheConfig struct {
	Dir                string        `yaml:"cache_dir"`
	SizeLimitBytes     int64         `yaml:"size_limit_bytes"`
	ContentTTL         time.Duration `yaml:"content_ttl_seconds"`
	SearchTTL          time.Duration `yaml:"search_ttl_seconds"`
}

// SessionConfig configures the session repository.
type SessionConfig struct {
	TTL             time.Duration `yaml:"session_ttl_seconds"`
	MaxMessages     int           `yaml:"max_messages_per_session"`
}

// AgentConfig configures the agent loop.
type AgentConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations"`
}

// ObservabilityConfig toggles ambient instrumentation.
type ObservabilityConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	TracingEnabled bool `yaml:"tracing_enabled"`
}

// Default returns a Config populated with the defaults named in the
// execution core's configuration surface. RootPath and Dir are left empty
// and must be supplied by the caller before use.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			Timeout:            30 * time.Second,
			MaxFileSizeBytes:   10 << 20,
			MaxOutputSizeBytes: 1 << 20,
			Enabled:            true,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:   5,
			ParallelEnabled: true,
		},
		Cache: CacheConfig{
			SizeLimitBytes: 500 << 20,
			ContentTTL:     0,
			SearchTTL:      5 * time.Minute,
		},
		Session: SessionConfig{
			TTL:         time.Hour,
			MaxMessages: 50,
		},
		Agent: AgentConfig{
			MaxToolIterations: 10,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			TracingEnabled: false,
		},
	}
}

// Validate enforces the numeric bounds implied by the configuration surface.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	if c.Sandbox.Enabled && c.Sandbox.RootPath == "" {
		return fmt.Errorf("config: sandbox.root_path is required when sandbox is enabled")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("config: sandbox.timeout_seconds must be positive")
	}
	if c.Sandbox.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("config: sandbox.max_file_size_bytes must be positive")
	}
	if c.Sandbox.MaxOutputSizeBytes <= 0 {
		return fmt.Errorf("config: sandbox.max_output_size_bytes must be positive")
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		return fmt.Errorf("config: orchestrator.max_concurrent must be at least 1")
	}
	if c.Cache.SizeLimitBytes <= 0 {
		return fmt.Errorf("config: cache.size_limit_bytes must be positive")
	}
	if c.Cache.ContentTTL < 0 {
		return fmt.Errorf("config: cache.content_ttl_seconds must not be negative")
	}
	if c.Cache.SearchTTL < 0 {
		return fmt.Errorf("config: cache.search_ttl_seconds must not be negative")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("config: session.session_ttl_seconds must be positive")
	}
	if c.Session.MaxMessages < 1 {
		return fmt.Errorf("config: session.max_messages_per_session must be at least 1")
	}
	if c.Agent.MaxToolIterations < 1 {
		return fmt.Errorf("config: agent.max_tool_iterations must be at least 1")
	}
	return nil
}
