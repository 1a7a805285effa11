package config

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefaultIsInvalidWithoutRootPath(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing sandbox.root_path")
	}
	cfg.Sandbox.RootPath = "/tmp/sandbox"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestYAMLRoundTripPreservesAllFields(t *testing.T) {
	cfg := Default()
	cfg.Sandbox.RootPath = "/tmp/sandbox"
	cfg.Cache.Dir = "/tmp/cache"

	out, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var roundTripped Config
	if err := yaml.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if roundTripped != *cfg {
		t.Fatalf("round-tripped config differs: got %+v, want %+v", roundTripped, *cfg)
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.Sandbox.Timeout = 0 }},
		{"zero max file size", func(c *Config) { c.Sandbox.MaxFileSizeBytes = 0 }},
		{"zero max output size", func(c *Config) { c.Sandbox.MaxOutputSizeBytes = 0 }},
		{"zero max concurrent", func(c *Config) { c.Orchestrator.MaxConcurrent = 0 }},
		{"negative content ttl", func(c *Config) { c.Cache.ContentTTL = -1 }},
		{"zero session ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"zero max messages", func(c *Config) { c.Session.MaxMessages = 0 }},
		{"zero max tool iterations", func(c *Config) { c.Agent.MaxToolIterations = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Sandbox.RootPath = "/tmp/sandbox"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}
