package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Channel != "IMESSAGE" {
		t.Errorf("channel: got %q", cfg.Channel)
	}
	if cfg.Backend.TimeoutSeconds != 10 {
		t.Errorf("timeout: got %d", cfg.Backend.TimeoutSeconds)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Backend.BaseURL = "" },
		func(c *Config) { c.Backend.BaseURL = "not a url" },
		func(c *Config) { c.Backend.TimeoutSeconds = -1 },
		func(c *Config) { c.Identity.HouseholdID = "" },
		func(c *Config) { c.Identity.UserID = "" },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected error for missing config")
	}
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("optional load: %v", err)
	}
	if cfg != nil {
		t.Fatalf("optional load of missing file must be nil")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "halo.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.HouseholdID != "hh-1" || cfg.Identity.UserID != "u-1" {
		t.Errorf("identity: %+v", cfg.Identity)
	}
}
