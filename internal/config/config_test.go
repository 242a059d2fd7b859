package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Usage.PollInterval != "30s" {
		t.Errorf("Usage.PollInterval = %q, want %q", cfg.Usage.PollInterval, "30s")
	}
	if cfg.Usage.RecentSessions != 50 {
		t.Errorf("Usage.RecentSessions = %d, want 50", cfg.Usage.RecentSessions)
	}
	if cfg.Policy.Engine != "native" {
		t.Errorf("Policy.Engine = %q, want native", cfg.Policy.Engine)
	}
	if cfg.Storage.Redis.Port != 6379 {
		t.Errorf("Storage.Redis.Port = %d, want 6379", cfg.Storage.Redis.Port)
	}
	if !cfg.Enforcement.Capabilities.Accessibility {
		t.Error("Enforcement.Capabilities.Accessibility = false, want true")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
agent:
  child_id: child-1
  family_id: fam-1
usage:
  timezone: Europe/Berlin
policy:
  engine: opa
`)
	t.Setenv("FAMILYGUARD_AGENT_DEVICE_ID", "tablet")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.ChildID != "child-1" || cfg.Agent.FamilyID != "fam-1" {
		t.Errorf("Agent = %+v, want child-1/fam-1", cfg.Agent)
	}
	if cfg.Agent.DeviceID != "tablet" {
		t.Errorf("Agent.DeviceID = %q, want tablet", cfg.Agent.DeviceID)
	}
	if cfg.Usage.Timezone != "Europe/Berlin" {
		t.Errorf("Usage.Timezone = %q, want Europe/Berlin", cfg.Usage.Timezone)
	}
	if cfg.Policy.Engine != "opa" {
		t.Errorf("Policy.Engine = %q, want opa", cfg.Policy.Engine)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad engine", "policy:\n  engine: magic\n"},
		{"bad duration", "usage:\n  poll_interval: soon\n"},
		{"bad timezone", "usage:\n  timezone: Mars/Olympus\n"},
		{"bad storage", "storage:\n  type: bolt\n"},
		{"bad format", "logging:\n  format: xml\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("2m", time.Second); got != 2*time.Minute {
		t.Errorf("ParseDuration(2m) = %v, want 2m", got)
	}
	if got := ParseDuration("nope", time.Second); got != time.Second {
		t.Errorf("ParseDuration(nope) = %v, want 1s", got)
	}
}
