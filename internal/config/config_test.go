package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Addr != ":8787" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if !strings.HasSuffix(cfg.Root, ".claude-gateway") {
		t.Errorf("root = %q", cfg.Root)
	}
	if cfg.ExecBin != "codex" || cfg.ApprovalPolicy != "never" || cfg.SandboxMode != "workspace-write" {
		t.Errorf("exec defaults = %q/%q/%q", cfg.ExecBin, cfg.ApprovalPolicy, cfg.SandboxMode)
	}
	if cfg.HistoryLimit != 200_000 {
		t.Errorf("historyLimit = %d", cfg.HistoryLimit)
	}
	if cfg.SessionTTL() != 4*time.Hour {
		t.Errorf("sessionTTL = %v", cfg.SessionTTL())
	}
	if cfg.IdleTimeout() != 30*time.Minute {
		t.Errorf("idleTimeout = %v", cfg.IdleTimeout())
	}
	if cfg.HeartbeatInterval() != 15*time.Second {
		t.Errorf("heartbeat = %v", cfg.HeartbeatInterval())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perch.yaml")
	data := `
addr: ":9999"
exec_bin: /usr/local/bin/codex
model_choices: [a, b]
heartbeat_interval_ms: 5000
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.ExecBin != "/usr/local/bin/codex" {
		t.Errorf("execBin = %q", cfg.ExecBin)
	}
	if len(cfg.ModelChoices) != 2 || cfg.ModelChoices[0] != "a" {
		t.Errorf("modelChoices = %v", cfg.ModelChoices)
	}
	if cfg.HeartbeatInterval() != 5*time.Second {
		t.Errorf("heartbeat = %v", cfg.HeartbeatInterval())
	}
	// Untouched keys keep their defaults.
	if cfg.ApprovalPolicy != "never" {
		t.Errorf("approvalPolicy = %q", cfg.ApprovalPolicy)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perch.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9999\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PERCH_ADDR", ":7777")
	t.Setenv("PERCH_API_KEY", "sekrit")
	t.Setenv("PERCH_SESSION_TTL_MS", "60000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":7777" {
		t.Errorf("env did not win: addr = %q", cfg.Addr)
	}
	if cfg.APIKey != "sekrit" {
		t.Errorf("apiKey = %q", cfg.APIKey)
	}
	if cfg.SessionTTL() != time.Minute {
		t.Errorf("sessionTTL = %v", cfg.SessionTTL())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/no/such/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Root = "" },
		func(c *Config) { c.ExecBin = "" },
		func(c *Config) { c.HistoryLimit = 0 },
		func(c *Config) { c.HeartbeatIntervalMs = -1 },
		func(c *Config) { c.SessionTTLMs = 0 },
		func(c *Config) { c.TailerIdleMs = 0 },
	} {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected validation error for %+v", cfg)
		}
	}
}
