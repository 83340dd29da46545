package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every knob the gateway reads. Values come from (in order of
// precedence) environment variables, the optional YAML config file, and
// built-in defaults.
type Config struct {
	Addr          string `yaml:"addr"`
	Root          string `yaml:"root"`
	APIKey        string `yaml:"api_key"`
	Workdir       string `yaml:"workdir"`
	AllowedOrigin string `yaml:"allowed_origin"`

	ExecBin        string   `yaml:"exec_bin"`
	ApprovalPolicy string   `yaml:"approval_policy"`
	SandboxMode    string   `yaml:"sandbox_mode"`
	DefaultModel   string   `yaml:"default_model"`
	ModelChoices   []string `yaml:"model_choices"`

	Muxer   string `yaml:"muxer"`
	BootCmd string `yaml:"boot_cmd"`

	SessionTTLMs        int `yaml:"session_ttl_ms"`
	IdleTimeoutMs       int `yaml:"idle_timeout_ms"`
	HistoryLimit        int `yaml:"history_limit"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	TailerIdleMs        int `yaml:"tailer_idle_ms"`
	SweepIntervalMs     int `yaml:"sweep_interval_ms"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default returns a Config with every field at its built-in default.
func Default() *Config {
	home, _ := os.UserHomeDir()
	wd, _ := os.Getwd()
	return &Config{
		Addr:                ":8787",
		Root:                filepath.Join(home, ".claude-gateway"),
		Workdir:             wd,
		AllowedOrigin:       "*",
		ExecBin:             "codex",
		ApprovalPolicy:      "never",
		SandboxMode:         "workspace-write",
		DefaultModel:        "gpt-5.2-codex",
		ModelChoices:        []string{"gpt-5.2-codex", "gpt-4o", "o3", "o4-mini"},
		Muxer:               "tmux",
		SessionTTLMs:        int(4 * time.Hour / time.Millisecond),
		IdleTimeoutMs:       int(30 * time.Minute / time.Millisecond),
		HistoryLimit:        200_000,
		HeartbeatIntervalMs: 15_000,
		TailerIdleMs:        60_000,
		SweepIntervalMs:     int(5 * time.Minute / time.Millisecond),
		LogLevel:            "info",
	}
}

// Load reads the optional config file at path, applies environment
// overrides, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("PERCH_ADDR", &c.Addr)
	envStr("PERCH_ROOT", &c.Root)
	envStr("PERCH_API_KEY", &c.APIKey)
	envStr("PERCH_WORKDIR", &c.Workdir)
	envStr("PERCH_ALLOWED_ORIGIN", &c.AllowedOrigin)
	envStr("PERCH_EXEC_BIN", &c.ExecBin)
	envStr("PERCH_APPROVAL_POLICY", &c.ApprovalPolicy)
	envStr("PERCH_SANDBOX_MODE", &c.SandboxMode)
	envStr("PERCH_DEFAULT_MODEL", &c.DefaultModel)
	envStr("PERCH_MUXER", &c.Muxer)
	envStr("PERCH_BOOT_CMD", &c.BootCmd)
	envStr("PERCH_LOG_LEVEL", &c.LogLevel)
	envStr("PERCH_LOG_FILE", &c.LogFile)

	envInt("PERCH_SESSION_TTL_MS", &c.SessionTTLMs)
	envInt("PERCH_IDLE_TIMEOUT_MS", &c.IdleTimeoutMs)
	envInt("PERCH_HISTORY_LIMIT", &c.HistoryLimit)
	envInt("PERCH_HEARTBEAT_INTERVAL_MS", &c.HeartbeatIntervalMs)
	envInt("PERCH_TAILER_IDLE_MS", &c.TailerIdleMs)
	envInt("PERCH_SWEEP_INTERVAL_MS", &c.SweepIntervalMs)
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.ExecBin == "" {
		return fmt.Errorf("exec_bin is required")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive")
	}
	if c.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("heartbeat_interval_ms must be positive")
	}
	if c.SessionTTLMs <= 0 || c.IdleTimeoutMs <= 0 {
		return fmt.Errorf("session_ttl_ms and idle_timeout_ms must be positive")
	}
	if c.TailerIdleMs <= 0 || c.SweepIntervalMs <= 0 {
		return fmt.Errorf("tailer_idle_ms and sweep_interval_ms must be positive")
	}
	return nil
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMs) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) TailerIdle() time.Duration {
	return time.Duration(c.TailerIdleMs) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}
