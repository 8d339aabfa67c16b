package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func workspacePath(t *testing.T, rel string) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, rel)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("go.mod not found above working directory")
		}
		dir = parent
	}
}

func TestLoadAgentConfigExample(t *testing.T) {
	cfg, err := loadAgentConfig(workspacePath(t, "cmd/agentctl/ex.config.toml"), false)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ID != "agent.local" || cfg.Listen != ":9000" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.Exec.ScriptDir != "/agent_files/predefined_commands" {
		t.Fatalf("unexpected script dir: %q", cfg.Exec.ScriptDir)
	}
	if cfg.Exec.StreamTimeout != 10*time.Minute || cfg.Exec.BufferedTimeout != 60*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg.Exec)
	}
	if cfg.Token != "change-me-agent" {
		t.Fatalf("unexpected token: %q", cfg.Token)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadAgentConfigEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_PORT", "9100")
	t.Setenv("HERMES_SCRIPT_DIR", "/opt/scripts")
	cfg, err := loadAgentConfig(filepath.Join(t.TempDir(), "missing.toml"), true)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Listen != ":9100" {
		t.Fatalf("unexpected listen: %q", cfg.Listen)
	}
	if cfg.Exec.ScriptDir != "/opt/scripts" {
		t.Fatalf("unexpected script dir: %q", cfg.Exec.ScriptDir)
	}
	if cfg.Exec.HeartbeatInterval != 5*time.Second {
		t.Fatalf("defaults lost: %+v", cfg.Exec)
	}
}

func TestLoadAgentConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	if err := os.WriteFile(path, []byte(`stream_timeout = "soon"`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadAgentConfig(path, false); err == nil {
		t.Fatalf("expected duration error")
	}
}
