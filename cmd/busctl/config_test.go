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

func TestLoadBusConfigExample(t *testing.T) {
	cfg, err := loadBusConfig(workspacePath(t, "cmd/busctl/ex.config.toml"), false)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ID != "bus.local" || cfg.Listen != ":9300" || cfg.Token != "change-me-bus" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Hub.SendBuffer != 128 || cfg.Hub.PingInterval != 20*time.Second {
		t.Fatalf("unexpected hub config: %+v", cfg.Hub)
	}
	if cfg.Hub.WriteTimeout != 10*time.Second {
		t.Fatalf("default write timeout lost: %v", cfg.Hub.WriteTimeout)
	}
	if len(cfg.CorsOrigins) != 1 {
		t.Fatalf("unexpected cors origins: %v", cfg.CorsOrigins)
	}
}

func TestLoadBusConfigRejectsZeroBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.toml")
	if err := os.WriteFile(path, []byte("send_buffer = 0\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadBusConfig(path, false); err == nil {
		t.Fatalf("expected send_buffer error")
	}
}

func TestLoadBusConfigEnvToken(t *testing.T) {
	t.Setenv("HERMES_BUS_TOKEN", "from-env")
	cfg, err := loadBusConfig(filepath.Join(t.TempDir(), "missing.toml"), true)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Token != "from-env" || cfg.Listen != ":9300" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
