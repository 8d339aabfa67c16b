package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/hermes/internal/agent"
	"github.com/danmuck/hermes/internal/config"
)

type agentConfig struct {
	ID          string
	Listen      string
	CatalogPath string
	Token       string
	CorsOrigins []string
	Exec        agent.Config
}

type fileConfig struct {
	ID                string   `toml:"id"`
	Listen            string   `toml:"listen"`
	ScriptDir         string   `toml:"script_dir"`
	Catalog           string   `toml:"catalog"`
	Token             string   `toml:"token"`
	CorsOrigins       []string `toml:"cors_origins"`
	BufferedTimeout   string   `toml:"buffered_timeout"`
	StreamTimeout     string   `toml:"stream_timeout"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	WaitDelay         string   `toml:"wait_delay"`
}

type envConfig struct {
	Port      int    `env:"AGENT_PORT"`
	ScriptDir string `env:"HERMES_SCRIPT_DIR"`
	Catalog   string `env:"HERMES_CATALOG"`
	Token     string `env:"HERMES_AGENT_TOKEN"`
}

func defaultAgentConfig() agentConfig {
	return agentConfig{
		ID:     "agent.local",
		Listen: ":9000",
		Exec:   agent.DefaultConfig(),
	}
}

func loadAgentConfig(path string, optional bool) (agentConfig, error) {
	cfg := defaultAgentConfig()

	var raw fileConfig
	meta, err := config.DecodeFile(path, &raw, optional)
	if err != nil {
		return agentConfig{}, fmt.Errorf("load agent config: %w", err)
	}
	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("script_dir") {
		cfg.Exec.ScriptDir = strings.TrimSpace(raw.ScriptDir)
	}
	if meta.IsDefined("catalog") {
		cfg.CatalogPath = strings.TrimSpace(raw.Catalog)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = config.Strings(raw.CorsOrigins)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"buffered_timeout", raw.BufferedTimeout, &cfg.Exec.BufferedTimeout},
		{"stream_timeout", raw.StreamTimeout, &cfg.Exec.StreamTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Exec.HeartbeatInterval},
		{"wait_delay", raw.WaitDelay, &cfg.Exec.WaitDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := config.Duration(d.key, d.raw, *d.dst)
		if err != nil {
			return agentConfig{}, err
		}
		*d.dst = v
	}

	var overrides envConfig
	if err := config.ApplyEnv(&overrides); err != nil {
		return agentConfig{}, err
	}
	if overrides.Port > 0 {
		host, _, err := net.SplitHostPort(cfg.Listen)
		if err != nil {
			host = ""
		}
		cfg.Listen = net.JoinHostPort(host, strconv.Itoa(overrides.Port))
	}
	if overrides.ScriptDir != "" {
		cfg.Exec.ScriptDir = overrides.ScriptDir
	}
	if overrides.Catalog != "" {
		cfg.CatalogPath = overrides.Catalog
	}
	if overrides.Token != "" {
		cfg.Token = overrides.Token
	}
	return cfg, nil
}

func (c agentConfig) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("agent config missing listen")
	}
	return c.Exec.Validate()
}
