package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/hermes/internal/bus"
	"github.com/danmuck/hermes/internal/config"
)

type busConfig struct {
	ID          string
	Listen      string
	Token       string
	CorsOrigins []string
	Hub         bus.HubConfig
}

type fileConfig struct {
	ID           string   `toml:"id"`
	Listen       string   `toml:"listen"`
	Token        string   `toml:"token"`
	CorsOrigins  []string `toml:"cors_origins"`
	SendBuffer   int      `toml:"send_buffer"`
	PingInterval string   `toml:"ping_interval"`
}

type envConfig struct {
	Listen string `env:"HERMES_BUS_LISTEN"`
	Token  string `env:"HERMES_BUS_TOKEN"`
}

func loadBusConfig(path string, optional bool) (busConfig, error) {
	cfg := busConfig{ID: "bus.local", Listen: ":9300", Hub: bus.DefaultHubConfig()}

	var raw fileConfig
	meta, err := config.DecodeFile(path, &raw, optional)
	if err != nil {
		return busConfig{}, fmt.Errorf("load bus config: %w", err)
	}
	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = config.Strings(raw.CorsOrigins)
	}
	if meta.IsDefined("send_buffer") {
		if raw.SendBuffer <= 0 {
			return busConfig{}, fmt.Errorf("send_buffer must be positive")
		}
		cfg.Hub.SendBuffer = raw.SendBuffer
	}
	if meta.IsDefined("ping_interval") {
		if cfg.Hub.PingInterval, err = config.Duration("ping_interval", raw.PingInterval, cfg.Hub.PingInterval); err != nil {
			return busConfig{}, err
		}
	}

	var overrides envConfig
	if err := config.ApplyEnv(&overrides); err != nil {
		return busConfig{}, err
	}
	if overrides.Listen != "" {
		cfg.Listen = overrides.Listen
	}
	if overrides.Token != "" {
		cfg.Token = overrides.Token
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return busConfig{}, fmt.Errorf("bus config missing listen")
	}
	return cfg, nil
}
