package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/hermes/internal/auth"
	"github.com/danmuck/hermes/internal/config"
)

type cliConfig struct {
	DataDir     string
	PoolSize    int
	CatalogPath string
	Token       string
	Tokens      auth.Tokens

	BusURL            string
	BusToken          string
	BusConnectTimeout time.Duration
	PollInterval      time.Duration
}

type fileConfig struct {
	DataDir  string `toml:"data_dir"`
	Catalog  string `toml:"catalog"`
	PoolSize int    `toml:"pool_size"`

	Bus struct {
		URL            string `toml:"url"`
		Token          string `toml:"token"`
		ConnectTimeout string `toml:"connect_timeout"`
	} `toml:"bus"`

	// Tokens maps operator token to username.
	Tokens map[string]string `toml:"tokens"`
}

type envConfig struct {
	DataDir  string `env:"HERMES_DATA_DIR"`
	Catalog  string `env:"HERMES_CATALOG"`
	Token    string `env:"HERMES_TOKEN"`
	BusURL   string `env:"HERMES_BUS_URL"`
	BusToken string `env:"HERMES_BUS_TOKEN"`
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		DataDir:           "/var/lib/hermes",
		PoolSize:          2,
		Tokens:            auth.Tokens{},
		BusConnectTimeout: 3 * time.Second,
		PollInterval:      time.Second,
	}
}

func loadCLIConfig(path string, optional bool) (cliConfig, error) {
	cfg := defaultCLIConfig()

	var raw fileConfig
	meta, err := config.DecodeFile(path, &raw, optional)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load cli config: %w", err)
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("catalog") {
		cfg.CatalogPath = strings.TrimSpace(raw.Catalog)
	}
	if meta.IsDefined("pool_size") && raw.PoolSize > 0 {
		cfg.PoolSize = raw.PoolSize
	}
	if meta.IsDefined("bus", "url") {
		cfg.BusURL = strings.TrimSpace(raw.Bus.URL)
	}
	if meta.IsDefined("bus", "token") {
		cfg.BusToken = strings.TrimSpace(raw.Bus.Token)
	}
	if meta.IsDefined("bus", "connect_timeout") {
		if cfg.BusConnectTimeout, err = config.Duration("bus.connect_timeout", raw.Bus.ConnectTimeout, cfg.BusConnectTimeout); err != nil {
			return cliConfig{}, err
		}
	}
	for token, user := range raw.Tokens {
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if token == "" || user == "" {
			return cliConfig{}, fmt.Errorf("tokens: blank token or username")
		}
		cfg.Tokens[token] = user
	}

	var overrides envConfig
	if err := config.ApplyEnv(&overrides); err != nil {
		return cliConfig{}, err
	}
	if overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
	}
	if overrides.Catalog != "" {
		cfg.CatalogPath = overrides.Catalog
	}
	if overrides.Token != "" {
		cfg.Token = overrides.Token
	}
	if overrides.BusURL != "" {
		cfg.BusURL = overrides.BusURL
	}
	if overrides.BusToken != "" {
		cfg.BusToken = overrides.BusToken
	}
	return cfg, nil
}
