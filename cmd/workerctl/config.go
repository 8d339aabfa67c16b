package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/hermes/internal/config"
	"github.com/danmuck/hermes/internal/orchestrator"
	"github.com/danmuck/hermes/internal/queue"
)

type workerConfig struct {
	ID            string
	DataDir       string
	PoolSize      int
	MetricsListen string

	Pool  orchestrator.Config
	Queue queue.Config

	AgentPort  int
	AgentToken string

	BusURL            string
	BusToken          string
	BusConnectTimeout time.Duration

	SSH orchestrator.SSHConfig
}

type fileConfig struct {
	ID             string `toml:"id"`
	DataDir        string `toml:"data_dir"`
	PoolSize       int    `toml:"pool_size"`
	Concurrency    int    `toml:"concurrency"`
	MetricsListen  string `toml:"metrics_listen"`
	RequestTimeout string `toml:"request_timeout"`
	Lease          string `toml:"lease"`
	FlushLines     int    `toml:"flush_lines"`
	FlushInterval  string `toml:"flush_interval"`

	Agent struct {
		Port  int    `toml:"port"`
		Token string `toml:"token"`
	} `toml:"agent"`

	Bus struct {
		URL            string `toml:"url"`
		Token          string `toml:"token"`
		ConnectTimeout string `toml:"connect_timeout"`
	} `toml:"bus"`

	SSH struct {
		User                        string `toml:"user"`
		KeyPath                     string `toml:"key_path"`
		KnownHostsPath              string `toml:"known_hosts_path"`
		InsecureSkipHostKeyChecking bool   `toml:"insecure_skip_host_key_checking"`
		Timeout                     string `toml:"timeout"`
		ScriptDir                   string `toml:"script_dir"`
	} `toml:"ssh"`
}

type envConfig struct {
	DataDir       string `env:"HERMES_DATA_DIR"`
	Concurrency   int    `env:"HERMES_WORKER_CONCURRENCY"`
	AgentPort     int    `env:"AGENT_PORT"`
	AgentToken    string `env:"HERMES_AGENT_TOKEN"`
	BusURL        string `env:"HERMES_BUS_URL"`
	BusToken      string `env:"HERMES_BUS_TOKEN"`
	SSHPassphrase string `env:"HERMES_SSH_PASSPHRASE"`
}

func defaultWorkerConfig() workerConfig {
	return workerConfig{
		ID:                "worker.local",
		DataDir:           "/var/lib/hermes",
		PoolSize:          4,
		Pool:              orchestrator.DefaultConfig(),
		Queue:             queue.DefaultConfig(),
		AgentPort:         9000,
		BusConnectTimeout: 5 * time.Second,
		SSH:               orchestrator.DefaultSSHConfig(),
	}
}

func loadWorkerConfig(path string, optional bool) (workerConfig, error) {
	cfg := defaultWorkerConfig()

	var raw fileConfig
	meta, err := config.DecodeFile(path, &raw, optional)
	if err != nil {
		return workerConfig{}, fmt.Errorf("load worker config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("pool_size") {
		cfg.PoolSize = raw.PoolSize
	}
	if meta.IsDefined("concurrency") {
		cfg.Pool.Concurrency = raw.Concurrency
	}
	if meta.IsDefined("metrics_listen") {
		cfg.MetricsListen = strings.TrimSpace(raw.MetricsListen)
	}
	if meta.IsDefined("flush_lines") {
		cfg.Pool.FlushLines = raw.FlushLines
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"request_timeout"}, raw.RequestTimeout, &cfg.Pool.RequestTimeout},
		{[]string{"lease"}, raw.Lease, &cfg.Queue.Lease},
		{[]string{"flush_interval"}, raw.FlushInterval, &cfg.Pool.FlushInterval},
		{[]string{"bus", "connect_timeout"}, raw.Bus.ConnectTimeout, &cfg.BusConnectTimeout},
		{[]string{"ssh", "timeout"}, raw.SSH.Timeout, &cfg.SSH.Timeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := config.Duration(strings.Join(d.key, "."), d.raw, *d.dst)
		if err != nil {
			return workerConfig{}, err
		}
		*d.dst = v
	}

	if meta.IsDefined("agent", "port") {
		cfg.AgentPort = raw.Agent.Port
	}
	if meta.IsDefined("agent", "token") {
		cfg.AgentToken = strings.TrimSpace(raw.Agent.Token)
	}
	if meta.IsDefined("bus", "url") {
		cfg.BusURL = strings.TrimSpace(raw.Bus.URL)
	}
	if meta.IsDefined("bus", "token") {
		cfg.BusToken = strings.TrimSpace(raw.Bus.Token)
	}
	if meta.IsDefined("ssh", "user") {
		cfg.SSH.User = strings.TrimSpace(raw.SSH.User)
	}
	if meta.IsDefined("ssh", "key_path") {
		cfg.SSH.KeyPath = strings.TrimSpace(raw.SSH.KeyPath)
	}
	if meta.IsDefined("ssh", "known_hosts_path") {
		cfg.SSH.KnownHostsPath = strings.TrimSpace(raw.SSH.KnownHostsPath)
	}
	if meta.IsDefined("ssh", "insecure_skip_host_key_checking") {
		cfg.SSH.InsecureSkipHostKeyChecking = raw.SSH.InsecureSkipHostKeyChecking
	}
	if meta.IsDefined("ssh", "script_dir") {
		cfg.SSH.ScriptDir = strings.TrimSpace(raw.SSH.ScriptDir)
	}

	var overrides envConfig
	if err := config.ApplyEnv(&overrides); err != nil {
		return workerConfig{}, err
	}
	if overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
	}
	if overrides.Concurrency > 0 {
		cfg.Pool.Concurrency = overrides.Concurrency
	}
	if overrides.AgentPort > 0 {
		cfg.AgentPort = overrides.AgentPort
	}
	if overrides.AgentToken != "" {
		cfg.AgentToken = overrides.AgentToken
	}
	if overrides.BusURL != "" {
		cfg.BusURL = overrides.BusURL
	}
	if overrides.BusToken != "" {
		cfg.BusToken = overrides.BusToken
	}
	if overrides.SSHPassphrase != "" {
		cfg.SSH.Passphrase = []byte(overrides.SSHPassphrase)
	}
	return cfg, nil
}

func (c workerConfig) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("worker config missing data_dir")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("worker config pool_size must be positive")
	}
	if c.Pool.Concurrency <= 0 {
		return fmt.Errorf("worker config concurrency must be positive")
	}
	if c.AgentPort <= 0 || c.AgentPort > 65535 {
		return fmt.Errorf("worker config agent port out of range: %d", c.AgentPort)
	}
	if c.Queue.Lease > 0 && c.Queue.Lease <= c.Pool.RequestTimeout {
		return fmt.Errorf("worker config lease (%s) must exceed request_timeout (%s)", c.Queue.Lease, c.Pool.RequestTimeout)
	}
	return c.Pool.Validate()
}
