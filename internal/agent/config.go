package agent

import (
	"fmt"
	"strings"
	"time"
)

// Config defines executor limits and the script root.
type Config struct {
	ScriptDir         string
	BufferedTimeout   time.Duration
	StreamTimeout     time.Duration
	HeartbeatInterval time.Duration
	// WaitDelay bounds how long output pipes may outlive a killed process.
	WaitDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		ScriptDir:         "/agent_files/predefined_commands",
		BufferedTimeout:   60 * time.Second,
		StreamTimeout:     10 * time.Minute,
		HeartbeatInterval: 5 * time.Second,
		WaitDelay:         2 * time.Second,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ScriptDir) == "" {
		return fmt.Errorf("agent: script_dir is required")
	}
	if c.BufferedTimeout <= 0 || c.StreamTimeout <= 0 {
		return fmt.Errorf("agent: timeouts must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("agent: heartbeat_interval must be positive")
	}
	return nil
}
