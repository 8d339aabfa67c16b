package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Kinds lists the binaries with a config template.
var Kinds = []string{"agent", "worker", "bus", "cli"}

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "agent":
		return agentTemplate, nil
	case "worker":
		return workerTemplate, nil
	case "bus":
		return busTemplate, nil
	case "cli":
		return cliTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const agentTemplate = `id = "agent.local"
listen = ":9000"
script_dir = "/agent_files/predefined_commands"
catalog = ""
token = ""
cors_origins = []

buffered_timeout = "60s"
stream_timeout = "10m"
heartbeat_interval = "5s"
wait_delay = "2s"
`

const workerTemplate = `id = "worker.local"
data_dir = "/var/lib/hermes"
pool_size = 4
concurrency = 2
metrics_listen = "127.0.0.1:9310"

request_timeout = "15m"
lease = "30m"
flush_lines = 20
flush_interval = "1s"

[agent]
port = 9000
token = ""

[bus]
url = "ws://127.0.0.1:9300/ws"
token = ""
connect_timeout = "5s"

[ssh]
user = "deploy"
key_path = ""
known_hosts_path = ""
insecure_skip_host_key_checking = false
timeout = "10s"
script_dir = "/agent_files/predefined_commands"
`

const busTemplate = `id = "bus.local"
listen = ":9300"
token = ""
cors_origins = []

send_buffer = 64
ping_interval = "30s"
`

const cliTemplate = `data_dir = "/var/lib/hermes"
catalog = ""

[bus]
url = "ws://127.0.0.1:9300/ws"
token = ""
connect_timeout = "3s"

[tokens]
`

// CheckKeys reports keys in path that the kind's template does not know.
// Entries under [tokens] are free-form.
func CheckKeys(path, kind string) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	var scratch map[string]any
	known, err := toml.Decode(template, &scratch)
	if err != nil {
		return fmt.Errorf("template %s: %w", kind, err)
	}
	allowed := make(map[string]bool)
	for _, k := range known.Keys() {
		allowed[k.String()] = true
	}

	var raw map[string]any
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	var unknown []string
	for _, k := range meta.Keys() {
		if len(k) > 1 && k[0] == "tokens" && allowed["tokens"] {
			continue
		}
		if !allowed[k.String()] {
			unknown = append(unknown, k.String())
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w in %s: %s", ErrUnknownKey, path, strings.Join(unknown, ", "))
	}
	return nil
}
