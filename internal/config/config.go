// Package config holds the loading steps shared by every hermes binary:
// a TOML file decoded over defaults, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

var ErrUnknownKey = errors.New("config: unknown key")

// DecodeFile decodes path into out. Keys absent from the file leave the
// matching fields of out untouched. A missing file is not an error when
// optional is set; unknown keys always are.
func DecodeFile(path string, out any, optional bool) (toml.MetaData, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return toml.MetaData{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return toml.MetaData{}, nil
		}
		return toml.MetaData{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return meta, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return meta, fmt.Errorf("%w in %s: %s", ErrUnknownKey, path, strings.Join(keys, ", "))
	}
	return meta, nil
}

// ApplyEnv overlays variables named by the `env` tags of out. Unset
// variables keep the current field values.
func ApplyEnv(out any) error {
	if err := env.Parse(out); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

// Duration parses a TOML duration string, treating blank as unset.
func Duration(key, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: must not be negative", key)
	}
	return d, nil
}

// Strings trims entries and drops blanks.
func Strings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
