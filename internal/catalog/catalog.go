// Package catalog resolves command names to their execution policy.
//
// The catalog is static: a YAML file listing every command an operator may
// submit, its timeout bound, and its positional parameter schema.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownCommand = errors.New("catalog: unknown command")
	ErrMissingParam   = errors.New("catalog: missing required parameter")
	ErrDuplicate      = errors.New("catalog: duplicate command")
)

// Param is one positional parameter. Safe params may appear in audit logs.
type Param struct {
	Name     string `yaml:"name"`
	Safe     bool   `yaml:"safe"`
	Optional bool   `yaml:"optional"`
}

// Command is one catalog entry.
type Command struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Timeout     time.Duration `yaml:"timeout"`
	Stream      bool          `yaml:"stream"`
	Params      []Param       `yaml:"params"`
}

type fileFormat struct {
	Commands []Command `yaml:"commands"`
}

// Catalog is an immutable name -> Command lookup.
type Catalog struct {
	byName map[string]Command
}

// New builds a catalog from entries, rejecting blank or duplicate names.
func New(entries []Command) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Command, len(entries))}
	for _, cmd := range entries {
		cmd.Name = strings.TrimSpace(cmd.Name)
		if cmd.Name == "" {
			return nil, fmt.Errorf("catalog: command with empty name")
		}
		if _, ok := c.byName[cmd.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, cmd.Name)
		}
		c.byName[cmd.Name] = cmd
	}
	return c, nil
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return New(f.Commands)
}

// Lookup returns the entry for name. A nil catalog knows nothing.
func (c *Catalog) Lookup(name string) (Command, bool) {
	if c == nil {
		return Command{}, false
	}
	cmd, ok := c.byName[strings.TrimSpace(name)]
	return cmd, ok
}

func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks params against the required-parameter schema of name.
func (c *Catalog) Validate(name string, params []string) error {
	cmd, ok := c.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	for i, p := range cmd.Params {
		if p.Optional {
			continue
		}
		if i >= len(params) || strings.TrimSpace(params[i]) == "" {
			return fmt.Errorf("%w: %s requires %q", ErrMissingParam, name, p.Name)
		}
	}
	return nil
}

// Timeout returns the command's bound, or fallback when unset.
func (c *Catalog) Timeout(name string, fallback time.Duration) time.Duration {
	cmd, ok := c.Lookup(name)
	if !ok || cmd.Timeout <= 0 {
		return fallback
	}
	return cmd.Timeout
}

// Redact returns params with every value not marked safe replaced.
// Unknown commands and extra positional params are fully redacted.
func (c *Catalog) Redact(name string, params []string) []string {
	cmd, _ := c.Lookup(name)
	out := make([]string, len(params))
	for i, v := range params {
		if i < len(cmd.Params) && cmd.Params[i].Safe {
			out[i] = v
			continue
		}
		out[i] = "<redacted>"
	}
	return out
}
