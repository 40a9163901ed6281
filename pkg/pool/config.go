package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ServerConfig is one named server entry in the configuration document.
// Immutable after load.
type ServerConfig struct {
	Command  string            `json:"command" yaml:"command"`
	Args     []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Disabled bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// ToolFilter optionally limits which tool names the server exposes
	// through the pool. Patterns use doublestar glob syntax; an empty
	// filter exposes everything.
	ToolFilter []string `json:"toolFilter,omitempty" yaml:"toolFilter,omitempty"`
}

// Config is the top-level configuration document.
type Config struct {
	Servers map[string]ServerConfig `json:"servers" yaml:"servers"`
}

// LoadConfig reads and validates a configuration file. The format is chosen
// by extension: .yaml/.yml parse as YAML, everything else as JSON.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every entry for a usable command and well-formed tool
// filter patterns.
func (c *Config) Validate() error {
	for name, sc := range c.Servers {
		if sc.Disabled {
			continue
		}
		if strings.TrimSpace(sc.Command) == "" {
			return fmt.Errorf("server %q: command is required", name)
		}
		for _, pattern := range sc.ToolFilter {
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("server %q: invalid tool filter pattern %q", name, pattern)
			}
		}
	}
	return nil
}

// allowsTool reports whether the entry's filter admits a tool name.
func (sc ServerConfig) allowsTool(name string) bool {
	if len(sc.ToolFilter) == 0 {
		return true
	}
	for _, pattern := range sc.ToolFilter {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
