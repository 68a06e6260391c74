package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pergit configuration
type Config struct {
	Tools ToolsConfig `yaml:"tools"`
	Sync  SyncConfig  `yaml:"sync"`
	Edit  EditConfig  `yaml:"edit"`
}

// ToolsConfig configures the external version-control binaries
type ToolsConfig struct {
	Git string `yaml:"git"`
	P4  string `yaml:"p4"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	DepotPath string `yaml:"depot_path"`
}

// EditConfig configures edit and review behavior
type EditConfig struct {
	BaseBranch string `yaml:"base_branch"`
}

// Load reads and parses the configuration file. A missing file is not an
// error: pergit runs with defaults when no configuration exists.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fall through to defaults.
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Tools.Git = os.ExpandEnv(c.Tools.Git)
	c.Tools.P4 = os.ExpandEnv(c.Tools.P4)
	c.Sync.DepotPath = os.ExpandEnv(c.Sync.DepotPath)
	c.Edit.BaseBranch = os.ExpandEnv(c.Edit.BaseBranch)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Tools.Git == "" {
		c.Tools.Git = "git"
	}
	if c.Tools.P4 == "" {
		c.Tools.P4 = "p4"
	}
	if c.Sync.DepotPath == "" {
		c.Sync.DepotPath = "//..."
	}
	if c.Edit.BaseBranch == "" {
		c.Edit.BaseBranch = "HEAD~1"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Sync.DepotPath, "//") {
		return fmt.Errorf("sync.depot_path must be a depot path starting with //, got: %s", c.Sync.DepotPath)
	}
	return nil
}
