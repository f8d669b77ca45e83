// Package config loads layered kern configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override configuration.
const EnvPrefix = "KERN_"

// FileName is the config file name in both the global and project locations.
const FileName = "config.yaml"

// Load reads and merges configuration from global and project paths, then
// applies KERN_* environment overrides.
//
// Precedence (highest to lowest): environment, project file, global file,
// defaults. Missing files are skipped; malformed YAML is an error.
//
// Environment keys drop the prefix, are lowercased, and use "__" between
// sections:
//
//	KERN_MAX_FIX_ATTEMPTS  -> max_fix_attempts
//	KERN_CLAUDE__COMMAND   -> claude.command
//	KERN_STAGES__5__MODEL  -> stages.5.model
//
// KERN_CLAUDE__ARGS is split on whitespace.
func Load(globalPath, projectPath string) (*Config, error) {
	k := koanf.New(".")

	for _, path := range []string{globalPath, projectPath} {
		if path == "" {
			continue
		}
		content, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath is the per-user config file.
func GlobalPath() string {
	return filepath.Join(xdg.ConfigHome, "kern", FileName)
}

// ProjectPath is the per-checkout config file.
func ProjectPath(runDir string) string {
	return filepath.Join(runDir, ".kern", FileName)
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Claude.Command) == "" {
		return errors.New("config: claude.command must not be empty")
	}
	if strings.TrimSpace(c.SpecFile) == "" {
		return errors.New("config: spec_file must not be empty")
	}
	if c.MaxFixAttempts < 0 {
		return fmt.Errorf("config: max_fix_attempts must be >= 0, got %d", c.MaxFixAttempts)
	}
	if c.DefaultCount < 1 {
		return fmt.Errorf("config: default_count must be >= 1, got %d", c.DefaultCount)
	}
	return nil
}

// envKey maps KERN_CLAUDE__COMMAND to claude.command. Returning an empty key
// makes koanf skip the variable.
func envKey(key, value string) (string, interface{}) {
	name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	name = strings.ReplaceAll(name, "__", ".")
	if name == "" || name == "home" {
		return "", nil
	}
	if name == "claude.args" {
		return name, strings.Fields(value)
	}
	return name, value
}
