package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Files ending in .toml are parsed as TOML, anything else as JSON.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Project config has the highest precedence
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskforge/config.json (or config.toml)
// Project: .taskforge/config.json (or config.toml), relative to cwd
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(FindConfig(filepath.Join(homeDir, ".taskforge")), FindConfig(".taskforge"))
}

// FindConfig returns the config file in dir, preferring config.json over
// config.toml, or "" when neither exists.
func FindConfig(dir string) string {
	for _, name := range []string{"config.json", "config.toml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// mergeConfigFile reads a config file and merges it into the base config.
// Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &loaded); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	merge(base, &loaded)
	return nil
}

// merge overlays every non-zero value of src onto base. Map entries are
// replaced per key.
func merge(base, src *Config) {
	for key, provider := range src.Providers {
		base.Providers[key] = provider
	}
	for key, agent := range src.Agents {
		base.Agents[key] = agent
	}

	s, o := &base.Scheduler, src.Scheduler
	setIf(&s.MaxConcurrent, o.MaxConcurrent)
	setIf(&s.MaxAttempts, o.MaxAttempts)
	setIf(&s.GenerationTimeout, o.GenerationTimeout)
	setIf(&s.VerificationTimeout, o.VerificationTimeout)
	setIf(&s.IdleAgentTTL, o.IdleAgentTTL)
	setIf(&s.DispatchInterval, o.DispatchInterval)
	setIf(&s.WorkDir, o.WorkDir)

	setIf(&base.Server.Addr, src.Server.Addr)
	if len(src.Server.CORSOrigins) > 0 {
		base.Server.CORSOrigins = src.Server.CORSOrigins
	}
	if src.Server.Debug {
		base.Server.Debug = true
	}

	setIf(&base.Storage.DBPath, src.Storage.DBPath)
	setIf(&base.Logging.Level, src.Logging.Level)
	setIf(&base.Logging.Format, src.Logging.Format)
}

func setIf[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent must be at least 1, got %d", c.Scheduler.MaxConcurrent))
	}
	if c.Scheduler.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_attempts must not be negative, got %d", c.Scheduler.MaxAttempts))
	}
	for kind, agent := range c.Agents {
		if _, ok := c.Providers[agent.Provider]; !ok {
			errs = append(errs, fmt.Errorf("agents.%s: unknown provider %q", kind, agent.Provider))
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
