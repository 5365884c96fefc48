// Package config loads stormpack configuration and watches spec sources
// for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config errors.
var (
	// ErrInvalidConfig is returned when a loaded configuration fails
	// validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds all stormpack settings.
type Config struct {
	// Root is the directory extensions are installed under.
	Root string `toml:"root"`

	// SpecDirs are searched, in order, when resolving spec sources by
	// name.
	SpecDirs []string `toml:"spec_dirs"`

	// Sources are the spec source names loaded at startup.
	Sources []string `toml:"sources"`

	// Lockfile overrides the default Root/stormpack-lock.json.
	Lockfile string `toml:"lockfile"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// Concurrency bounds how many pipeline tasks run at once.
	Concurrency int `toml:"concurrency"`

	// ThrottlePerSec bounds network git operations per second. Zero means
	// unlimited.
	ThrottlePerSec float64 `toml:"throttle_per_sec"`

	// MaxRetries is how many times a failed network operation is retried.
	MaxRetries int `toml:"max_retries"`

	// GitTimeoutSeconds bounds each git command.
	GitTimeoutSeconds int `toml:"git_timeout_seconds"`

	// CooldownMinutes is how recently an extension must have synced for
	// an update run to skip it. Zero disables the check.
	CooldownMinutes int `toml:"cooldown_minutes"`
}

// Default returns the configuration used when no file is present. Paths
// follow the XDG conventions.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		dataHome = filepath.Join(home, ".local", "share")
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		configHome = filepath.Join(home, ".config")
	}

	return Config{
		Root:              filepath.Join(dataHome, "stormpack"),
		SpecDirs:          []string{filepath.Join(configHome, "stormpack")},
		Sources:           []string{"extensions"},
		LogLevel:          "info",
		Concurrency:       4,
		MaxRetries:        2,
		GitTimeoutSeconds: 120,
		CooldownMinutes:   0,
	}
}

// Load reads the configuration file at path over the defaults. A missing
// file yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "stormpack", "stormpack.toml")
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("root must not be empty")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.ThrottlePerSec < 0 {
		return fmt.Errorf("throttle_per_sec must not be negative, got %v", c.ThrottlePerSec)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.GitTimeoutSeconds < 1 {
		return fmt.Errorf("git_timeout_seconds must be positive, got %d", c.GitTimeoutSeconds)
	}
	if c.CooldownMinutes < 0 {
		return fmt.Errorf("cooldown_minutes must not be negative, got %d", c.CooldownMinutes)
	}
	return nil
}

// GitTimeout returns the per-command git timeout.
func (c *Config) GitTimeout() time.Duration {
	return time.Duration(c.GitTimeoutSeconds) * time.Second
}

// Cooldown returns the update cooldown window.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// LockfilePath returns the effective lockfile location.
func (c *Config) LockfilePath() string {
	if c.Lockfile != "" {
		return c.Lockfile
	}
	return filepath.Join(c.Root, "stormpack-lock.json")
}
