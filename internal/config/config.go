// Package config provides configuration loading for cidoctor.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CIDOCTOR_MAX_ACTIONS, CIDOCTOR_LOCKSTORE_BACKEND, ...)
//  2. YAML config file
//  3. Hardcoded defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "CIDOCTOR_"
	maxConfigFileSize = 1024 * 1024 // 1MB

	// LockBackendFile stores locks in a flock-guarded JSON file.
	LockBackendFile = "file"
	// LockBackendSQLite stores locks in a SQLite table.
	LockBackendSQLite = "sqlite"
)

// Config holds the complete cidoctor configuration.
type Config struct {
	// ReportDir is scanned for failure reports when no explicit report
	// path is given.
	ReportDir string `koanf:"report_dir"`

	// ReportPattern is the glob used during report auto-discovery.
	ReportPattern string `koanf:"report_pattern"`

	// Cooldown is the minimum time between successful remediations of
	// the same failure type.
	Cooldown time.Duration `koanf:"cooldown"`

	// MaxActions caps handler invocations per run.
	MaxActions int `koanf:"max_actions"`

	// HandlerTimeout bounds a single handler execution.
	HandlerTimeout time.Duration `koanf:"handler_timeout"`

	// ProtectedWorkflows is the denylist of pipeline name fragments the
	// dispatcher must never act on. Empty means the builtin defaults.
	ProtectedWorkflows []string `koanf:"protected_workflows"`

	// Policies maps failure types to handler IDs.
	Policies map[string]string `koanf:"policies"`

	// Handlers maps handler IDs to executable paths.
	Handlers map[string]string `koanf:"handlers"`

	LockStore LockStoreConfig `koanf:"lockstore"`
	Audit     AuditConfig     `koanf:"audit"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// LockStoreConfig selects and locates the lock store backend.
type LockStoreConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `koanf:"backend"`
	Path    string `koanf:"path"`
}

// AuditConfig locates the audit log.
type AuditConfig struct {
	Path string `koanf:"path"`
}

// MetricsConfig configures the Prometheus endpoint used in watch mode.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Load reads configuration from the YAML file at configPath (skipped when
// empty or missing), applies CIDOCTOR_* environment overrides, fills in
// defaults, and validates.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil {
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
			}
			content, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file %s: %w", configPath, err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envTransform maps environment variable names to config keys.
//
//	CIDOCTOR_MAX_ACTIONS       -> max_actions
//	CIDOCTOR_LOCKSTORE_BACKEND -> lockstore.backend
//	CIDOCTOR_METRICS_ADDR      -> metrics.addr
//
// Only the known section prefixes become nested keys; everything else is a
// top-level field with underscores preserved.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, section := range []string{"lockstore", "audit", "metrics"} {
		if strings.HasPrefix(s, section+"_") {
			return section + "." + strings.TrimPrefix(s, section+"_")
		}
	}
	return s
}

// DefaultStateDir returns the base directory for durable dispatcher state
// (lock store, audit log).
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "cidoctor"), nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) error {
	if cfg.ReportDir == "" {
		cfg.ReportDir = "."
	}
	if cfg.ReportPattern == "" {
		cfg.ReportPattern = "ci-failures-*.json"
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	if cfg.MaxActions == 0 {
		cfg.MaxActions = 10
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 60 * time.Second
	}
	if cfg.LockStore.Backend == "" {
		cfg.LockStore.Backend = LockBackendFile
	}

	if cfg.LockStore.Path == "" || cfg.Audit.Path == "" {
		stateDir, err := DefaultStateDir()
		if err != nil {
			return err
		}
		if cfg.LockStore.Path == "" {
			switch cfg.LockStore.Backend {
			case LockBackendSQLite:
				cfg.LockStore.Path = filepath.Join(stateDir, "locks.db")
			default:
				cfg.LockStore.Path = filepath.Join(stateDir, "locks.json")
			}
		}
		if cfg.Audit.Path == "" {
			cfg.Audit.Path = filepath.Join(stateDir, "audit.log")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9464"
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Cooldown <= 0 {
		return errors.New("cooldown must be positive")
	}
	if c.MaxActions <= 0 {
		return errors.New("max_actions must be positive")
	}
	if c.HandlerTimeout <= 0 {
		return errors.New("handler_timeout must be positive")
	}
	if c.LockStore.Backend != LockBackendFile && c.LockStore.Backend != LockBackendSQLite {
		return fmt.Errorf("unknown lockstore backend %q (want %s or %s)",
			c.LockStore.Backend, LockBackendFile, LockBackendSQLite)
	}
	if c.LockStore.Path == "" {
		return errors.New("lockstore path is required")
	}
	if c.Audit.Path == "" {
		return errors.New("audit path is required")
	}
	for failureType, handlerID := range c.Policies {
		if failureType == "" || handlerID == "" {
			return fmt.Errorf("policy entries need both failure type and handler ID (got %q -> %q)", failureType, handlerID)
		}
	}
	return nil
}
