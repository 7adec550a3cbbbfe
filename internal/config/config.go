// Package config loads orblab configuration from YAML with sane defaults.
//
// Everything is optional: a missing config file yields the defaults, and a
// present file only overrides the keys it sets.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds connector and CLI settings.
type Config struct {
	ConfigPath string

	// OrbctlPath is the orbctl binary to invoke, resolved via PATH when
	// not absolute.
	OrbctlPath string
	// StagingDir holds temporary files for privileged transfers inside
	// the VM.
	StagingDir string

	MaxRetries     int
	BaseDelay      time.Duration
	CommandTimeout time.Duration
	NetworkTimeout time.Duration

	// JournalPath is the SQLite execution journal; empty disables it.
	JournalPath string
	// MetricsListen serves Prometheus metrics when set; localhost only.
	MetricsListen string

	// TestVMPrefixes override the names the cleanup sweeper matches.
	TestVMPrefixes []string
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	OrbctlPath            string   `yaml:"orbctl_path"`
	StagingDir            string   `yaml:"staging_dir"`
	MaxRetries            *int     `yaml:"max_retries"`
	BaseDelaySeconds      float64  `yaml:"base_delay_seconds"`
	CommandTimeoutSeconds float64  `yaml:"command_timeout_seconds"`
	NetworkTimeoutSeconds float64  `yaml:"network_timeout_seconds"`
	JournalPath           string   `yaml:"journal_path"`
	MetricsListen         string   `yaml:"metrics_listen"`
	TestVMPrefixes        []string `yaml:"test_vm_prefixes"`
}

// DefaultConfigPath is where Load looks when no path is given.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".orblab", "config.yaml")
}

func DefaultConfig() Config {
	return Config{
		ConfigPath:     DefaultConfigPath(),
		OrbctlPath:     "orbctl",
		StagingDir:     "/tmp",
		MaxRetries:     3,
		BaseDelay:      2 * time.Second,
		CommandTimeout: 60 * time.Second,
		NetworkTimeout: 180 * time.Second,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
//
// A missing file at the default path is not an error; a missing file at an
// explicitly requested path is.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if explicit {
		cfg.ConfigPath = path
	}
	if cfg.ConfigPath != "" {
		data, err := os.ReadFile(cfg.ConfigPath)
		switch {
		case err == nil:
			var fileCfg FileConfig
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
			}
			applyFileConfig(&cfg, fileCfg)
		case !explicit && errors.Is(err, os.ErrNotExist):
			// No config file at the default location is fine.
		default:
			return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides on top of file config. Env wins
// over file, flags win over env at the CLI.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ORBLAB_ORBCTL"); v != "" {
		cfg.OrbctlPath = v
	}
	if v := os.Getenv("ORBLAB_STAGING_DIR"); v != "" {
		cfg.StagingDir = v
	}
	if v := os.Getenv("ORBLAB_JOURNAL"); v != "" {
		cfg.JournalPath = v
	}
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.OrbctlPath != "" {
		cfg.OrbctlPath = fileCfg.OrbctlPath
	}
	if fileCfg.StagingDir != "" {
		cfg.StagingDir = fileCfg.StagingDir
	}
	if fileCfg.MaxRetries != nil {
		cfg.MaxRetries = *fileCfg.MaxRetries
	}
	if fileCfg.BaseDelaySeconds > 0 {
		cfg.BaseDelay = secondsToDuration(fileCfg.BaseDelaySeconds)
	}
	if fileCfg.CommandTimeoutSeconds > 0 {
		cfg.CommandTimeout = secondsToDuration(fileCfg.CommandTimeoutSeconds)
	}
	if fileCfg.NetworkTimeoutSeconds > 0 {
		cfg.NetworkTimeout = secondsToDuration(fileCfg.NetworkTimeoutSeconds)
	}
	if fileCfg.JournalPath != "" {
		cfg.JournalPath = fileCfg.JournalPath
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if len(fileCfg.TestVMPrefixes) > 0 {
		cfg.TestVMPrefixes = fileCfg.TestVMPrefixes
	}
}

// Validate performs basic sanity checks.
func (c Config) Validate() error {
	if c.OrbctlPath == "" {
		return fmt.Errorf("orbctl_path is required")
	}
	if c.StagingDir == "" {
		return fmt.Errorf("staging_dir is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base_delay_seconds must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout_seconds must be positive")
	}
	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("network_timeout_seconds must be positive")
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
