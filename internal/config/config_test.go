package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := writeConfig(t, `
orbctl_path: /opt/orbstack/bin/orbctl
staging_dir: /var/tmp
max_retries: 5
base_delay_seconds: 0.5
network_timeout_seconds: 300
journal_path: /tmp/journal.db
test_vm_prefixes: ["ci-vm-"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OrbctlPath != "/opt/orbstack/bin/orbctl" {
		t.Fatalf("OrbctlPath = %q", cfg.OrbctlPath)
	}
	if cfg.StagingDir != "/var/tmp" {
		t.Fatalf("StagingDir = %q", cfg.StagingDir)
	}
	if cfg.MaxRetries != 5 {
		t.Fatalf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.BaseDelay != 500*time.Millisecond {
		t.Fatalf("BaseDelay = %v", cfg.BaseDelay)
	}
	// Unset keys keep their defaults.
	if cfg.CommandTimeout != 60*time.Second {
		t.Fatalf("CommandTimeout = %v", cfg.CommandTimeout)
	}
	if cfg.NetworkTimeout != 300*time.Second {
		t.Fatalf("NetworkTimeout = %v", cfg.NetworkTimeout)
	}
	if cfg.JournalPath != "/tmp/journal.db" {
		t.Fatalf("JournalPath = %q", cfg.JournalPath)
	}
	if len(cfg.TestVMPrefixes) != 1 || cfg.TestVMPrefixes[0] != "ci-vm-" {
		t.Fatalf("TestVMPrefixes = %v", cfg.TestVMPrefixes)
	}
}

func TestLoadZeroMaxRetriesIsHonored(t *testing.T) {
	cfg, err := Load(writeConfig(t, "max_retries: 0\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxRetries != 0 {
		t.Fatalf("MaxRetries = %d, want 0", cfg.MaxRetries)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "orbctl_path: /from/file\n")
	t.Setenv("ORBLAB_ORBCTL", "/from/env")
	t.Setenv("ORBLAB_JOURNAL", "/tmp/env-journal.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OrbctlPath != "/from/env" {
		t.Fatalf("OrbctlPath = %q, want env value", cfg.OrbctlPath)
	}
	if cfg.JournalPath != "/tmp/env-journal.db" {
		t.Fatalf("JournalPath = %q", cfg.JournalPath)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "orbctl_path: [\n"))
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestDefaultsValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestValidateRejectsNegativeRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = -1
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "max_retries") {
		t.Fatalf("expected max_retries error, got %v", err)
	}
}

func TestValidateMetricsListenMustBeLoopback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsListen = "0.0.0.0:9090"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "metrics_listen") {
		t.Fatalf("expected metrics_listen error, got %v", err)
	}
	cfg.MetricsListen = "127.0.0.1:9090"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loopback rejected: %v", err)
	}
	cfg.MetricsListen = "localhost:9090"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("localhost rejected: %v", err)
	}
}
