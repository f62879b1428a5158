package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.SSH.ConnectTimeout != 8 {
		t.Errorf("ConnectTimeout = %d, want 8", cfg.SSH.ConnectTimeout)
	}
	if cfg.SSH.DefaultUser != "root" {
		t.Errorf("DefaultUser = %q, want root", cfg.SSH.DefaultUser)
	}
	if cfg.SSH.DefaultPort != 22 {
		t.Errorf("DefaultPort = %d, want 22", cfg.SSH.DefaultPort)
	}
	if cfg.Fleet.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Fleet.Workers)
	}
	if cfg.Fleet.CommandTimeout != 0 {
		t.Errorf("CommandTimeout = %d, want 0 (per-operation default)", cfg.Fleet.CommandTimeout)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry should default to disabled")
	}
	if !strings.HasSuffix(cfg.Store.Path, "hosts.db") {
		t.Errorf("Store.Path = %q, want .../hosts.db", cfg.Store.Path)
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		if err := DefaultConfig().Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("missing store path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Path = ""
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "store.path") {
			t.Errorf("expected store.path error, got: %v", err)
		}
	})

	t.Run("invalid connect_timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SSH.ConnectTimeout = 0
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "connect_timeout") {
			t.Errorf("expected connect_timeout error, got: %v", err)
		}
	})

	t.Run("invalid default_port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SSH.DefaultPort = 70000
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "default_port") {
			t.Errorf("expected default_port error, got: %v", err)
		}
	})

	t.Run("invalid workers", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Fleet.Workers = 0
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "workers") {
			t.Errorf("expected workers error, got: %v", err)
		}
	})

	t.Run("negative command_timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Fleet.CommandTimeout = -1
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "command_timeout") {
			t.Errorf("expected command_timeout error, got: %v", err)
		}
	})

	t.Run("multiple errors at once", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SSH.DefaultPort = 0
		cfg.Fleet.Workers = -1
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected error")
		}
		errStr := err.Error()
		if !strings.Contains(errStr, "default_port") {
			t.Error("expected default_port error in combined output")
		}
		if !strings.Contains(errStr, "workers") {
			t.Error("expected workers error in combined output")
		}
	})
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	content := `
store:
  path: /var/lib/sshup/hosts.db
ssh:
  connect_timeout: 15
  default_user: admin
fleet:
  workers: 16
  command_timeout: 300
telemetry:
  enabled: true
  otlp_endpoint: "localhost:4318"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Store.Path != "/var/lib/sshup/hosts.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.SSH.ConnectTimeout != 15 {
		t.Errorf("ConnectTimeout = %d, want 15", cfg.SSH.ConnectTimeout)
	}
	if cfg.SSH.DefaultUser != "admin" {
		t.Errorf("DefaultUser = %q, want admin", cfg.SSH.DefaultUser)
	}
	if cfg.Fleet.Workers != 16 {
		t.Errorf("Workers = %d, want 16", cfg.Fleet.Workers)
	}
	if cfg.Fleet.CommandTimeout != 300 {
		t.Errorf("CommandTimeout = %d, want 300", cfg.Fleet.CommandTimeout)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.OTLPEndpoint != "localhost:4318" {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
	// Untouched keys keep their defaults.
	if cfg.SSH.DefaultPort != 22 {
		t.Errorf("DefaultPort = %d, want 22 (default)", cfg.SSH.DefaultPort)
	}
}

func TestLoadYAML_PartialKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	if err := os.WriteFile(path, []byte("fleet:\n  workers: 2\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Fleet.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Fleet.Workers)
	}
	if cfg.SSH.ConnectTimeout != 8 {
		t.Errorf("ConnectTimeout = %d, want 8 (default)", cfg.SSH.ConnectTimeout)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Fleet.Workers != 4 {
		t.Errorf("Workers = %d, want 4 (default)", cfg.Fleet.Workers)
	}
}

func TestLoadINI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshupdater.conf")

	content := `[general]
Database = /srv/hosts.db
SSHUser = deploy
SSHPort = 2222
ConnectTimeout = 20
Parallel = 8

[ui]
Theme = dark
WindowSize = 800x600
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, warnings, err := LoadINIWithWarnings(path)
	if err != nil {
		t.Fatalf("LoadINIWithWarnings() error: %v", err)
	}
	if cfg.Store.Path != "/srv/hosts.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.SSH.DefaultUser != "deploy" {
		t.Errorf("DefaultUser = %q, want deploy", cfg.SSH.DefaultUser)
	}
	if cfg.SSH.DefaultPort != 2222 {
		t.Errorf("DefaultPort = %d, want 2222", cfg.SSH.DefaultPort)
	}
	if cfg.SSH.ConnectTimeout != 20 {
		t.Errorf("ConnectTimeout = %d, want 20", cfg.SSH.ConnectTimeout)
	}
	if cfg.Fleet.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Fleet.Workers)
	}

	// GUI-era keys are skipped with a specific warning.
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v, want 2 entries", warnings)
	}
	for _, w := range warnings {
		if !strings.Contains(w, "not supported in the Go version") {
			t.Errorf("unexpected warning: %s", w)
		}
	}
}

func TestLoadINI_UnrecognizedKeyWarns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshupdater.conf")

	if err := os.WriteFile(path, []byte("[misc]\nBogus = 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, warnings, err := LoadINIWithWarnings(path)
	if err != nil {
		t.Fatalf("LoadINIWithWarnings() error: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "unrecognized") {
		t.Errorf("warnings = %v, want one unrecognized-key warning", warnings)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SSHUP_FLEET_WORKERS", "32")
	t.Setenv("SSHUP_SSH_DEFAULT_USER", "ops")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Fleet.Workers != 32 {
		t.Errorf("Workers = %d, want 32 from env", cfg.Fleet.Workers)
	}
	if cfg.SSH.DefaultUser != "ops" {
		t.Errorf("DefaultUser = %q, want ops from env", cfg.SSH.DefaultUser)
	}
}

func TestFindConfigPath_ReturnsDefault(t *testing.T) {
	// Without any config file present the first search path is returned.
	path := FindConfigPath()
	if path == "" {
		t.Error("FindConfigPath() returned empty string")
	}
}
