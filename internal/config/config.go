package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/ini.v1"
)

// DataDir returns the application data directory, matching the original
// Python project's ~/.sshupdater.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sshupdater"
	}
	return filepath.Join(home, ".sshupdater")
}

// configSearchPaths lists config file paths to try, in priority order.
func configSearchPaths() []string {
	return []string{
		filepath.Join(DataDir(), "sshupdater.yaml"),
		"/etc/sshupdater.yaml",
		filepath.Join(DataDir(), "sshupdater.conf"), // legacy INI
	}
}

// FindConfigPath returns the first existing config file from the search
// paths, or the default YAML path when none exists yet (loading then
// falls back to defaults).
func FindConfigPath() string {
	for _, path := range configSearchPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(DataDir(), "sshupdater.yaml")
}

// Config holds all configuration values.
type Config struct {
	Store     StoreConfig     `koanf:"store"`
	Vault     VaultConfig     `koanf:"vault"`
	SSH       SSHConfig       `koanf:"ssh"`
	Fleet     FleetConfig     `koanf:"fleet"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// StoreConfig locates the host inventory database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// VaultConfig locates the credential keystore files.
type VaultConfig struct {
	Dir string `koanf:"dir"`
}

// SSHConfig holds connection-level settings.
type SSHConfig struct {
	ConnectTimeout int    `koanf:"connect_timeout"` // seconds
	DefaultUser    string `koanf:"default_user"`
	DefaultPort    int    `koanf:"default_port"`
}

// FleetConfig bounds fleet runs.
type FleetConfig struct {
	Workers        int `koanf:"workers"`
	CommandTimeout int `koanf:"command_timeout"` // seconds; 0 = per-operation default
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: filepath.Join(DataDir(), "hosts.db"),
		},
		Vault: VaultConfig{
			Dir: DataDir(),
		},
		SSH: SSHConfig{
			ConnectTimeout: 8,
			DefaultUser:    "root",
			DefaultPort:    22,
		},
		Fleet: FleetConfig{
			Workers:        4,
			CommandTimeout: 0,
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}

// Load reads configuration from a file, auto-detecting format by
// extension: .yaml/.yml → YAML, anything else → legacy INI. A missing
// file is not an error; defaults plus env overrides apply. Environment
// variables with the SSHUP_ prefix always override file values.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		k := koanf.New(".")
		if err := loadDefaults(k); err != nil {
			return nil, err
		}
		if err := loadEnvOverrides(k); err != nil {
			return nil, err
		}
		return unmarshalAndValidate(k)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAML(path)
	default:
		return loadINI(path)
	}
}

func loadYAML(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	if err := loadEnvOverrides(k); err != nil {
		return nil, err
	}

	return unmarshalAndValidate(k)
}

func loadINI(path string) (*Config, error) {
	cfg, warnings, err := LoadINIWithWarnings(path)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadINIWithWarnings reads a legacy INI file and returns the mapped
// config plus warnings for keys that were skipped. Used directly by the
// migrate-config command.
func LoadINIWithWarnings(path string) (*Config, []string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file not found: %s", path)
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse INI config file: %w", err)
	}

	m, warnings := iniToMap(iniFile)

	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, nil, err
	}

	if err := k.Load(confmap.Provider(m, "."), nil); err != nil {
		return nil, nil, fmt.Errorf("failed to load INI values: %w", err)
	}

	if err := loadEnvOverrides(k); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, warnings, nil
}

// iniKeyMap maps INI key names (lowercased, no separators) to koanf key
// paths, covering both the Go names and the original tool's spellings.
var iniKeyMap = map[string]string{
	"dbpath":         "store.path",
	"database":       "store.path", // original key: Database
	"datadir":        "vault.dir",
	"vaultdir":       "vault.dir",
	"sshuser":        "ssh.default_user",
	"defaultuser":    "ssh.default_user",
	"sshport":        "ssh.default_port",
	"defaultport":    "ssh.default_port",
	"connecttimeout": "ssh.connect_timeout",
	"workers":        "fleet.workers",
	"parallel":       "fleet.workers", // original roadmap key: Parallel
	"timeout":        "fleet.command_timeout",
	"commandtimeout": "fleet.command_timeout",
}

// legacyINIKeys lists original-tool keys that are recognized but have
// no equivalent in the headless engine. They produce a specific warning
// instead of "unrecognized".
var legacyINIKeys = map[string]bool{
	"theme":          true, // GUI concept
	"windowsize":     true, // GUI concept
	"windowgeometry": true, // GUI concept
	"logfile":        true, // Go uses stdout/stderr
	"loglevel":       true, // Go uses --verbose flag
	"proxmoxhost":    true, // Proxmox import is out of scope
	"proxmoxuser":    true,
	"proxmoxtokenid": true,
	"proxmoxsecret":  true,
}

func iniToMap(f *ini.File) (map[string]interface{}, []string) {
	m := make(map[string]interface{})
	var warnings []string

	for _, section := range f.Sections() {
		for _, key := range section.Keys() {
			normalised := strings.ToLower(key.Name())
			if koanfKey, ok := iniKeyMap[normalised]; ok {
				m[koanfKey] = key.Value()
			} else if legacyINIKeys[normalised] {
				warnings = append(warnings, fmt.Sprintf("legacy INI key [%s] %s is not supported in the Go version (skipped)", section.Name(), key.Name()))
			} else if section.Name() != "DEFAULT" {
				warnings = append(warnings, fmt.Sprintf("unrecognized INI key [%s] %s (skipped)", section.Name(), key.Name()))
			}
		}
	}

	return m, warnings
}

// --- helpers ---

func loadDefaults(k *koanf.Koanf) error {
	defaults := DefaultConfig()
	return k.Load(confmap.Provider(map[string]interface{}{
		"store.path":              defaults.Store.Path,
		"vault.dir":               defaults.Vault.Dir,
		"ssh.connect_timeout":     defaults.SSH.ConnectTimeout,
		"ssh.default_user":        defaults.SSH.DefaultUser,
		"ssh.default_port":        defaults.SSH.DefaultPort,
		"fleet.workers":           defaults.Fleet.Workers,
		"fleet.command_timeout":   defaults.Fleet.CommandTimeout,
		"telemetry.enabled":       defaults.Telemetry.Enabled,
		"telemetry.otlp_endpoint": defaults.Telemetry.OTLPEndpoint,
	}, "."), nil)
}

func loadEnvOverrides(k *koanf.Koanf) error {
	// SSHUP_FLEET_WORKERS → fleet.workers
	return k.Load(env.Provider("SSHUP_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "SSHUP_")
		s = strings.ToLower(s)
		if idx := strings.Index(s, "_"); idx >= 0 {
			return s[:idx] + "." + s[idx+1:]
		}
		return s
	}), nil)
}

func unmarshalAndValidate(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that values are present and in range.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Vault.Dir == "" {
		errs = append(errs, fmt.Errorf("vault.dir is required"))
	}
	if c.SSH.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ssh.connect_timeout must be greater than 0, got %d", c.SSH.ConnectTimeout))
	}
	if c.SSH.DefaultPort < 1 || c.SSH.DefaultPort > 65535 {
		errs = append(errs, fmt.Errorf("ssh.default_port must be between 1 and 65535, got %d", c.SSH.DefaultPort))
	}
	if c.Fleet.Workers <= 0 {
		errs = append(errs, fmt.Errorf("fleet.workers must be greater than 0, got %d", c.Fleet.Workers))
	}
	if c.Fleet.CommandTimeout < 0 {
		errs = append(errs, fmt.Errorf("fleet.command_timeout must be >= 0, got %d", c.Fleet.CommandTimeout))
	}

	return errors.Join(errs...)
}
