package cmd

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sshupdater/internal/config"
)

var migrateOutput string

var migrateCmd = &cobra.Command{
	Use:   "migrate-config <legacy.conf>",
	Short: "Convert a legacy INI config to YAML",
	Long: `Read a legacy INI configuration file and write the equivalent
YAML config. Keys that have no YAML counterpart are reported and
dropped. Default values are omitted from the output.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, warnings, err := config.LoadINIWithWarnings(args[0])
		if err != nil {
			return fmt.Errorf("failed to read legacy config: %w", err)
		}
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}

		out, err := renderYAML(cfg)
		if err != nil {
			return err
		}

		if migrateOutput == "" || migrateOutput == "-" {
			fmt.Print(string(out))
			return nil
		}
		if _, err := os.Stat(migrateOutput); err == nil {
			return fmt.Errorf("refusing to overwrite existing file %s", migrateOutput)
		}
		if err := os.WriteFile(migrateOutput, out, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", migrateOutput, err)
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", migrateOutput)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVarP(&migrateOutput, "output", "o", "", "output file (default: stdout)")
	rootCmd.AddCommand(migrateCmd)
}

// renderYAML writes the config as YAML, omitting values that match the
// defaults so the result stays minimal.
func renderYAML(cfg *config.Config) ([]byte, error) {
	def := config.DefaultConfig()
	var buf bytes.Buffer

	section := func(name string, lines []string) {
		if len(lines) == 0 {
			return
		}
		fmt.Fprintf(&buf, "%s:\n", name)
		for _, l := range lines {
			fmt.Fprintf(&buf, "  %s\n", l)
		}
	}

	var store []string
	if cfg.Store.Path != def.Store.Path {
		store = append(store, "path: "+yamlQuote(cfg.Store.Path))
	}
	section("store", store)

	var vault []string
	if cfg.Vault.Dir != def.Vault.Dir {
		vault = append(vault, "dir: "+yamlQuote(cfg.Vault.Dir))
	}
	section("vault", vault)

	var ssh []string
	if cfg.SSH.ConnectTimeout != def.SSH.ConnectTimeout {
		ssh = append(ssh, fmt.Sprintf("connect_timeout: %d", cfg.SSH.ConnectTimeout))
	}
	if cfg.SSH.DefaultUser != def.SSH.DefaultUser {
		ssh = append(ssh, "default_user: "+yamlQuote(cfg.SSH.DefaultUser))
	}
	if cfg.SSH.DefaultPort != def.SSH.DefaultPort {
		ssh = append(ssh, fmt.Sprintf("default_port: %d", cfg.SSH.DefaultPort))
	}
	section("ssh", ssh)

	var fleet []string
	if cfg.Fleet.Workers != def.Fleet.Workers {
		fleet = append(fleet, fmt.Sprintf("workers: %d", cfg.Fleet.Workers))
	}
	if cfg.Fleet.CommandTimeout != def.Fleet.CommandTimeout {
		fleet = append(fleet, fmt.Sprintf("command_timeout: %d", cfg.Fleet.CommandTimeout))
	}
	section("fleet", fleet)

	var tel []string
	if cfg.Telemetry.Enabled != def.Telemetry.Enabled {
		tel = append(tel, fmt.Sprintf("enabled: %t", cfg.Telemetry.Enabled))
	}
	if cfg.Telemetry.OTLPEndpoint != def.Telemetry.OTLPEndpoint {
		tel = append(tel, "otlp_endpoint: "+yamlQuote(cfg.Telemetry.OTLPEndpoint))
	}
	section("telemetry", tel)

	return buf.Bytes(), nil
}

// yamlQuote quotes a scalar when YAML would otherwise misread it.
func yamlQuote(s string) string {
	if s == "" {
		return `""`
	}
	needsQuote := strings.ContainsAny(s, ":#\"'{}[]&*!|>%@`") ||
		strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ")
	if !needsQuote {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
