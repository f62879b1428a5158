package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"sshupdater/internal/config"
	"sshupdater/internal/telemetry"
)

var (
	cfgFile      string
	verbose      bool
	cfg          *config.Config
	log          *slog.Logger
	otelShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "sshup",
	Short: "Fleet package updates over SSH",
	Long: `sshup keeps a fleet of Linux hosts up to date over SSH.

It connects to every configured host concurrently, detects the
distribution family, runs the native package manager (apt, dnf or
pacman) and reports a structured per-host result plus a fleet-wide
summary. Hosts that are unreachable, fail authentication or time out
are classified instead of aborting the run.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// These commands handle their own config.
		if cmd.Name() == "version" || cmd.Name() == "migrate-config" {
			return nil
		}

		log = newLogger(verbose)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		otelShutdown, err = telemetry.Init(context.Background(), &cfg.Telemetry, verbose)
		if err != nil {
			return fmt.Errorf("failed to init telemetry: %w", err)
		}

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if otelShutdown != nil {
			return otelShutdown(context.Background())
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.FindConfigPath(), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
