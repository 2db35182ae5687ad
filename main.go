// Package main is the entry point for the loopsim application
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mrcode/loopsim/internal/config"
	"github.com/mrcode/loopsim/internal/logging"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "loopsim",
		Short:             "Closed-loop insulin dosing simulator",
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newBolusCmd())
	rootCmd.AddCommand(newProjectCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newNightscoutCmd())
	rootCmd.AddCommand(newNotifyCmd())

	return rootCmd
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err = logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Color)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}
