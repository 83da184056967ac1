package cmd

import (
	"fmt"
	"os"

	"github.com/theirongolddev/envsync/internal/cli"
	"github.com/theirongolddev/envsync/internal/config"

	"github.com/spf13/cobra"
)

var (
	flagBudget  string
	flagDBPath  string
	flagMode    string
	flagBinary  bool
	flagQuiet   bool
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "envsync",
	Short: "Offline-first sync for envelope budgets",
	Long:  "Keep an envelope budget in a local database and reconcile it with a shared, encrypted remote snapshot.",
	RunE:  runStatus,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagBudget, "budget", "b", "", "Budget id (overrides config and ENVSYNC_BUDGET_ID)")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "Local database path")
	rootCmd.PersistentFlags().StringVar(&flagMode, "mode", "", "Service routing mode: dev or prod")
	rootCmd.PersistentFlags().BoolVar(&flagBinary, "binary", false, "Use msgpack on the wire")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log retries and sync details to stderr")
}

// loadConfig reads the config file and applies per-invocation flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if flagBudget != "" {
		cfg.Budget.ID = flagBudget
	} else {
		cfg.Budget.ID = config.GetBudgetID(cfg)
	}
	cfg.Budget.EncryptionKey = config.GetEncryptionKey(cfg)
	if flagDBPath != "" {
		cfg.Budget.DBPath = flagDBPath
	}
	if flagMode != "" {
		cfg.Services.Mode = flagMode
	}
	if flagBinary {
		cfg.Services.Binary = true
	}
	return cfg, nil
}

func progress(format string, args ...any) {
	if flagQuiet {
		return
	}
	fmt.Fprintf(os.Stderr, "  "+format+"\n", args...)
}

func formatNumber(n int64) string {
	return cli.FormatNumber(n)
}
