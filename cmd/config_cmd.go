// Package cmd implements the envsync CLI commands.
package cmd

import (
	"fmt"
	"sort"

	"github.com/theirongolddev/envsync/internal/cli"
	"github.com/theirongolddev/envsync/internal/config"
	"github.com/theirongolddev/envsync/internal/resolver"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("  Config file: %s\n", config.ConfigPath())
	if config.Exists() {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Println()

	fmt.Println("  [Budget]")
	if cfg.Budget.ID != "" {
		fmt.Printf("    Budget id:      %s\n", cfg.Budget.ID)
	} else {
		fmt.Println("    Budget id:      not configured")
	}
	fmt.Printf("    Device id:      %s\n", cfg.Budget.DeviceID)
	if cfg.Budget.EncryptionKey != "" {
		fmt.Printf("    Encryption key: %s\n", maskKey(cfg.Budget.EncryptionKey))
	} else {
		fmt.Println("    Encryption key: none (snapshots stored unencrypted)")
	}
	fmt.Printf("    Database:       %s\n", config.DBPath(cfg))
	fmt.Println()

	fmt.Println("  [Services]")
	fmt.Printf("    Mode:   %s\n", cfg.Services.Mode)
	if cfg.Services.Origin != "" {
		fmt.Printf("    Origin: %s\n", cfg.Services.Origin)
	}
	fmt.Printf("    Binary: %v\n", cfg.Services.Binary)
	res := resolver.Resolver{
		Mode:      resolver.Mode(cfg.Services.Mode),
		Origin:    cfg.Services.Origin,
		Overrides: cfg.Services.Overrides,
	}
	for _, name := range resolver.Services() {
		url, err := res.Resolve(name)
		if err != nil {
			url = "error: " + err.Error()
		}
		fmt.Printf("    %-6s  %s\n", name+":", url)
	}
	if len(cfg.Services.Overrides) > 0 {
		keys := make([]string, 0, len(cfg.Services.Overrides))
		for k := range cfg.Services.Overrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Printf("    Overrides: %v\n", keys)
	}
	if cfg.Services.ConnectivityAddr != "" {
		fmt.Printf("    Connectivity probe: %s\n", cfg.Services.ConnectivityAddr)
	}
	fmt.Println()

	s := cfg.Sync
	fmt.Println("  [Sync]")
	fmt.Printf("    Interval:  %s   Debounce: %s   Timeout: %s\n", s.Interval, s.Debounce, s.Timeout)
	fmt.Printf("    Conflict retries: %d\n", s.MaxConflictRetries)
	fmt.Printf("    Chunk limits:     %s / %d items\n", cli.FormatBytes(int64(s.ChunkMaxBytes)), s.ChunkMaxItems)
	fmt.Printf("    Backups kept:     %d\n", s.BackupRetention)
	fmt.Println()

	r := cfg.Resilience
	fmt.Println("  [Resilience]")
	fmt.Printf("    Retries:  %d attempts, %s to %s (x%.1f)\n", r.MaxAttempts, r.InitialDelay, r.MaxDelay, r.BackoffFactor)
	fmt.Printf("    Breaker:  opens after %d failures, resets after %s\n", r.FailureThreshold, r.ResetTimeout)
	fmt.Printf("    Request timeout: %s\n", r.RequestTimeout)
	fmt.Println()

	fmt.Println("  [Daemon]")
	fmt.Printf("    Address: %s   Events: %d\n", cfg.Daemon.Addr, cfg.Daemon.EventsBuffer)
	fmt.Printf("    Watch remote: %v   Watch local: %v\n", cfg.Daemon.WatchRemote, cfg.Daemon.WatchLocal)
	fmt.Println()

	fmt.Println("  [Server]")
	fmt.Printf("    Address: %s   DSN: %s\n", cfg.Server.Addr, cfg.Server.DSN)
	fmt.Println()

	fmt.Println("  Run `envsync setup` to reconfigure.")
	return nil
}
