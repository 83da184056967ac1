package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/theirongolddev/envsync/internal/config"
	"github.com/theirongolddev/envsync/internal/crypt"
	"github.com/theirongolddev/envsync/internal/resolver"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "First-time setup wizard",
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(_ *cobra.Command, _ []string) error {
	// Load existing config or defaults
	cfg, _ := config.Load()

	if cfg.Budget.DeviceID == "" {
		cfg.Budget.DeviceID = uuid.NewString()
	}
	if cfg.Services.Mode == "" {
		cfg.Services.Mode = string(resolver.Development)
	}

	budgetID := cfg.Budget.ID
	deviceID := cfg.Budget.DeviceID
	mode := cfg.Services.Mode
	origin := cfg.Services.Origin
	genKey := cfg.Budget.EncryptionKey == ""

	keyTitle := "Generate an encryption key?"
	if !genKey {
		keyTitle = fmt.Sprintf("Replace encryption key %s?", maskKey(cfg.Budget.EncryptionKey))
	}

	fmt.Println()
	fmt.Println("  Welcome to envsync!")
	fmt.Println()

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Budget id").
				Description("Shared by every device that syncs this budget.").
				Value(&budgetID).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("budget id is required")
					}
					if strings.ContainsAny(s, "/ ") {
						return errors.New("budget id cannot contain spaces or slashes")
					}
					return nil
				}),
			huh.NewInput().
				Title("Device id").
				Description("Recorded on every upload from this machine.").
				Value(&deviceID),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Service routing").
				Options(
					huh.NewOption("Development (local ports)", string(resolver.Development)),
					huh.NewOption("Production (one origin)", string(resolver.Production)),
				).
				Value(&mode),
			huh.NewInput().
				Title("Production origin").
				Description("e.g. https://budget.example.com (ignored in development)").
				Value(&origin),
			huh.NewConfirm().
				Title(keyTitle).
				Description("Snapshots are sealed with AES-256-GCM. Copy the key to your other devices.").
				Affirmative("Yes").
				Negative("No").
				Value(&genKey),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("  Setup canceled.")
			return nil
		}
		return fmt.Errorf("setup form: %w", err)
	}

	cfg.Budget.ID = strings.TrimSpace(budgetID)
	cfg.Budget.DeviceID = strings.TrimSpace(deviceID)
	cfg.Services.Mode = mode
	cfg.Services.Origin = strings.TrimSpace(origin)
	if genKey {
		key, err := crypt.GenerateKey()
		if err != nil {
			return err
		}
		cfg.Budget.EncryptionKey = key
	}

	// Save
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Saved to %s\n", config.ConfigPath())
	if genKey {
		fmt.Printf("  Encryption key: %s\n", cfg.Budget.EncryptionKey)
		fmt.Println("  Set ENVSYNC_ENCRYPTION_KEY or copy this key into the config on your other devices.")
	}
	fmt.Println("  Run `envsync setup` anytime to reconfigure.")
	fmt.Println()

	return nil
}

func maskKey(key string) string {
	if len(key) > 16 {
		return key[:8] + "..." + key[len(key)-4:]
	}
	if len(key) > 4 {
		return key[:4] + "..."
	}
	return "****"
}
