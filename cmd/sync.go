package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/theirongolddev/envsync/internal/cli"
	"github.com/theirongolddev/envsync/internal/syncer"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local budget with the remote snapshot once",
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a.checkOnline(ctx)
	progress("Syncing budget %s...", a.budgetID)
	res, err := a.orch.Run(ctx)
	if err != nil {
		fmt.Println(cli.RenderKV("Status", cli.RenderState(string(syncer.Failed))))
		return err
	}

	fmt.Println(cli.RenderKV("Status", cli.RenderState(string(res.Status))))
	if res.Reason != "" {
		fmt.Println(cli.RenderKV("Reason", res.Reason))
	}
	if res.SyncVersion != "" {
		fmt.Println(cli.RenderKV("Version", res.SyncVersion))
	}
	if res.Status == syncer.Synced {
		fmt.Println(cli.RenderKV("Pushed", formatNumber(int64(res.Pushed))))
		fmt.Println(cli.RenderKV("Pulled", formatNumber(int64(res.Pulled))))
		if res.Conflicts > 0 {
			fmt.Println(cli.RenderKV("Conflicts", formatNumber(int64(res.Conflicts))))
		}
	}
	for _, amb := range res.Ambiguities {
		fmt.Println(cli.RenderWarning(fmt.Sprintf("%s/%s changed on both sides at %d; kept the remote copy", amb.Collection, amb.ID, amb.LastModified)))
	}
	fmt.Println(cli.RenderKV("Took", cli.FormatDuration(res.Duration)))
	return nil
}
