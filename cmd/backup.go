package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/theirongolddev/envsync/internal/cli"
	"github.com/theirongolddev/envsync/internal/model"
	"github.com/theirongolddev/envsync/internal/store"

	"github.com/spf13/cobra"
)

var flagRestoreRestamp bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage local backups of the budget",
}

var backupListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up the local budget now",
	Args:  cobra.NoArgs,
	RunE:  runBackupCreate,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Replace the local budget with a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

func init() {
	backupRestoreCmd.Flags().BoolVar(&flagRestoreRestamp, "restamp", false,
		"Stamp restored records as new edits so the next sync pushes them to every device")

	backupCmd.AddCommand(backupListCmd, backupCreateCmd, backupRestoreCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackupList(_ *cobra.Command, _ []string) error {
	return withStore(func(ctx context.Context, st *store.Store) error {
		list, err := st.Backups(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("  No backups.")
			return nil
		}
		t := cli.Table{Headers: []string{"ID", "Created", "Reason", "Records", "Size"}}
		now := time.Now()
		for _, b := range list {
			t.Rows = append(t.Rows, []string{
				strconv.FormatInt(b.ID, 10),
				cli.FormatAgo(b.CreatedAt, now),
				b.Reason,
				cli.FormatNumber(int64(b.Entities)),
				cli.FormatBytes(int64(b.Size)),
			})
		}
		fmt.Print(cli.RenderTable(t))
		return nil
	})
}

func runBackupCreate(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, st *store.Store) error {
		snap, err := st.LoadSnapshot(ctx, cfg.Budget.ID)
		if err != nil {
			return err
		}
		b, err := st.CreateBackup(ctx, "manual", snap)
		if err != nil {
			return err
		}
		progress("Saved backup %d (%d records)", b.ID, b.Entities)
		return nil
	})
}

func runBackupRestore(_ *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid backup id %q", args[0])
	}
	var at int64
	if flagRestoreRestamp {
		at = model.Millis(time.Now())
	}
	return withStore(func(ctx context.Context, st *store.Store) error {
		snap, err := st.RestoreBackup(ctx, id, at)
		if err != nil {
			return err
		}
		n := 0
		for _, c := range model.Collections {
			n += snap.Count(c)
		}
		progress("Restored backup %d (%d live records); the next sync pushes it", id, n)
		return nil
	})
}
