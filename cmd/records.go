package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/theirongolddev/envsync/internal/cli"
	"github.com/theirongolddev/envsync/internal/model"
	"github.com/theirongolddev/envsync/internal/store"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	flagListDeleted bool
	flagListLimit   int
	flagMetaCash    string
	flagMetaBalance string
)

var recordCmd = &cobra.Command{
	Use:     "record",
	Aliases: []string{"rec"},
	Short:   "Edit records in the local database",
}

var recordPutCmd = &cobra.Command{
	Use:   "put <collection> <id> <json|@file>",
	Short: "Create or replace a record",
	Args:  cobra.ExactArgs(3),
	RunE:  runRecordPut,
}

var recordListCmd = &cobra.Command{
	Use:   "ls <collection>",
	Short: "List records of a collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordList,
}

var recordRemoveCmd = &cobra.Command{
	Use:   "rm <collection> <id>",
	Short: "Delete a record, leaving a tombstone",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecordRemove,
}

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Set budget totals",
	RunE:  runMetadata,
}

func init() {
	recordListCmd.Flags().BoolVar(&flagListDeleted, "deleted", false, "Include tombstones")
	recordListCmd.Flags().IntVarP(&flagListLimit, "limit", "n", 0, "Show at most n records")
	metadataCmd.Flags().StringVar(&flagMetaCash, "unassigned", "", "Unassigned cash")
	metadataCmd.Flags().StringVar(&flagMetaBalance, "balance", "", "Actual account balance")

	recordCmd.AddCommand(recordPutCmd, recordListCmd, recordRemoveCmd)
	rootCmd.AddCommand(recordCmd, metadataCmd)
}

func withStore(fn func(ctx context.Context, st *store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(context.Background(), st)
}

// readRecordData takes inline JSON or @path.
func readRecordData(arg string) (json.RawMessage, error) {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path) //nolint:gosec // path supplied by the local user
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, errors.New("record data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func runRecordPut(_ *cobra.Command, args []string) error {
	data, err := readRecordData(args[2])
	if err != nil {
		return err
	}
	e := model.Entity{ID: args[1], LastModified: model.Millis(time.Now()), Data: data}
	return withStore(func(ctx context.Context, st *store.Store) error {
		n, err := st.BulkUpsert(ctx, args[0], []model.Entity{e})
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s/%s has a newer version", args[0], args[1])
		}
		progress("Saved %s/%s", args[0], args[1])
		return nil
	})
}

func runRecordList(_ *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.Store) error {
		list, err := st.Query(ctx, args[0], store.Range{IncludeDeleted: flagListDeleted, Limit: flagListLimit})
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("  No records.")
			return nil
		}
		t := cli.Table{Headers: []string{"ID", "Modified", "State", "Data"}}
		for _, e := range list {
			state, data := "live", string(e.Data)
			if e.Deleted {
				state, data = "deleted", ""
			}
			if len(data) > 48 {
				data = data[:45] + "..."
			}
			t.Rows = append(t.Rows, []string{
				e.ID,
				time.UnixMilli(e.LastModified).Local().Format("2006-01-02 15:04:05"),
				state,
				data,
			})
		}
		fmt.Print(cli.RenderTable(t))
		return nil
	})
}

func runRecordRemove(_ *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.Store) error {
		if err := st.Delete(ctx, args[0], args[1], model.Millis(time.Now())); err != nil {
			return err
		}
		progress("Deleted %s/%s", args[0], args[1])
		return nil
	})
}

func runMetadata(_ *cobra.Command, _ []string) error {
	return withStore(func(ctx context.Context, st *store.Store) error {
		m, err := st.Metadata(ctx)
		if err != nil {
			return err
		}
		if flagMetaCash == "" && flagMetaBalance == "" {
			fmt.Println(cli.RenderKV("Unassigned", cli.FormatMoney(m.UnassignedCash)))
			fmt.Println(cli.RenderKV("Balance", cli.FormatMoney(m.ActualBalance)))
			return nil
		}
		if flagMetaCash != "" {
			if m.UnassignedCash, err = decimal.NewFromString(flagMetaCash); err != nil {
				return fmt.Errorf("unassigned: %w", err)
			}
		}
		if flagMetaBalance != "" {
			if m.ActualBalance, err = decimal.NewFromString(flagMetaBalance); err != nil {
				return fmt.Errorf("balance: %w", err)
			}
		}
		m.LastModified = max(model.Millis(time.Now()), m.LastModified+1)
		if _, err := st.SetMetadata(ctx, m); err != nil {
			return err
		}
		progress("Metadata updated")
		return nil
	})
}
