package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/theirongolddev/envsync/internal/cli"
	"github.com/theirongolddev/envsync/internal/model"

	"github.com/spf13/cobra"
)

var flagStatusLocal bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local budget, last sync and service health",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&flagStatusLocal, "local", false, "Skip service health checks")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	counts, err := a.store.Counts(ctx)
	if err != nil {
		return err
	}
	cursor, err := a.store.Cursor(ctx)
	if err != nil {
		return err
	}
	meta, err := a.store.Metadata(ctx)
	if err != nil {
		return err
	}
	dirty, err := a.store.HasDirty(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("envsync  |  %s", a.budgetID)))
	fmt.Println()
	fmt.Println(cli.RenderKV("Database", a.store.Path()))
	fmt.Println(cli.RenderKV("Last synced", cli.FormatAgo(cursor.SyncedAt, now)))
	if cursor.SyncVersion != "" {
		fmt.Println(cli.RenderKV("Version", cli.ShortID(cursor.SyncVersion)))
	}
	if dirty {
		fmt.Println(cli.RenderKV("Pending", "local changes not yet pushed"))
	}
	fmt.Println(cli.RenderKV("Unassigned", cli.FormatMoney(meta.UnassignedCash)))
	fmt.Println(cli.RenderKV("Balance", cli.FormatMoney(meta.ActualBalance)))
	fmt.Println()

	rows := make([][]string, 0, len(model.Collections))
	for _, c := range model.Collections {
		n := counts[c]
		rows = append(rows, []string{c, formatNumber(int64(n.Live)), formatNumber(int64(n.Tombstones)), formatNumber(int64(n.Dirty))})
	}
	fmt.Print(cli.RenderTable(cli.Table{
		Title:   "Collections",
		Headers: []string{"Collection", "Records", "Deleted", "Unsynced"},
		Rows:    rows,
	}))

	if flagStatusLocal {
		return nil
	}

	online := a.checkOnline(ctx)
	fmt.Println()
	if !online {
		fmt.Println(cli.RenderKV("Network", cli.RenderState("OFFLINE")))
	}
	statuses := a.availability.CheckAll(ctx, true)
	svcRows := make([][]string, 0, len(statuses))
	for _, name := range a.availability.Services() {
		st := statuses[name]
		state := "DOWN"
		if st.Available {
			state = "UP"
		}
		detail := cli.FormatDuration(st.Latency)
		if st.Error != "" {
			detail = st.Error
		}
		svcRows = append(svcRows, []string{name, a.clients[name].BaseURL(), cli.RenderState(state), detail})
	}
	fmt.Print(cli.RenderTable(cli.Table{
		Title:   "Services",
		Headers: []string{"Service", "URL", "Health", "Detail"},
		Rows:    svcRows,
	}))

	brRows := make([][]string, 0)
	for _, b := range a.breakers.Snapshot() {
		brRows = append(brRows, []string{b.Name, cli.RenderState(b.State), formatNumber(int64(b.Failures))})
	}
	if len(brRows) > 0 {
		fmt.Println()
		fmt.Print(cli.RenderTable(cli.Table{
			Title:   "Circuit breakers",
			Headers: []string{"Service", "State", "Failures"},
			Rows:    brRows,
		}))
	}
	fmt.Println()
	return nil
}
