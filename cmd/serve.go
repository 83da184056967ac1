package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theirongolddev/envsync/internal/remote"

	"github.com/spf13/cobra"
)

var (
	flagServeAddr string
	flagServeDSN  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference sync backend",
	Long:  "Serve budget snapshots over HTTP, with change notifications over WebSocket. The DSN selects storage: memory:, sqlite:<path> or a postgres:// URL.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&flagServeDSN, "dsn", "", "Backend DSN (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Server.Addr
	if flagServeAddr != "" {
		addr = flagServeAddr
	}
	dsn := cfg.Server.DSN
	if flagServeDSN != "" {
		dsn = flagServeDSN
	}

	backend, err := remote.OpenBackend(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	logger := log.New(os.Stderr, "[envsync-server] ", log.LstdFlags)
	srv := &http.Server{
		Addr:              addr,
		Handler:           remote.NewServer(backend, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	fmt.Printf("  envsync backend listening on http://%s (%s)\n", addr, dsn)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
