package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/theirongolddev/envsync/internal/availability"
	"github.com/theirongolddev/envsync/internal/breaker"
	"github.com/theirongolddev/envsync/internal/chunk"
	"github.com/theirongolddev/envsync/internal/config"
	"github.com/theirongolddev/envsync/internal/connectivity"
	"github.com/theirongolddev/envsync/internal/crypt"
	"github.com/theirongolddev/envsync/internal/remote"
	"github.com/theirongolddev/envsync/internal/resolver"
	"github.com/theirongolddev/envsync/internal/retry"
	"github.com/theirongolddev/envsync/internal/store"
	"github.com/theirongolddev/envsync/internal/syncer"
	"github.com/theirongolddev/envsync/internal/transport"
)

// app holds the components a command works with.
type app struct {
	cfg      config.Config
	budgetID string
	logger   *log.Logger

	store        *store.Store
	breakers     *breaker.Registry
	clients      map[string]*transport.Client
	remote       *remote.Client
	monitor      connectivity.Monitor
	prober       *connectivity.Prober
	availability *availability.Manager
	orch         *syncer.Orchestrator
}

// openStore opens only the local database.
func openStore(cfg config.Config) (*store.Store, error) {
	st, err := store.Open(config.DBPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening local database: %w", err)
	}
	st.SetBackupRetention(cfg.Sync.BackupRetention)
	return st, nil
}

// openApp wires the local store, transport stack and orchestrator.
func openApp(cfg config.Config, logger *log.Logger) (*app, error) {
	if cfg.Budget.ID == "" {
		return nil, errors.New("no budget configured (run `envsync setup` or pass --budget)")
	}
	if logger == nil {
		logger = cliLogger()
	}

	a := &app{cfg: cfg, budgetID: cfg.Budget.ID, logger: logger}

	cipher, err := crypt.FromKey(cfg.Budget.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	res := resolver.Resolver{
		Mode:      resolver.Mode(cfg.Services.Mode),
		Origin:    cfg.Services.Origin,
		Overrides: cfg.Services.Overrides,
	}
	r := cfg.Resilience
	a.breakers = transport.NewBreakers(breaker.Options{
		FailureThreshold: r.FailureThreshold,
		ResetTimeout:     r.ResetTimeout.Duration,
	})
	topts := transport.Options{
		Resolver: res,
		Breakers: a.breakers,
		Retry: retry.Options{
			MaxAttempts:   r.MaxAttempts,
			InitialDelay:  r.InitialDelay.Duration,
			MaxDelay:      r.MaxDelay.Duration,
			BackoffFactor: r.BackoffFactor,
		},
		Timeout: r.RequestTimeout.Duration,
		Binary:  cfg.Services.Binary,
		Logger:  logger,
	}

	a.clients = make(map[string]*transport.Client)
	probes := make(map[string]availability.Probe)
	for _, name := range resolver.Services() {
		c, err := transport.New(name, topts)
		if err != nil {
			return nil, err
		}
		a.clients[name] = c
		probes[name] = c.Health
	}
	a.remote = remote.NewClient(a.clients[resolver.Sync], cfg.Services.Binary)

	if addr := cfg.Services.ConnectivityAddr; addr != "" {
		a.prober = connectivity.NewProber(addr, 0, 0)
		a.monitor = a.prober
	} else {
		a.monitor = connectivity.NewStatic(true)
	}

	a.availability = availability.New(availability.Options{
		Probes:       probes,
		TTL:          cfg.Availability.TTL.Duration,
		ProbeTimeout: cfg.Availability.ProbeTimeout.Duration,
		Monitor:      a.monitor,
		Logger:       logger,
	})

	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}

	a.orch, err = syncer.New(syncer.Options{
		BudgetID:           a.budgetID,
		DeviceID:           cfg.Budget.DeviceID,
		Local:              a.store,
		Remote:             a.remote,
		Cipher:             cipher,
		Limits:             chunk.Limits{MaxBytes: cfg.Sync.ChunkMaxBytes, MaxItems: cfg.Sync.ChunkMaxItems},
		Monitor:            a.monitor,
		Timeout:            cfg.Sync.Timeout.Duration,
		MaxConflictRetries: cfg.Sync.MaxConflictRetries,
		Logger:             logger,
	})
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	return a, nil
}

// checkOnline runs one connectivity probe when a prober is configured.
func (a *app) checkOnline(ctx context.Context) bool {
	if a.prober != nil {
		return a.prober.Check(ctx)
	}
	return a.monitor.Online()
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func cliLogger() *log.Logger {
	if flagVerbose {
		return log.New(os.Stderr, "  ", 0)
	}
	return log.New(io.Discard, "", 0)
}
