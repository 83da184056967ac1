// Package syncer reconciles a device's local budget with the shared remote
// snapshot, one record at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/theirongolddev/envsync/internal/breaker"
	"github.com/theirongolddev/envsync/internal/chunk"
	"github.com/theirongolddev/envsync/internal/connectivity"
	"github.com/theirongolddev/envsync/internal/crypt"
	"github.com/theirongolddev/envsync/internal/model"
	"github.com/theirongolddev/envsync/internal/payload"
	"github.com/theirongolddev/envsync/internal/remote"
	"github.com/theirongolddev/envsync/internal/store"
	"github.com/theirongolddev/envsync/internal/transport"
)

// Status is the outcome of one run.
type Status string

const (
	Synced    Status = "synced"
	UpToDate  Status = "up-to-date"
	Postponed Status = "postponed"
	Failed    Status = "failed"
)

// LocalStore is the subset of the local database a sync needs.
type LocalStore interface {
	LoadSnapshot(ctx context.Context, budgetID string) (model.Snapshot, error)
	Cursor(ctx context.Context) (model.SyncCursor, error)
	HasDirty(ctx context.Context) (bool, error)
	ApplyMerged(ctx context.Context, changes map[string][]model.Entity, metadata *model.Metadata) (int, error)
	CreateBackup(ctx context.Context, reason string, snap model.Snapshot) (store.Backup, error)
	CommitSync(ctx context.Context, cursor model.SyncCursor, synced model.Snapshot) error
}

// Options configures an Orchestrator.
type Options struct {
	BudgetID string
	DeviceID string
	Local    LocalStore
	Remote   remote.Store
	Cipher   crypt.Cipher
	Limits   chunk.Limits
	// Monitor short-circuits runs while offline. Nil means always online.
	Monitor connectivity.Monitor
	// Timeout bounds a whole run, retries included. Defaults to 60s.
	Timeout time.Duration
	// MaxConflictRetries bounds re-reconciliation after a concurrent push.
	// Defaults to 3.
	MaxConflictRetries int
	Now                func() time.Time
	// NewVersion mints sync versions. Defaults to UUIDv7.
	NewVersion func() (string, error)
	Logger     *log.Logger
}

// Result summarizes a run.
type Result struct {
	Status      Status        `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	SyncVersion string        `json:"syncVersion,omitempty"`
	Pushed      int           `json:"pushed"`
	Pulled      int           `json:"pulled"`
	Conflicts   int           `json:"conflicts"`
	Tombstones  int           `json:"tombstones"`
	Ambiguities []Ambiguity   `json:"ambiguities,omitempty"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Orchestrator runs syncs for one budget. At most one run is in flight at a
// time; concurrent callers share its result.
type Orchestrator struct {
	opts  Options
	log   *log.Logger
	group singleflight.Group

	mu         sync.RWMutex
	last       Result
	lastSynced time.Time
}

// New returns an Orchestrator. BudgetID, Local and Remote are required.
func New(opts Options) (*Orchestrator, error) {
	if opts.BudgetID == "" {
		return nil, errors.New("syncer: budget id is required")
	}
	if opts.Local == nil || opts.Remote == nil {
		return nil, errors.New("syncer: local and remote stores are required")
	}
	if opts.Cipher == nil {
		opts.Cipher = crypt.Plaintext{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxConflictRetries <= 0 {
		opts.MaxConflictRetries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewVersion == nil {
		opts.NewVersion = newVersion
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Orchestrator{opts: opts, log: logger}, nil
}

func newVersion() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// LastResult returns the outcome of the most recent completed run.
func (o *Orchestrator) LastResult() Result {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// LastSyncedAt returns when a run last reconciled successfully.
func (o *Orchestrator) LastSyncedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastSynced
}

// Run reconciles local and remote once. Network, circuit, timeout and
// cancellation failures, and conflicts that outlast the retries, come back
// as a Postponed result with a nil error. Configuration, reassembly and
// malformed-payload errors are returned.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	v, err, _ := o.group.Do(o.opts.BudgetID, func() (any, error) {
		return o.run(ctx)
	})
	res, _ := v.(Result)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context) (Result, error) {
	start := o.opts.Now()
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	var (
		res Result
		err error
	)
	if o.opts.Monitor != nil && !o.opts.Monitor.Online() {
		res = Result{Status: Postponed, Reason: "offline"}
	} else {
		for attempt := 1; ; attempt++ {
			res, err = o.reconcile(ctx)
			res.Attempts = attempt
			if !errors.Is(err, remote.ErrConflict) || attempt > o.opts.MaxConflictRetries {
				break
			}
			o.log.Printf("budget %s: remote changed during sync, reconciling again (attempt %d)", o.opts.BudgetID, attempt+1)
		}
	}

	if err != nil {
		if reason, ok := postponable(err); ok {
			o.log.Printf("budget %s: sync postponed: %v", o.opts.BudgetID, err)
			res = Result{Status: Postponed, Reason: reason, Attempts: res.Attempts, Error: err.Error()}
			err = nil
		} else {
			o.log.Printf("budget %s: sync failed: %v", o.opts.BudgetID, err)
			res = Result{Status: Failed, Attempts: res.Attempts, Error: err.Error()}
		}
	}
	res.StartedAt = start
	res.Duration = o.opts.Now().Sub(start)

	o.mu.Lock()
	o.last = res
	if res.Status == Synced || res.Status == UpToDate {
		o.lastSynced = start
	}
	o.mu.Unlock()
	return res, err
}

func postponable(err error) (string, bool) {
	switch {
	case errors.Is(err, breaker.ErrOpen):
		return "circuit open", true
	case errors.Is(err, transport.ErrTransient):
		return "network", true
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out", true
	case errors.Is(err, context.Canceled):
		return "canceled", true
	case errors.Is(err, remote.ErrConflict):
		// Only reached once the conflict retries are spent.
		return "remote busy", true
	}
	return "", false
}

func (o *Orchestrator) reconcile(ctx context.Context) (Result, error) {
	budgetID := o.opts.BudgetID

	local, err := o.opts.Local.LoadSnapshot(ctx, budgetID)
	if err != nil {
		return Result{}, fmt.Errorf("loading local snapshot: %w", err)
	}
	cursor, err := o.opts.Local.Cursor(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loading sync cursor: %w", err)
	}
	dirty, err := o.opts.Local.HasDirty(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("checking local changes: %w", err)
	}

	remoteSnap := model.NewSnapshot(budgetID)
	exists := true
	doc, err := o.opts.Remote.LoadSnapshot(ctx, budgetID)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		exists = false
	case err != nil:
		return Result{}, fmt.Errorf("loading remote snapshot: %w", err)
	default:
		remoteSnap, err = payload.Decode(doc, o.opts.Cipher)
		if err != nil {
			return Result{}, fmt.Errorf("decoding remote snapshot %s: %w", doc.SyncVersion, err)
		}
	}

	if exists && remoteSnap.SyncVersion == cursor.SyncVersion && !dirty {
		return Result{Status: UpToDate, SyncVersion: cursor.SyncVersion}, nil
	}

	merged, report := Merge(local, remoteSnap)
	SortAmbiguities(report.Ambiguities)
	for _, a := range report.Ambiguities {
		o.log.Printf("budget %s: %s/%s has two versions at %d, keeping remote", budgetID, a.Collection, a.ID, a.LastModified)
	}
	res := Result{
		Status:      Synced,
		SyncVersion: remoteSnap.SyncVersion,
		Pushed:      report.Pushed,
		Pulled:      report.Pulled,
		Conflicts:   report.Conflicts,
		Tombstones:  report.Tombstones,
		Ambiguities: report.Ambiguities,
	}

	if len(report.Pull) > 0 || report.PullMetadata != nil {
		// A failed backup does not block the sync.
		if b, err := o.opts.Local.CreateBackup(ctx, "pre-sync", local); err != nil {
			o.log.Printf("budget %s: pre-sync backup failed: %v", budgetID, err)
		} else {
			o.log.Printf("budget %s: saved pre-sync backup %d (%d records)", budgetID, b.ID, b.Entities)
		}
		if _, err := o.opts.Local.ApplyMerged(ctx, report.Pull, report.PullMetadata); err != nil {
			return Result{}, fmt.Errorf("writing merged snapshot: %w", err)
		}
	}

	if !exists || report.NeedsPush() {
		version, err := o.opts.NewVersion()
		if err != nil {
			return Result{}, fmt.Errorf("minting sync version: %w", err)
		}
		merged.SyncVersion = version
		out, stats, err := payload.Encode(merged, payload.Options{Cipher: o.opts.Cipher, Limits: o.opts.Limits})
		if err != nil {
			return Result{}, err
		}
		if exists {
			out.BaseVersion = remoteSnap.SyncVersion
		}
		if err := o.opts.Remote.SaveSnapshot(ctx, budgetID, out, o.opts.DeviceID); err != nil {
			return Result{}, fmt.Errorf("pushing snapshot %s: %w", version, err)
		}
		if len(stats.Chunked) > 0 {
			o.log.Printf("budget %s: pushed %s in %d chunks (%v)", budgetID, version, out.ChunkCount, stats.Chunked)
		}
		res.SyncVersion = version
	}

	next := model.SyncCursor{
		DeviceID:     o.opts.DeviceID,
		SyncVersion:  res.SyncVersion,
		LastModified: merged.LastModified,
		SyncedAt:     o.opts.Now(),
	}
	if err := o.opts.Local.CommitSync(ctx, next, merged); err != nil {
		return Result{}, fmt.Errorf("saving sync cursor: %w", err)
	}
	return res, nil
}
