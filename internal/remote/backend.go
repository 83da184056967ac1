package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Backend persists documents on the server side.
type Backend interface {
	// Put stores doc and its chunks atomically, replacing the previous
	// generation, provided doc.BaseVersion matches the stored version.
	Put(ctx context.Context, doc Document) error
	// Main returns the stored document without chunk data.
	Main(ctx context.Context, budgetID string) (Document, error)
	// Chunks returns the stored chunk blobs ordered by id.
	Chunks(ctx context.Context, budgetID string) ([]ChunkDoc, error)
	Close() error
}

// OpenBackend selects a backend from a DSN: "memory:" (or empty),
// "sqlite:<path>", or a postgres:// URL.
func OpenBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory" || strings.HasPrefix(dsn, "memory:"):
		return NewMemoryBackend(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return OpenSQLiteBackend(strings.TrimPrefix(dsn, "sqlite:"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresBackend(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported backend dsn %q", ErrInvalidInput, dsn)
	}
}

// MemoryBackend keeps documents in process memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

// NewMemoryBackend returns an empty memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]Document), now: time.Now}
}

func (b *MemoryBackend) Put(_ context.Context, doc Document) error {
	if err := validateID(doc.BudgetID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.docs[doc.BudgetID]
	if (ok && current.SyncVersion != doc.BaseVersion) || (!ok && doc.BaseVersion != "") {
		return ErrConflict
	}
	stored := cloneDocument(doc)
	stored.BaseVersion = ""
	stored.ChunkCount = len(doc.Chunks)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = b.now().UTC()
	}
	b.docs[doc.BudgetID] = stored
	return nil
}

func (b *MemoryBackend) Main(_ context.Context, budgetID string) (Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.docs[budgetID]
	if !ok {
		return Document{}, ErrNotFound
	}
	out := cloneDocument(doc)
	out.Chunks = nil
	return out, nil
}

func (b *MemoryBackend) Chunks(_ context.Context, budgetID string) ([]ChunkDoc, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.docs[budgetID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneDocument(doc).Chunks
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *MemoryBackend) Close() error { return nil }

// direct adapts a Backend into a Store without a network hop.
type direct struct {
	backend Backend
}

// Direct returns a Store that reads and writes backend in process.
func Direct(backend Backend) Store {
	return &direct{backend: backend}
}

func (d *direct) SaveSnapshot(ctx context.Context, budgetID string, doc Document, actor string) error {
	doc.BudgetID = budgetID
	doc.Actor = actor
	return d.backend.Put(ctx, doc)
}

func (d *direct) LoadSnapshot(ctx context.Context, budgetID string) (Document, error) {
	doc, err := d.backend.Main(ctx, budgetID)
	if err != nil {
		return Document{}, err
	}
	if doc.ChunkCount == 0 {
		return doc, nil
	}
	chunks, err := d.backend.Chunks(ctx, budgetID)
	if err != nil {
		return Document{}, err
	}
	doc.Chunks = chunks
	return doc, nil
}
