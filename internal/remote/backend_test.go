package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc(budgetID, version, base string, chunks int) Document {
	doc := Document{
		BudgetID:    budgetID,
		SyncVersion: version,
		BaseVersion: base,
		Actor:       "device-a",
		Main:        []byte("sealed-main-" + version),
	}
	for i := 0; i < chunks; i++ {
		doc.Chunks = append(doc.Chunks, ChunkDoc{
			ID:          "transactions_chunk_00" + string(rune('0'+i)),
			SyncVersion: version,
			Data:        []byte{byte(i), 0xff},
		})
	}
	return doc
}

func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Main(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Put(ctx, sampleDoc("b1", "v1", "", 3)))

	main, err := b.Main(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "v1", main.SyncVersion)
	assert.Equal(t, "device-a", main.Actor)
	assert.Equal(t, 3, main.ChunkCount)
	assert.Equal(t, []byte("sealed-main-v1"), main.Main)
	assert.Empty(t, main.Chunks)
	assert.False(t, main.UpdatedAt.IsZero())

	chunks, err := b.Chunks(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "transactions_chunk_000", chunks[0].ID)
	assert.Equal(t, []byte{2, 0xff}, chunks[2].Data)

	// Stale base version.
	assert.ErrorIs(t, b.Put(ctx, sampleDoc("b1", "v2", "", 0)), ErrConflict)
	assert.ErrorIs(t, b.Put(ctx, sampleDoc("b1", "v2", "v0", 0)), ErrConflict)
	// Base on a budget that does not exist.
	assert.ErrorIs(t, b.Put(ctx, sampleDoc("b2", "v1", "v0", 0)), ErrConflict)

	// A new generation replaces the old chunk set.
	require.NoError(t, b.Put(ctx, sampleDoc("b1", "v2", "v1", 1)))
	chunks, err = b.Chunks(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "v2", chunks[0].SyncVersion)

	assert.ErrorIs(t, b.Put(ctx, sampleDoc("", "v1", "", 0)), ErrInvalidInput)
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestSQLiteBackend(t *testing.T) {
	b, err := OpenSQLiteBackend(filepath.Join(t.TempDir(), "remote", "sync.db"))
	require.NoError(t, err)
	defer b.Close()
	exerciseBackend(t, b)
}

func TestSQLBackendRetriesFailedInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-yet")
	b := &SQLBackend{dsn: filepath.Join(dir, "sync.db"), dialect: sqliteDialect, now: time.Now}
	defer b.Close()

	_, err := b.Main(context.Background(), "b1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.MkdirAll(dir, 0o750))
	_, err = b.Main(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrNotFound, "a failed first connect is retried")
}

func TestPostgresBackend(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("ENVSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set ENVSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	b, err := NewPostgresBackend(dsn)
	require.NoError(t, err)
	defer b.Close()

	db, err := b.conn()
	require.NoError(t, err)
	_, _ = db.Exec("DELETE FROM envsync_chunks")
	_, _ = db.Exec("DELETE FROM envsync_budgets")
	exerciseBackend(t, b)
}

func TestOpenBackend(t *testing.T) {
	b, err := OpenBackend("memory:")
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	b, err = OpenBackend("sqlite:" + filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLBackend{}, b)
	require.NoError(t, b.Close())

	b, err = OpenBackend("postgres://user@localhost/envsync?sslmode=disable")
	require.NoError(t, err)
	assert.IsType(t, &SQLBackend{}, b)

	_, err = OpenBackend("redis://localhost")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", postgresDialect.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	assert.Equal(t, "x = ?", sqliteDialect.rebind("x = ?"))
}

func TestDirectStore(t *testing.T) {
	ctx := context.Background()
	store := Direct(NewMemoryBackend())

	_, err := store.LoadSnapshot(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotFound)

	doc := sampleDoc("ignored", "v1", "", 2)
	require.NoError(t, store.SaveSnapshot(ctx, "b1", doc, "device-b"))

	got, err := store.LoadSnapshot(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.BudgetID)
	assert.Equal(t, "device-b", got.Actor)
	assert.Len(t, got.Chunks, 2)
}
