package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/envsync/internal/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "budget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func envelope(id string, lm int64, name string) model.Entity {
	return model.Entity{ID: id, LastModified: lm, Data: json.RawMessage(`{"name":"` + name + `"}`)}
}

func TestBulkUpsertKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	n, err := s.BulkUpsert(ctx, model.Envelopes, []model.Entity{envelope("e1", 100, "Rent")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.BulkUpsert(ctx, model.Envelopes, []model.Entity{envelope("e1", 90, "Stale")})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, ok, err := s.Get(ctx, model.Envelopes, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), got.LastModified)
	assert.JSONEq(t, `{"name":"Rent"}`, string(got.Data))

	_, ok, err = s.Get(ctx, model.Envelopes, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownCollection(t *testing.T) {
	s := openTest(t)
	_, err := s.BulkUpsert(context.Background(), "widgets", []model.Entity{envelope("w", 1, "x")})
	require.ErrorIs(t, err, ErrUnknownCollection)
	_, err = s.Query(context.Background(), "widgets", Range{})
	require.ErrorIs(t, err, ErrUnknownCollection)
}

func TestDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	_, err := s.BulkUpsert(ctx, model.Bills, []model.Entity{envelope("b1", 100, "Power")})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, model.Bills, "b1", 200))
	require.Error(t, s.Delete(ctx, model.Bills, "b1", 150))

	got, ok, err := s.Get(ctx, model.Bills, "b1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Data)

	live, err := s.Query(ctx, model.Bills, Range{})
	require.NoError(t, err)
	assert.Empty(t, live)

	all, err := s.Query(ctx, model.Bills, Range{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestQueryRange(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	_, err := s.BulkUpsert(ctx, model.Transactions, []model.Entity{
		envelope("t1", 10, "a"),
		envelope("t2", 20, "b"),
		envelope("t3", 30, "c"),
		envelope("t4", 40, "d"),
	})
	require.NoError(t, err)

	got, err := s.Query(ctx, model.Transactions, Range{Since: 20, Until: 40})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[0].ID)
	assert.Equal(t, "t3", got[1].ID)

	got, err = s.Query(ctx, model.Transactions, Range{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)
}

func TestMetadataAndCursor(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	m, err := s.Metadata(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.LastModified)

	ok, err := s.SetMetadata(ctx, model.Metadata{UnassignedCash: decimal.RequireFromString("12.50"), LastModified: 50})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetMetadata(ctx, model.Metadata{UnassignedCash: decimal.RequireFromString("1"), LastModified: 40})
	require.NoError(t, err)
	assert.False(t, ok)

	m, err = s.Metadata(ctx)
	require.NoError(t, err)
	assert.True(t, m.UnassignedCash.Equal(decimal.RequireFromString("12.5")))

	dirty, err := s.HasDirty(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)

	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.True(t, c.IsZero())

	want := model.SyncCursor{DeviceID: "dev-a", SyncVersion: "v1", LastModified: 50, SyncedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	require.NoError(t, s.SaveCursor(ctx, want))
	c, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.SyncVersion, c.SyncVersion)
	assert.True(t, want.SyncedAt.Equal(c.SyncedAt))
}

func TestLoadSnapshot(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	_, err := s.BulkUpsert(ctx, model.Envelopes, []model.Entity{envelope("e2", 20, "b"), envelope("e1", 10, "a")})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, model.Debts, "d1", 70))
	_, err = s.SetMetadata(ctx, model.Metadata{LastModified: 30})
	require.NoError(t, err)
	require.NoError(t, s.SaveCursor(ctx, model.SyncCursor{SyncVersion: "v9"}))

	snap, err := s.LoadSnapshot(ctx, "budget-1")
	require.NoError(t, err)
	assert.Equal(t, "budget-1", snap.BudgetID)
	assert.Equal(t, "v9", snap.SyncVersion)
	assert.Equal(t, int64(70), snap.LastModified)
	require.Len(t, snap.Collections[model.Envelopes], 2)
	assert.Equal(t, "e1", snap.Collections[model.Envelopes][0].ID)
	d, ok := snap.Find(model.Debts, "d1")
	require.True(t, ok)
	assert.True(t, d.Deleted)
	assert.NotNil(t, snap.Collections[model.Paychecks])
}

func TestApplyMergedAndCommit(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	_, err := s.BulkUpsert(ctx, model.Envelopes, []model.Entity{envelope("local", 100, "mine"), envelope("both", 100, "old")})
	require.NoError(t, err)

	applied, err := s.ApplyMerged(ctx, map[string][]model.Entity{
		model.Envelopes: {envelope("both", 105, "theirs"), envelope("remote", 80, "new"), envelope("local", 90, "stale")},
	}, &model.Metadata{LastModified: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	got, _, err := s.Get(ctx, model.Envelopes, "local")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"mine"}`, string(got.Data))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Live: 3, Dirty: 1}, counts[model.Envelopes])
	assert.Equal(t, Counts{}, counts[model.Bills])

	synced, err := s.LoadSnapshot(ctx, "b")
	require.NoError(t, err)

	// An edit landing after the snapshot was taken stays dirty.
	_, err = s.BulkUpsert(ctx, model.Envelopes, []model.Entity{envelope("later", 200, "x")})
	require.NoError(t, err)

	require.NoError(t, s.CommitSync(ctx, model.SyncCursor{SyncVersion: "v2"}, synced))
	counts, err = s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.Envelopes].Dirty)

	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", c.SyncVersion)
}

func TestMetaRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	_, ok, err := s.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.SetMeta(ctx, "k", "v1"))
	require.NoError(t, s.SetMeta(ctx, "k", "v2"))
	v, ok, err := s.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}
