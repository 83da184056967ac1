package syncer

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/envsync/internal/model"
)

func ent(id string, lm int64, name string) model.Entity {
	return model.Entity{ID: id, LastModified: lm, Data: json.RawMessage(`{"name":"` + name + `"}`)}
}

func snapshotOf(entities ...model.Entity) model.Snapshot {
	s := model.NewSnapshot("budget-1")
	s.Collections[model.Envelopes] = entities
	s.Touch()
	return s
}

func TestMergeDisjointRecordsSurvive(t *testing.T) {
	merged, report := Merge(snapshotOf(ent("e1", 100, "a")), snapshotOf(ent("e2", 105, "b")))

	require.Len(t, merged.Collections[model.Envelopes], 2)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, 1, report.Pulled)
	assert.Zero(t, report.Conflicts)
	assert.Equal(t, []model.Entity{ent("e2", 105, "b")}, report.Pull[model.Envelopes])
	assert.Equal(t, int64(105), merged.LastModified)
}

func TestMergeGreaterTimestampWins(t *testing.T) {
	merged, report := Merge(snapshotOf(ent("e1", 200, "local")), snapshotOf(ent("e1", 150, "remote")))
	got, _ := merged.Find(model.Envelopes, "e1")
	assert.JSONEq(t, `{"name":"local"}`, string(got.Data))
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, 1, report.Conflicts)
	assert.Empty(t, report.Pull)

	merged, report = Merge(snapshotOf(ent("e1", 150, "local")), snapshotOf(ent("e1", 200, "remote")))
	got, _ = merged.Find(model.Envelopes, "e1")
	assert.JSONEq(t, `{"name":"remote"}`, string(got.Data))
	assert.Zero(t, report.Pushed)
	assert.Equal(t, 1, report.Pulled)
	assert.False(t, report.NeedsPush())
}

func TestMergeTombstones(t *testing.T) {
	// A delete beats an older edit.
	merged, report := Merge(snapshotOf(model.Tombstone("e1", 300)), snapshotOf(ent("e1", 200, "x")))
	got, _ := merged.Find(model.Envelopes, "e1")
	assert.True(t, got.Deleted)
	assert.Equal(t, 1, report.Tombstones)
	assert.Equal(t, 0, merged.Count(model.Envelopes))

	// A later create supersedes the delete.
	merged, report = Merge(snapshotOf(model.Tombstone("e1", 300)), snapshotOf(ent("e1", 400, "back")))
	got, _ = merged.Find(model.Envelopes, "e1")
	assert.False(t, got.Deleted)
	assert.Equal(t, 1, report.Pulled)
}

func TestMergeTiePrefersRemote(t *testing.T) {
	merged, report := Merge(snapshotOf(ent("e1", 100, "local")), snapshotOf(ent("e1", 100, "remote")))
	got, _ := merged.Find(model.Envelopes, "e1")
	assert.JSONEq(t, `{"name":"remote"}`, string(got.Data))
	require.Len(t, report.Ambiguities, 1)
	assert.Equal(t, Ambiguity{Collection: model.Envelopes, ID: "e1", LastModified: 100}, report.Ambiguities[0])
	assert.False(t, report.NeedsPush())
}

func TestMergeIdenticalIsQuiet(t *testing.T) {
	s := snapshotOf(ent("e1", 100, "same"))
	_, report := Merge(s, s)
	assert.Zero(t, report.Pushed)
	assert.Zero(t, report.Pulled)
	assert.Zero(t, report.Conflicts)
	assert.Empty(t, report.Ambiguities)
	assert.Nil(t, report.PullMetadata)
}

func TestMergeMetadata(t *testing.T) {
	local := snapshotOf()
	local.Metadata = model.Metadata{UnassignedCash: decimal.RequireFromString("10"), LastModified: 50}
	remote := snapshotOf()
	remote.Metadata = model.Metadata{UnassignedCash: decimal.RequireFromString("20"), LastModified: 40}

	merged, report := Merge(local, remote)
	assert.True(t, merged.Metadata.UnassignedCash.Equal(decimal.RequireFromString("10")))
	assert.True(t, report.PushMetadata)
	assert.Nil(t, report.PullMetadata)

	remote.Metadata.LastModified = 60
	merged, report = Merge(local, remote)
	assert.True(t, merged.Metadata.UnassignedCash.Equal(decimal.RequireFromString("20")))
	require.NotNil(t, report.PullMetadata)

	remote.Metadata.LastModified = 50
	_, report = Merge(local, remote)
	require.Len(t, report.Ambiguities, 1)
	assert.Equal(t, MetadataKey, report.Ambiguities[0].Collection)
}

func TestMergeCarriesUnknownCollections(t *testing.T) {
	remote := snapshotOf()
	remote.Collections["futureThings"] = []model.Entity{ent("f1", 10, "x")}
	merged, report := Merge(snapshotOf(), remote)
	assert.Len(t, merged.Collections["futureThings"], 1)
	assert.Empty(t, report.Pull["futureThings"])
}
