package model

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameIgnoresWhitespace(t *testing.T) {
	a := Entity{ID: "e1", LastModified: 10, Data: json.RawMessage(`{"name": "Rent"}`)}
	b := Entity{ID: "e1", LastModified: 10, Data: json.RawMessage(`{"name":"Rent"}`)}
	assert.True(t, a.Same(b))

	b.LastModified = 11
	assert.False(t, a.Same(b))
}

func TestTombstonesCompareWithoutData(t *testing.T) {
	a := Tombstone("e1", 5)
	b := Entity{ID: "e1", LastModified: 5, Deleted: true, Data: json.RawMessage(`{"x":1}`)}
	assert.True(t, a.Same(b))
}

func TestNewEntityAndDecode(t *testing.T) {
	env := Envelope{Name: "Groceries"}
	e, err := NewEntity("env-1", 42, env)
	require.NoError(t, err)

	got, err := Decode[Envelope](e)
	require.NoError(t, err)
	assert.Equal(t, "Groceries", got.Name)

	_, err = Decode[Envelope](Tombstone("env-1", 43))
	assert.Error(t, err)
}

func TestSnapshotTouchAndCount(t *testing.T) {
	s := NewSnapshot("b1")
	assert.Len(t, s.Collections, len(Collections))

	s.Metadata = Metadata{UnassignedCash: decimal.RequireFromString("10.00"), LastModified: 7}
	s.Collections[Envelopes] = []Entity{
		{ID: "a", LastModified: 3, Data: json.RawMessage(`{}`)},
		Tombstone("b", 12),
	}
	s.Touch()
	assert.Equal(t, int64(12), s.LastModified)
	assert.Equal(t, 1, s.Count(Envelopes))

	e, ok := s.Find(Envelopes, "b")
	require.True(t, ok)
	assert.True(t, e.Deleted)
}

func TestIsCollection(t *testing.T) {
	assert.True(t, IsCollection(Transactions))
	assert.False(t, IsCollection("sessions"))
}

func TestSortEntities(t *testing.T) {
	list := []Entity{{ID: "c"}, {ID: "a"}, {ID: "b"}}
	SortEntities(list)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[2].ID)
}
