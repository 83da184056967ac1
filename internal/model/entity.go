// Package model defines the budget snapshot, its entities, and the per-device sync cursor.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Collection keys for the entity collections carried in a snapshot.
const (
	Envelopes    = "envelopes"
	Transactions = "transactions"
	Bills        = "bills"
	Paychecks    = "paychecks"
	SavingsGoals = "savingsGoals"
	Debts        = "debts"
)

// Collections lists every known collection key in a stable order.
var Collections = []string{Envelopes, Transactions, Bills, Paychecks, SavingsGoals, Debts}

// IsCollection reports whether name is a known collection key.
func IsCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

// Entity is one version of one addressable record. A Deleted entity is a
// tombstone: it keeps its timestamp and drops its data.
type Entity struct {
	ID           string          `json:"id"`
	LastModified int64           `json:"lastModified"`
	Deleted      bool            `json:"deleted,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Tombstone returns a deletion marker for id stamped at lastModified.
func Tombstone(id string, lastModified int64) Entity {
	return Entity{ID: id, LastModified: lastModified, Deleted: true}
}

// Same reports whether e and o describe the identical version.
func (e Entity) Same(o Entity) bool {
	if e.ID != o.ID || e.LastModified != o.LastModified || e.Deleted != o.Deleted {
		return false
	}
	if e.Deleted {
		return true
	}
	return bytes.Equal(compact(e.Data), compact(o.Data))
}

func compact(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// NewEntity encodes v as the data of a live entity.
func NewEntity(id string, lastModified int64, v any) (Entity, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Entity{}, fmt.Errorf("encoding %s: %w", id, err)
	}
	return Entity{ID: id, LastModified: lastModified, Data: data}, nil
}

// Decode unmarshals the data of a live entity into a typed record.
func Decode[T any](e Entity) (T, error) {
	var v T
	if e.Deleted {
		return v, fmt.Errorf("entity %s is deleted", e.ID)
	}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("decoding %s: %w", e.ID, err)
	}
	return v, nil
}

// Millis converts t to the millisecond timestamps used by entities.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// SortEntities orders entities by ID so encodings are deterministic.
func SortEntities(entities []Entity) {
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
}
