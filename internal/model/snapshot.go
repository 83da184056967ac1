package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metadata holds the scalar budget fields. It merges as a single unit.
type Metadata struct {
	UnassignedCash decimal.Decimal `json:"unassignedCash"`
	ActualBalance  decimal.Decimal `json:"actualBalance"`
	LastModified   int64           `json:"lastModified"`
}

// Snapshot is the full logical state of one budget.
type Snapshot struct {
	BudgetID     string              `json:"budgetId"`
	Collections  map[string][]Entity `json:"collections"`
	Metadata     Metadata            `json:"metadata"`
	LastModified int64               `json:"lastModified"`
	SyncVersion  string              `json:"syncVersion,omitempty"`
}

// NewSnapshot returns an empty snapshot with every collection present.
func NewSnapshot(budgetID string) Snapshot {
	s := Snapshot{BudgetID: budgetID, Collections: make(map[string][]Entity, len(Collections))}
	for _, c := range Collections {
		s.Collections[c] = []Entity{}
	}
	return s
}

// Touch recomputes LastModified as the newest entity or metadata timestamp.
func (s *Snapshot) Touch() {
	latest := s.Metadata.LastModified
	for _, entities := range s.Collections {
		for _, e := range entities {
			if e.LastModified > latest {
				latest = e.LastModified
			}
		}
	}
	s.LastModified = latest
}

// Count returns the number of live (non-tombstone) entities in a collection.
func (s Snapshot) Count(collection string) int {
	n := 0
	for _, e := range s.Collections[collection] {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// Find returns the entity with id in collection.
func (s Snapshot) Find(collection, id string) (Entity, bool) {
	for _, e := range s.Collections[collection] {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// SyncCursor records the last remote version a device reconciled with. It is
// stored locally and never uploaded.
type SyncCursor struct {
	DeviceID     string    `json:"deviceId"`
	SyncVersion  string    `json:"syncVersion"`
	LastModified int64     `json:"lastModified"`
	SyncedAt     time.Time `json:"syncedAt"`
}

// IsZero reports whether the device has never completed a sync.
func (c SyncCursor) IsZero() bool {
	return c.SyncVersion == "" && c.SyncedAt.IsZero()
}
