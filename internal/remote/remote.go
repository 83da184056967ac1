// Package remote stores encrypted budget snapshots on a sync backend. It
// provides the client-side Store used by the orchestrator, the reference
// backend server, its storage backends, and a websocket change feed.
package remote

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no snapshot has been uploaded for the budget yet.
	ErrNotFound = errors.New("remote snapshot not found")
	// ErrConflict means the stored snapshot moved past the caller's base version.
	ErrConflict = errors.New("remote snapshot version conflict")
	// ErrInvalidInput rejects malformed documents and ids.
	ErrInvalidInput = errors.New("invalid input")
)

// Document is one uploaded snapshot: an encrypted main blob plus zero or
// more encrypted chunk blobs written in the same generation.
type Document struct {
	BudgetID    string     `json:"budgetId"`
	SyncVersion string     `json:"syncVersion"`
	BaseVersion string     `json:"baseVersion,omitempty"`
	Actor       string     `json:"actor,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ChunkCount  int        `json:"chunkCount"`
	Main        []byte     `json:"main"`
	Chunks      []ChunkDoc `json:"chunks,omitempty"`
}

// ChunkDoc is one encrypted chunk blob.
type ChunkDoc struct {
	ID          string `json:"id"`
	SyncVersion string `json:"syncVersion"`
	Data        []byte `json:"data"`
}

// Notification announces a new snapshot on the change feed.
type Notification struct {
	BudgetID    string    `json:"budgetId"`
	SyncVersion string    `json:"syncVersion"`
	Actor       string    `json:"actor,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store is the remote side of a sync.
type Store interface {
	// SaveSnapshot uploads doc. doc.BaseVersion must match the stored version
	// ("" when none exists) or ErrConflict is returned.
	SaveSnapshot(ctx context.Context, budgetID string, doc Document, actor string) error
	// LoadSnapshot downloads the latest document with its chunks, or ErrNotFound.
	LoadSnapshot(ctx context.Context, budgetID string) (Document, error)
}

func validateID(budgetID string) error {
	if budgetID == "" || len(budgetID) > 128 {
		return ErrInvalidInput
	}
	return nil
}

func cloneDocument(doc Document) Document {
	out := doc
	out.Main = append([]byte(nil), doc.Main...)
	if doc.Chunks != nil {
		out.Chunks = make([]ChunkDoc, len(doc.Chunks))
		for i, c := range doc.Chunks {
			out.Chunks[i] = ChunkDoc{ID: c.ID, SyncVersion: c.SyncVersion, Data: append([]byte(nil), c.Data...)}
		}
	}
	return out
}
