package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/theirongolddev/envsync/internal/transport"
)

// Client is a Store backed by the sync service over HTTP.
type Client struct {
	t      *transport.Client
	binary bool
}

// NewClient wraps a transport client for the sync service. Binary selects
// msgpack bodies.
func NewClient(t *transport.Client, binary bool) *Client {
	return &Client{t: t, binary: binary}
}

func (c *Client) callOpts() []transport.CallOption {
	if c.binary {
		return []transport.CallOption{transport.WithBinary()}
	}
	return nil
}

func budgetPath(budgetID string) string {
	return "/v1/budgets/" + url.PathEscape(budgetID)
}

// SaveSnapshot uploads doc for budgetID.
func (c *Client) SaveSnapshot(ctx context.Context, budgetID string, doc Document, actor string) error {
	if err := validateID(budgetID); err != nil {
		return err
	}
	doc.BudgetID = budgetID
	doc.Actor = actor
	doc.ChunkCount = len(doc.Chunks)
	if err := c.t.Put(ctx, budgetPath(budgetID), doc, nil, c.callOpts()...); err != nil {
		return mapStatus(err)
	}
	return nil
}

// LoadSnapshot downloads the main document, then its chunks. The two reads
// are separate requests, so the chunk set may belong to a newer upload than
// the main document; callers detect that through the generation tags.
func (c *Client) LoadSnapshot(ctx context.Context, budgetID string) (Document, error) {
	if err := validateID(budgetID); err != nil {
		return Document{}, err
	}
	var doc Document
	if err := c.t.Get(ctx, budgetPath(budgetID), &doc, c.callOpts()...); err != nil {
		return Document{}, mapStatus(err)
	}
	if doc.ChunkCount == 0 {
		return doc, nil
	}
	var chunks []ChunkDoc
	if err := c.t.Get(ctx, budgetPath(budgetID)+"/chunks", &chunks, c.callOpts()...); err != nil {
		return Document{}, mapStatus(err)
	}
	doc.Chunks = chunks
	return doc, nil
}

func mapStatus(err error) error {
	switch transport.StatusCode(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return err
}
