package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/theirongolddev/envsync/internal/model"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetMeta returns a raw metadata value.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	return getMeta(ctx, s.db, key)
}

// SetMeta stores a raw metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, s.db, key, value)
}

func getMeta(ctx context.Context, q queryer, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading meta %s: %w", key, err)
	}
	return v, true, nil
}

func setMeta(ctx context.Context, x execer, key, value string) error {
	_, err := x.ExecContext(ctx, `INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now())
	if err != nil {
		return fmt.Errorf("writing meta %s: %w", key, err)
	}
	return nil
}

func getJSON(ctx context.Context, q queryer, key string, v any) (bool, error) {
	raw, ok, err := getMeta(ctx, q, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decoding meta %s: %w", key, err)
	}
	return true, nil
}

func setJSON(ctx context.Context, x execer, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding meta %s: %w", key, err)
	}
	return setMeta(ctx, x, key, string(data))
}

// Metadata returns the budget's scalar fields. A fresh store returns zeros.
func (s *Store) Metadata(ctx context.Context) (model.Metadata, error) {
	var m model.Metadata
	_, err := getJSON(ctx, s.db, keyMetadata, &m)
	return m, err
}

// SetMetadata records a local edit of the scalar fields. An edit older than
// the stored one is ignored and reported as false.
func (s *Store) SetMetadata(ctx context.Context, m model.Metadata) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := writeMetadata(ctx, tx, m, true)
	if err != nil || !ok {
		return false, err
	}
	return true, tx.Commit()
}

func writeMetadata(ctx context.Context, tx *sql.Tx, m model.Metadata, dirty bool) (bool, error) {
	var cur model.Metadata
	found, err := getJSON(ctx, tx, keyMetadata, &cur)
	if err != nil {
		return false, err
	}
	if found && m.LastModified < cur.LastModified {
		return false, nil
	}
	if err := setJSON(ctx, tx, keyMetadata, m); err != nil {
		return false, err
	}
	flag := "0"
	if dirty {
		flag = "1"
	}
	return true, setMeta(ctx, tx, keyMetadataDirty, flag)
}

// Cursor returns the device's sync cursor, zero if it never synced.
func (s *Store) Cursor(ctx context.Context) (model.SyncCursor, error) {
	var c model.SyncCursor
	_, err := getJSON(ctx, s.db, keyCursor, &c)
	return c, err
}

// SaveCursor replaces the sync cursor.
func (s *Store) SaveCursor(ctx context.Context, c model.SyncCursor) error {
	return setJSON(ctx, s.db, keyCursor, c)
}

// HasDirty reports whether any local edit is waiting to be pushed.
func (s *Store) HasDirty(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE dirty = 1`).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	flag, _, err := getMeta(ctx, s.db, keyMetadataDirty)
	return flag == "1", err
}

// LoadSnapshot assembles the full local state, tombstones included. Its
// SyncVersion is the cursor's.
func (s *Store) LoadSnapshot(ctx context.Context, budgetID string) (model.Snapshot, error) {
	snap := model.NewSnapshot(budgetID)

	// Single connection: scalar reads come before the row cursor opens.
	metadata, err := s.Metadata(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	cursor, err := s.Cursor(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap.Metadata = metadata
	snap.SyncVersion = cursor.SyncVersion

	rows, err := s.db.QueryContext(ctx, `SELECT collection, entity_id, last_modified, deleted, data
		FROM entities ORDER BY collection, entity_id`)
	if err != nil {
		return model.Snapshot{}, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			collection string
			e          model.Entity
			deleted    int
			data       []byte
		)
		if err := rows.Scan(&collection, &e.ID, &e.LastModified, &deleted, &data); err != nil {
			return model.Snapshot{}, err
		}
		e.Deleted = deleted != 0
		if len(data) > 0 {
			e.Data = json.RawMessage(data)
		}
		snap.Collections[collection] = append(snap.Collections[collection], e)
	}
	if err := rows.Err(); err != nil {
		return model.Snapshot{}, err
	}
	snap.Touch()
	return snap, nil
}

// ApplyMerged writes entities that won a merge against the local copy. They
// are stored clean; a local edit newer than an incoming entity is kept. A
// nil metadata leaves the local fields untouched.
func (s *Store) ApplyMerged(ctx context.Context, changes map[string][]model.Entity, metadata *model.Metadata) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stmt.Close() }()

	applied := 0
	ts := now()
	for collection, entities := range changes {
		if err := checkCollection(collection); err != nil {
			return 0, err
		}
		for _, e := range entities {
			res, err := stmt.ExecContext(ctx, collection, e.ID, e.LastModified, boolInt(e.Deleted), entityData(e), 0, ts)
			if err != nil {
				return 0, fmt.Errorf("applying %s/%s: %w", collection, e.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				applied++
			}
		}
	}
	if metadata != nil {
		ok, err := writeMetadata(ctx, tx, *metadata, false)
		if err != nil {
			return 0, err
		}
		if ok {
			applied++
		}
	}
	return applied, tx.Commit()
}

// CommitSync marks every entity of synced as pushed, unless it was edited
// again since, and saves the cursor. Both happen in one transaction.
func (s *Store) CommitSync(ctx context.Context, cursor model.SyncCursor, synced model.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE entities SET dirty = 0
		WHERE collection = ? AND entity_id = ? AND last_modified <= ? AND dirty = 1`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for collection, entities := range synced.Collections {
		for _, e := range entities {
			if _, err := stmt.ExecContext(ctx, collection, e.ID, e.LastModified); err != nil {
				return fmt.Errorf("clearing %s/%s: %w", collection, e.ID, err)
			}
		}
	}

	var cur model.Metadata
	if _, err := getJSON(ctx, tx, keyMetadata, &cur); err != nil {
		return err
	}
	if cur.LastModified <= synced.Metadata.LastModified {
		if err := setMeta(ctx, tx, keyMetadataDirty, "0"); err != nil {
			return err
		}
	}

	if err := setJSON(ctx, tx, keyCursor, cursor); err != nil {
		return err
	}
	return tx.Commit()
}
