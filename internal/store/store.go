// Package store provides the SQLite-backed local budget database: entity
// collections with per-record dirty tracking plus a key/value metadata table
// that also holds the sync cursor. Whole-budget backups live alongside.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/theirongolddev/envsync/internal/model"

	_ "modernc.org/sqlite" // register sqlite driver
)

// Metadata keys.
const (
	keyCursor        = "sync.cursor"
	keyMetadata      = "budget.metadata"
	keyMetadataDirty = "budget.metadata.dirty"
)

// ErrUnknownCollection rejects collection names outside model.Collections.
var ErrUnknownCollection = errors.New("unknown collection")

// Store is the local budget database.
type Store struct {
	db        *sql.DB
	path      string
	retention int
}

// Open opens or creates the database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, path: dbPath, retention: DefaultBackupRetention}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func checkCollection(collection string) error {
	if !model.IsCollection(collection) {
		return fmt.Errorf("%w %q", ErrUnknownCollection, collection)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (model.Entity, error) {
	var e model.Entity
	var deleted int
	var data []byte
	if err := row.Scan(&e.ID, &e.LastModified, &deleted, &data); err != nil {
		return model.Entity{}, err
	}
	e.Deleted = deleted != 0
	if len(data) > 0 {
		e.Data = json.RawMessage(data)
	}
	return e, nil
}

// Get returns one entity, including tombstones.
func (s *Store) Get(ctx context.Context, collection, id string) (model.Entity, bool, error) {
	if err := checkCollection(collection); err != nil {
		return model.Entity{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT entity_id, last_modified, deleted, data
		FROM entities WHERE collection = ? AND entity_id = ?`, collection, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, false, nil
	}
	if err != nil {
		return model.Entity{}, false, err
	}
	return e, true, nil
}

// BulkUpsert records local edits. An edit older than the stored version is
// skipped. Applied edits are marked dirty until a sync pushes them. It
// returns the number of edits applied.
func (s *Store) BulkUpsert(ctx context.Context, collection string, entities []model.Entity) (int, error) {
	if err := checkCollection(collection); err != nil {
		return 0, err
	}
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
	for _, e := range entities {
		if e.ID == "" {
			return 0, fmt.Errorf("%s: entity without id", collection)
		}
		res, err := stmt.ExecContext(ctx, collection, e.ID, e.LastModified, boolInt(e.Deleted), entityData(e), 1, ts)
		if err != nil {
			return 0, fmt.Errorf("upserting %s/%s: %w", collection, e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied++
		}
	}
	return applied, tx.Commit()
}

// upsertSQL keeps the newer version of a row: equal timestamps overwrite.
const upsertSQL = `INSERT INTO entities
	(collection, entity_id, last_modified, deleted, data, dirty, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (collection, entity_id) DO UPDATE SET
		last_modified = excluded.last_modified,
		deleted = excluded.deleted,
		data = excluded.data,
		dirty = excluded.dirty,
		updated_at = excluded.updated_at
	WHERE excluded.last_modified >= entities.last_modified`

func entityData(e model.Entity) any {
	if e.Deleted || len(e.Data) == 0 {
		return nil
	}
	return []byte(e.Data)
}

// Delete replaces an entity with a tombstone stamped at lastModified.
func (s *Store) Delete(ctx context.Context, collection, id string, lastModified int64) error {
	n, err := s.BulkUpsert(ctx, collection, []model.Entity{model.Tombstone(id, lastModified)})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s has a newer version than the deletion", collection, id)
	}
	return nil
}

// Range filters Query by last-modified time. Zero bounds are open.
type Range struct {
	Since          int64
	Until          int64
	Limit          int
	IncludeDeleted bool
}

// Query lists entities of a collection ordered by last-modified time.
func (s *Store) Query(ctx context.Context, collection string, r Range) ([]model.Entity, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	q := `SELECT entity_id, last_modified, deleted, data FROM entities WHERE collection = ?`
	args := []any{collection}
	if r.Since > 0 {
		q += " AND last_modified >= ?"
		args = append(args, r.Since)
	}
	if r.Until > 0 {
		q += " AND last_modified < ?"
		args = append(args, r.Until)
	}
	if !r.IncludeDeleted {
		q += " AND deleted = 0"
	}
	q += " ORDER BY last_modified, entity_id"
	if r.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, r.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts summarizes one collection.
type Counts struct {
	Live       int `json:"live"`
	Tombstones int `json:"tombstones"`
	Dirty      int `json:"dirty"`
}

// Counts returns per-collection totals for every collection.
func (s *Store) Counts(ctx context.Context) (map[string]Counts, error) {
	out := make(map[string]Counts, len(model.Collections))
	for _, c := range model.Collections {
		out[c] = Counts{}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT collection,
		SUM(CASE WHEN deleted = 0 THEN 1 ELSE 0 END),
		SUM(CASE WHEN deleted = 1 THEN 1 ELSE 0 END),
		SUM(dirty)
		FROM entities GROUP BY collection`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		var c Counts
		if err := rows.Scan(&name, &c.Live, &c.Tombstones, &c.Dirty); err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, rows.Err()
}
