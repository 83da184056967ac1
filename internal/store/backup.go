package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/theirongolddev/envsync/internal/codec"
	"github.com/theirongolddev/envsync/internal/model"
)

// DefaultBackupRetention is how many backups a store keeps.
const DefaultBackupRetention = 5

const maxBackupBytes = 512 << 20

var (
	ErrBackupNotFound = errors.New("backup not found")
	ErrBackupCorrupt  = errors.New("backup checksum mismatch")
)

// Backup describes one stored copy of the budget.
type Backup struct {
	ID        int64     `json:"id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
	Checksum  string    `json:"checksum"`
	Entities  int       `json:"entities"`
	Size      int       `json:"size"`
}

// SetBackupRetention bounds how many backups are kept. Values below one fall
// back to DefaultBackupRetention.
func (s *Store) SetBackupRetention(n int) {
	if n < 1 {
		n = DefaultBackupRetention
	}
	s.retention = n
}

// CreateBackup stores snap and prunes the oldest backups beyond the
// retention limit.
func (s *Store) CreateBackup(ctx context.Context, reason string, snap model.Snapshot) (Backup, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return Backup{}, fmt.Errorf("encoding backup: %w", err)
	}
	sum := sha256.Sum256(raw)
	packed, err := codec.Compress(raw)
	if err != nil {
		return Backup{}, fmt.Errorf("compressing backup: %w", err)
	}

	b := Backup{
		Reason:    reason,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Checksum:  hex.EncodeToString(sum[:]),
		Size:      len(raw),
	}
	for _, entities := range snap.Collections {
		b.Entities += len(entities)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Backup{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO backups (reason, created_at, checksum, entities, size, data)
		VALUES (?, ?, ?, ?, ?, ?)`, b.Reason, b.CreatedAt.Format(time.RFC3339), b.Checksum, b.Entities, b.Size, packed)
	if err != nil {
		return Backup{}, fmt.Errorf("writing backup: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return Backup{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM backups
		WHERE id NOT IN (SELECT id FROM backups ORDER BY id DESC LIMIT ?)`, s.retention); err != nil {
		return Backup{}, fmt.Errorf("pruning backups: %w", err)
	}
	return b, tx.Commit()
}

// Backups lists stored backups, newest first.
func (s *Store) Backups(ctx context.Context) ([]Backup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, reason, created_at, checksum, entities, size
		FROM backups ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Backup
	for rows.Next() {
		var b Backup
		var created string
		if err := rows.Scan(&b.ID, &b.Reason, &created, &b.Checksum, &b.Entities, &b.Size); err != nil {
			return nil, err
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, b)
	}
	return out, rows.Err()
}

// LoadBackup returns the snapshot stored in backup id after checking its
// checksum.
func (s *Store) LoadBackup(ctx context.Context, id int64) (model.Snapshot, error) {
	var checksum string
	var packed []byte
	err := s.db.QueryRowContext(ctx, `SELECT checksum, data FROM backups WHERE id = ?`, id).Scan(&checksum, &packed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, fmt.Errorf("%w: %d", ErrBackupNotFound, id)
	}
	if err != nil {
		return model.Snapshot{}, err
	}

	raw, err := codec.Decompress(packed, maxBackupBytes)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: backup %d: %v", ErrBackupCorrupt, id, err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != checksum {
		return model.Snapshot{}, fmt.Errorf("%w: backup %d", ErrBackupCorrupt, id)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: backup %d: %v", ErrBackupCorrupt, id, err)
	}
	return snap, nil
}

// RestoreBackup replaces the local budget with backup id. Every restored
// record is left dirty so the next sync pushes it.
//
// With at zero the records keep their own timestamps, so a newer remote
// version still wins the next merge. A positive at restamps the restored
// records and metadata, and tombstones records the backup does not hold, so
// the restored state propagates to other devices.
func (s *Store) RestoreBackup(ctx context.Context, id int64, at int64) (model.Snapshot, error) {
	snap, err := s.LoadBackup(ctx, id)
	if err != nil {
		return model.Snapshot{}, err
	}
	for collection := range snap.Collections {
		if err := checkCollection(collection); err != nil {
			return model.Snapshot{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var gone map[string][]string
	if at > 0 {
		if gone, err = absentKeys(ctx, tx, snap); err != nil {
			return model.Snapshot{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return model.Snapshot{}, fmt.Errorf("clearing entities: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return model.Snapshot{}, err
	}
	defer func() { _ = stmt.Close() }()

	ts := now()
	put := func(collection string, e model.Entity) error {
		if _, err := stmt.ExecContext(ctx, collection, e.ID, e.LastModified, boolInt(e.Deleted), entityData(e), 1, ts); err != nil {
			return fmt.Errorf("restoring %s/%s: %w", collection, e.ID, err)
		}
		return nil
	}
	for collection, entities := range snap.Collections {
		for i, e := range entities {
			if at > 0 {
				e.LastModified = at
				entities[i] = e
			}
			if err := put(collection, e); err != nil {
				return model.Snapshot{}, err
			}
		}
	}
	for collection, ids := range gone {
		for _, entityID := range ids {
			tomb := model.Tombstone(entityID, at)
			if err := put(collection, tomb); err != nil {
				return model.Snapshot{}, err
			}
			snap.Collections[collection] = append(snap.Collections[collection], tomb)
		}
	}

	if at > 0 {
		snap.Metadata.LastModified = at
	}
	if err := setJSON(ctx, tx, keyMetadata, snap.Metadata); err != nil {
		return model.Snapshot{}, err
	}
	if err := setMeta(ctx, tx, keyMetadataDirty, "1"); err != nil {
		return model.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Snapshot{}, err
	}
	snap.Touch()
	return snap, nil
}

// absentKeys lists live local records that snap does not contain.
func absentKeys(ctx context.Context, tx *sql.Tx, snap model.Snapshot) (map[string][]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT collection, entity_id FROM entities WHERE deleted = 0`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]string)
	for rows.Next() {
		var collection, id string
		if err := rows.Scan(&collection, &id); err != nil {
			return nil, err
		}
		if _, ok := snap.Find(collection, id); !ok {
			out[collection] = append(out[collection], id)
		}
	}
	return out, rows.Err()
}
