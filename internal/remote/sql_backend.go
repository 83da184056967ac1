package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"  // register postgres driver
	_ "modernc.org/sqlite" // register sqlite driver
)

const sqlOperationTimeout = 5 * time.Second

type dialect struct {
	driver    string
	blobType  string
	forUpdate string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	sqliteDialect   = dialect{driver: "sqlite", blobType: "BLOB"}
	postgresDialect = dialect{driver: "postgres", blobType: "BYTEA", forUpdate: " FOR UPDATE", numbered: true}
)

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() string {
	return `
CREATE TABLE IF NOT EXISTS envsync_budgets (
    budget_id     TEXT PRIMARY KEY,
    sync_version  TEXT NOT NULL,
    actor         TEXT NOT NULL DEFAULT '',
    updated_at    BIGINT NOT NULL,
    chunk_count   INTEGER NOT NULL DEFAULT 0,
    main          ` + d.blobType + ` NOT NULL
);

CREATE TABLE IF NOT EXISTS envsync_chunks (
    budget_id     TEXT NOT NULL,
    chunk_id      TEXT NOT NULL,
    sync_version  TEXT NOT NULL,
    data          ` + d.blobType + ` NOT NULL,
    PRIMARY KEY (budget_id, chunk_id)
);
`
}

// SQLBackend stores documents in a SQL database.
type SQLBackend struct {
	dsn     string
	dialect dialect

	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteBackend opens or creates a SQLite database at path.
func OpenSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating backend dir: %w", err)
	}
	b := &SQLBackend{
		dsn:     path + "?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)",
		dialect: sqliteDialect,
		now:     time.Now,
	}
	if _, err := b.conn(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewPostgresBackend connects lazily on first use.
func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres dsn", ErrInvalidInput)
	}
	return &SQLBackend{dsn: dsn, dialect: postgresDialect, now: time.Now}, nil
}

// conn opens the database and creates the schema on first use. A failed
// attempt is not remembered; the next call tries again.
func (b *SQLBackend) conn() (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}
	db, err := sql.Open(b.dialect.driver, b.dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", b.dialect.driver, err)
	}
	if b.dialect.driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, b.dialect.schema()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating backend schema: %w", err)
	}
	b.db = db
	return db, nil
}

func (b *SQLBackend) Put(ctx context.Context, doc Document) error {
	if err := validateID(doc.BudgetID); err != nil {
		return err
	}
	db, err := b.conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		b.dialect.rebind("SELECT sync_version FROM envsync_budgets WHERE budget_id = ?"+b.dialect.forUpdate),
		doc.BudgetID,
	).Scan(&current)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if (exists && current != doc.BaseVersion) || (!exists && doc.BaseVersion != "") {
		return ErrConflict
	}

	updatedAt := doc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = b.now()
	}
	res, err := tx.ExecContext(ctx, b.dialect.rebind(`INSERT INTO envsync_budgets
		(budget_id, sync_version, actor, updated_at, chunk_count, main)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (budget_id) DO UPDATE SET
			sync_version = excluded.sync_version,
			actor = excluded.actor,
			updated_at = excluded.updated_at,
			chunk_count = excluded.chunk_count,
			main = excluded.main
		WHERE envsync_budgets.sync_version = ?`),
		doc.BudgetID, doc.SyncVersion, doc.Actor, updatedAt.UnixMilli(), len(doc.Chunks), doc.Main,
		doc.BaseVersion,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}

	if _, err := tx.ExecContext(ctx, b.dialect.rebind("DELETE FROM envsync_chunks WHERE budget_id = ?"), doc.BudgetID); err != nil {
		return err
	}
	for _, c := range doc.Chunks {
		_, err := tx.ExecContext(ctx, b.dialect.rebind(`INSERT INTO envsync_chunks
			(budget_id, chunk_id, sync_version, data) VALUES (?, ?, ?, ?)`),
			doc.BudgetID, c.ID, c.SyncVersion, c.Data,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *SQLBackend) Main(ctx context.Context, budgetID string) (Document, error) {
	db, err := b.conn()
	if err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	doc := Document{BudgetID: budgetID}
	var updatedAt int64
	err = db.QueryRowContext(ctx, b.dialect.rebind(`SELECT sync_version, actor, updated_at, chunk_count, main
		FROM envsync_budgets WHERE budget_id = ?`), budgetID,
	).Scan(&doc.SyncVersion, &doc.Actor, &updatedAt, &doc.ChunkCount, &doc.Main)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return doc, nil
}

func (b *SQLBackend) Chunks(ctx context.Context, budgetID string) ([]ChunkDoc, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, b.dialect.rebind(`SELECT chunk_id, sync_version, data
		FROM envsync_chunks WHERE budget_id = ? ORDER BY chunk_id`), budgetID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ChunkDoc
	for rows.Next() {
		var c ChunkDoc
		if err := rows.Scan(&c.ID, &c.SyncVersion, &c.Data); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *SQLBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
