package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entities (
    collection           TEXT NOT NULL,
    entity_id            TEXT NOT NULL,
    last_modified        INTEGER NOT NULL,
    deleted              INTEGER NOT NULL DEFAULT 0,
    data                 BLOB,
    dirty                INTEGER NOT NULL DEFAULT 0,
    updated_at           TEXT NOT NULL,
    PRIMARY KEY (collection, entity_id)
);

CREATE TABLE IF NOT EXISTS meta (
    key                  TEXT PRIMARY KEY,
    value                TEXT NOT NULL,
    updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backups (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    reason               TEXT NOT NULL,
    created_at           TEXT NOT NULL,
    checksum             TEXT NOT NULL,
    entities             INTEGER NOT NULL,
    size                 INTEGER NOT NULL,
    data                 BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_modified ON entities(collection, last_modified);
CREATE INDEX IF NOT EXISTS idx_entities_dirty ON entities(dirty);
`
