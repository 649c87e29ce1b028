package store

// schema is the triple store's SQLite DDL: three tables (triples,
// transactions, metadata) plus the sync_conflicts diagnostic table, with
// indexes on entity_id, attribute, tx_id, and created_at.
const schema = `
CREATE TABLE IF NOT EXISTS triples (
	rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id   TEXT NOT NULL,
	attribute   TEXT NOT NULL,
	value       TEXT NOT NULL, -- canonical (key-sorted) JSON
	tx_id       TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	retracted   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_triples_entity ON triples(entity_id);
CREATE INDEX IF NOT EXISTS idx_triples_attr ON triples(attribute);
CREATE INDEX IF NOT EXISTS idx_triples_tx ON triples(tx_id);
CREATE INDEX IF NOT EXISTS idx_triples_created ON triples(created_at);
CREATE INDEX IF NOT EXISTS idx_triples_entity_attr_current ON triples(entity_id, attribute, retracted);

CREATE TABLE IF NOT EXISTS transactions (
	id          TEXT PRIMARY KEY,
	timestamp   INTEGER NOT NULL,
	status      TEXT NOT NULL,
	origin      TEXT NOT NULL,
	synced      INTEGER NOT NULL DEFAULT 0,
	serialized  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

-- sync_conflicts records local-vs-remote overwrites for diagnostic
-- surfacing.
CREATE TABLE IF NOT EXISTS sync_conflicts (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id      TEXT NOT NULL,
	attribute      TEXT NOT NULL,
	server_seq     INTEGER NOT NULL DEFAULT 0,
	local_value    TEXT,
	remote_value   TEXT,
	overwritten_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_entity ON sync_conflicts(entity_id);
`
