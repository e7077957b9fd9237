// Package store implements the persistent identifier store (§4.3)
// and, sharing the same database handle, the durable work queue
// (§4.5). Both are backed by github.com/mattn/go-sqlite3, following
// the teacher-pack sibling chalkan3/sloth-runner's internal/state
// pattern: one WAL-mode SQLite database, its schema created with a
// single multi-statement Exec, opened once at startup and shared by
// every caller.
package store

// schemaV1 creates every table this package needs if it does not
// already exist, so New is safe to call against a fresh file or one
// left behind by a previous run. There is no online migration past
// this; per §6, schema is fixed at v1.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS internal_keys (
	entity TEXT NOT NULL,
	id     INTEGER NOT NULL,
	PRIMARY KEY (entity, id)
);

CREATE TABLE IF NOT EXISTS foreign_keys (
	entity      TEXT NOT NULL,
	source      TEXT NOT NULL,
	fid         TEXT NOT NULL,
	internal_id INTEGER NOT NULL,
	PRIMARY KEY (entity, source, fid)
);
CREATE UNIQUE INDEX IF NOT EXISTS foreign_keys_bind ON foreign_keys (entity, internal_id, source);
CREATE INDEX IF NOT EXISTS foreign_keys_ik ON foreign_keys (entity, internal_id);

CREATE TABLE IF NOT EXISTS initial_documents (
	entity TEXT NOT NULL,
	id     INTEGER NOT NULL,
	doc    BLOB NOT NULL,
	PRIMARY KEY (entity, id)
);

CREATE TABLE IF NOT EXISTS diffs (
	diff_id TEXT PRIMARY KEY,
	entity  TEXT NOT NULL,
	id      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS diffs_ik ON diffs (entity, id);

CREATE TABLE IF NOT EXISTS diff_ops (
	diff_id  TEXT NOT NULL,
	op_id    TEXT NOT NULL,
	seq      INTEGER NOT NULL,
	kind     TEXT NOT NULL,
	path     TEXT NOT NULL,
	value    TEXT NOT NULL,
	accepted INTEGER NOT NULL,
	PRIMARY KEY (diff_id, op_id)
);
CREATE INDEX IF NOT EXISTS diff_ops_diff ON diff_ops (diff_id);

CREATE TABLE IF NOT EXISTS queue_items (
	seq              INTEGER PRIMARY KEY,
	kind             TEXT NOT NULL,
	entity           TEXT NOT NULL DEFAULT '',
	source           TEXT NOT NULL DEFAULT '',
	fid              TEXT NOT NULL DEFAULT '',
	apply_diff_id    TEXT NOT NULL DEFAULT '',
	apply_diff_json  BLOB,
	lease_id         TEXT NOT NULL DEFAULT '',
	lease_expires_at INTEGER NOT NULL DEFAULT 0,
	attempts         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS queue_items_lease ON queue_items (lease_id);

CREATE TABLE IF NOT EXISTS dead_letters (
	seq      INTEGER PRIMARY KEY,
	kind     TEXT NOT NULL,
	entity   TEXT NOT NULL DEFAULT '',
	source   TEXT NOT NULL DEFAULT '',
	fid      TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL,
	reason   TEXT NOT NULL
);
`
