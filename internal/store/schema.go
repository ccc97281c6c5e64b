package store

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	email TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS devices (
	device_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_type TEXT NOT NULL,
	name TEXT NOT NULL,
	last_seen TEXT
);

CREATE TABLE IF NOT EXISTS peers (
	peer_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL UNIQUE,
	last_address TEXT NOT NULL,
	last_sync_time TEXT
);

CREATE TABLE IF NOT EXISTS oplog (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	table_name TEXT NOT NULL,
	op_type TEXT NOT NULL,
	data BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_oplog_timestamp ON oplog(timestamp);

-- records is the sidecar LWW bookkeeping table for the opaque domain
-- tables the core must stay ignorant of: one row per (table_name,
-- primary_key), holding the current post-image plus the
-- (timestamp, device_id) of the entry that produced it.
CREATE TABLE IF NOT EXISTS records (
	table_name TEXT NOT NULL,
	primary_key TEXT NOT NULL,
	payload BLOB,
	winning_timestamp INTEGER NOT NULL,
	winning_device_id TEXT NOT NULL,
	tombstoned INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_name, primary_key)
);
`
