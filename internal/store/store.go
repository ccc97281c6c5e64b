// Package store is the durable, append-only oplog plus the relational
// tables (users, devices, peers, and the domain-record sidecar) that
// back one device's replica. It must survive process restarts; the
// backing engine is SQLite via database/sql.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Ru1vly/nexus-core/internal/hlc"
	"github.com/Ru1vly/nexus-core/internal/model"
)

// Store wraps a *sql.DB behind a mutex so that every logical
// transaction - a local apply, a merge batch, a peer upsert - runs as
// one short critical section.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or reopens a device's SQLite-backed store at path.
// Use ":memory:" for an ephemeral, test-only store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer at a time; mutex also serializes callers.

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Tx is the subset of *sql.Tx operations the crdt engine needs to
// combine a domain-table mutation with an oplog append atomically.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside one SQLite transaction, holding the store's
// mutex for its whole duration. A returned error rolls the
// transaction back; nil commits it.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// AppendOplog persists an oplog entry. Fails only on storage error.
func (t *Tx) AppendOplog(entry model.OplogEntry) error {
	_, err := t.tx.Exec(
		`INSERT INTO oplog (id, device_id, timestamp, table_name, op_type, data) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.DeviceID.String(), int64(entry.Timestamp), entry.Table, string(entry.OpType), []byte(entry.Data),
	)
	if err != nil {
		return fmt.Errorf("store: append oplog entry %s: %w", entry.ID, err)
	}
	return nil
}

// ContainsOplogID is an O(1) existence check on the oplog's primary
// key, used by merge to enforce idempotence.
func (t *Tx) ContainsOplogID(id uuid.UUID) (bool, error) {
	var one int
	err := t.tx.QueryRow(`SELECT 1 FROM oplog WHERE id = ?`, id.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: contains oplog id %s: %w", id, err)
	}
	return true, nil
}

// recordRow is the sidecar LWW bookkeeping for one domain record.
type recordRow struct {
	Payload          json.RawMessage
	WinningTimestamp hlc.Timestamp
	WinningDeviceID  uuid.UUID
	Tombstoned       bool
	found            bool
}

// GetRecord reads the current winning state for (table, key), if any.
func (t *Tx) GetRecord(table, key string) (recordRow, error) {
	var (
		payload    []byte
		ts         int64
		deviceID   string
		tombstoned int
	)
	err := t.tx.QueryRow(
		`SELECT payload, winning_timestamp, winning_device_id, tombstoned FROM records WHERE table_name = ? AND primary_key = ?`,
		table, key,
	).Scan(&payload, &ts, &deviceID, &tombstoned)
	if err == sql.ErrNoRows {
		return recordRow{}, nil
	}
	if err != nil {
		return recordRow{}, fmt.Errorf("store: get record %s/%s: %w", table, key, err)
	}
	did, err := uuid.Parse(deviceID)
	if err != nil {
		return recordRow{}, fmt.Errorf("store: get record %s/%s: bad device id %q: %w", table, key, deviceID, err)
	}
	return recordRow{
		Payload:          json.RawMessage(payload),
		WinningTimestamp: hlc.Timestamp(ts),
		WinningDeviceID:  did,
		Tombstoned:       tombstoned != 0,
		found:            true,
	}, nil
}

// PutRecord upserts the winning state for (table, key).
func (t *Tx) PutRecord(table, key string, payload json.RawMessage, ts hlc.Timestamp, deviceID uuid.UUID, tombstoned bool) error {
	tomb := 0
	if tombstoned {
		tomb = 1
	}
	_, err := t.tx.Exec(
		`INSERT INTO records (table_name, primary_key, payload, winning_timestamp, winning_device_id, tombstoned)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(table_name, primary_key) DO UPDATE SET
		   payload = excluded.payload,
		   winning_timestamp = excluded.winning_timestamp,
		   winning_device_id = excluded.winning_device_id,
		   tombstoned = excluded.tombstoned`,
		table, key, []byte(payload), int64(ts), deviceID.String(), tomb,
	)
	if err != nil {
		return fmt.Errorf("store: put record %s/%s: %w", table, key, err)
	}
	return nil
}

// UpsertPeer inserts a peer record on first contact or refreshes its
// last-seen address and sync time on subsequent ones.
func (t *Tx) UpsertPeer(p model.Peer) error {
	var lastSync sql.NullString
	if p.LastSyncTime != nil {
		lastSync = sql.NullString{String: p.LastSyncTime.Format(time.RFC3339Nano), Valid: true}
	}
	_, err := t.tx.Exec(
		`INSERT INTO peers (peer_id, user_id, device_id, last_address, last_sync_time)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   last_address = excluded.last_address,
		   last_sync_time = excluded.last_sync_time`,
		p.PeerID.String(), p.UserID.String(), p.DeviceID.String(), p.LastAddress, lastSync,
	)
	if err != nil {
		return fmt.Errorf("store: upsert peer %s: %w", p.DeviceID, err)
	}
	return nil
}

// GetPeerByDevice finds the peer record for deviceID, if any.
func (t *Tx) GetPeerByDevice(deviceID uuid.UUID) (model.Peer, bool, error) {
	var (
		peerID, userID, addr string
		lastSync             sql.NullString
	)
	err := t.tx.QueryRow(
		`SELECT peer_id, user_id, last_address, last_sync_time FROM peers WHERE device_id = ?`,
		deviceID.String(),
	).Scan(&peerID, &userID, &addr, &lastSync)
	if err == sql.ErrNoRows {
		return model.Peer{}, false, nil
	}
	if err != nil {
		return model.Peer{}, false, fmt.Errorf("store: get peer by device %s: %w", deviceID, err)
	}
	p := model.Peer{
		PeerID:      uuid.MustParse(peerID),
		UserID:      uuid.MustParse(userID),
		DeviceID:    deviceID,
		LastAddress: addr,
	}
	if lastSync.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, lastSync.String); err == nil {
			p.LastSyncTime = &ts
		}
	}
	return p, true, nil
}

// UpsertDevice inserts or refreshes a device row.
func (t *Tx) UpsertDevice(d model.Device) error {
	var lastSeen sql.NullString
	if d.LastSeen != nil {
		lastSeen = sql.NullString{String: d.LastSeen.Format(time.RFC3339Nano), Valid: true}
	}
	_, err := t.tx.Exec(
		`INSERT INTO devices (device_id, user_id, device_type, name, last_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   device_type = excluded.device_type,
		   name = excluded.name,
		   last_seen = excluded.last_seen`,
		d.DeviceID.String(), d.UserID.String(), d.DeviceType, d.Name, lastSeen,
	)
	if err != nil {
		return fmt.Errorf("store: upsert device %s: %w", d.DeviceID, err)
	}
	return nil
}

// CreateUser inserts a new user row. The password hash is opaque to
// the store; hashing is the CLI collaborator's responsibility.
func (t *Tx) CreateUser(u model.User) error {
	_, err := t.tx.Exec(
		`INSERT INTO users (user_id, display_name, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.UserID.String(), u.DisplayName, u.Email, u.PasswordHash, u.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: create user %s: %w", u.UserID, err)
	}
	return nil
}

// EntriesSince returns all oplog entries with timestamp > threshold,
// ordered ascending by (timestamp, device_id).
func (s *Store) EntriesSince(ctx context.Context, threshold hlc.Timestamp) ([]model.OplogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, timestamp, table_name, op_type, data FROM oplog
		 WHERE timestamp > ? ORDER BY timestamp ASC, device_id ASC`,
		int64(threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("store: entries since %d: %w", threshold, err)
	}
	defer rows.Close()

	var out []model.OplogEntry
	for rows.Next() {
		var (
			id, deviceID, table, opType string
			ts                          int64
			data                        []byte
		)
		if err := rows.Scan(&id, &deviceID, &ts, &table, &opType, &data); err != nil {
			return nil, fmt.Errorf("store: scan oplog row: %w", err)
		}
		out = append(out, model.OplogEntry{
			ID:        uuid.MustParse(id),
			DeviceID:  uuid.MustParse(deviceID),
			Timestamp: hlc.Timestamp(ts),
			Table:     table,
			OpType:    model.OpType(opType),
			Data:      json.RawMessage(data),
		})
	}
	return out, rows.Err()
}

// ListPeers returns every known peer record.
func (s *Store) ListPeers(ctx context.Context) ([]model.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT peer_id, user_id, device_id, last_address, last_sync_time FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("store: list peers: %w", err)
	}
	defer rows.Close()

	var out []model.Peer
	for rows.Next() {
		var peerID, userID, deviceID, addr string
		var lastSync sql.NullString
		if err := rows.Scan(&peerID, &userID, &deviceID, &addr, &lastSync); err != nil {
			return nil, fmt.Errorf("store: scan peer row: %w", err)
		}
		p := model.Peer{
			PeerID:      uuid.MustParse(peerID),
			UserID:      uuid.MustParse(userID),
			DeviceID:    uuid.MustParse(deviceID),
			LastAddress: addr,
		}
		if lastSync.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, lastSync.String); err == nil {
				p.LastSyncTime = &ts
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListDevices returns every device belonging to userID.
func (s *Store) ListDevices(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, user_id, device_type, name, last_seen FROM devices WHERE user_id = ?`,
		userID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list devices for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		var deviceID, uid, devType, name string
		var lastSeen sql.NullString
		if err := rows.Scan(&deviceID, &uid, &devType, &name, &lastSeen); err != nil {
			return nil, fmt.Errorf("store: scan device row: %w", err)
		}
		d := model.Device{
			DeviceID:   uuid.MustParse(deviceID),
			UserID:     uuid.MustParse(uid),
			DeviceType: devType,
			Name:       name,
		}
		if lastSeen.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, lastSeen.String); err == nil {
				d.LastSeen = &ts
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetRecordPayload is a read-only convenience wrapper used by callers
// (e.g. a domain layer reading current state) that don't need a
// transaction. It returns ok=false for absent or tombstoned records.
func (s *Store) GetRecordPayload(ctx context.Context, table, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	var tombstoned int
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, tombstoned FROM records WHERE table_name = ? AND primary_key = ?`,
		table, key,
	).Scan(&payload, &tombstoned)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get record payload %s/%s: %w", table, key, err)
	}
	if tombstoned != 0 {
		return nil, false, nil
	}
	return json.RawMessage(payload), true, nil
}
