// Package model holds the data types shared across nexus-core's
// components: oplog entries, devices, users, peers, and pairing
// sessions. The core treats domain tables and their payloads as
// opaque; only the shapes below carry meaning to the convergence
// engine itself.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Ru1vly/nexus-core/internal/hlc"
)

// OpType is the kind of mutation an oplog entry records.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// OplogEntry is one immutable, totally-ordered record of a local
// mutation. (DeviceID, ID) uniquely identifies an entry; entries are
// ordered by (Timestamp, DeviceID), DeviceID serving as the
// deterministic tiebreaker for equal timestamps.
type OplogEntry struct {
	ID        uuid.UUID       `json:"id"`
	DeviceID  uuid.UUID       `json:"device_id"`
	Timestamp hlc.Timestamp   `json:"timestamp"`
	Table     string          `json:"table"`
	OpType    OpType          `json:"op_type"`
	Data      json.RawMessage `json:"data"`
}

// PrimaryKey extracts the record's primary key from its payload.
// The payload is a self-describing value tree; by convention the
// primary key travels under the "id" field, same as the domain
// tables' own uuid/string primary keys. Returns ok=false if the
// payload isn't a JSON object or carries no "id" field.
func (e OplogEntry) PrimaryKey() (string, bool) {
	var shallow map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &shallow); err != nil {
		return "", false
	}
	raw, ok := shallow["id"]
	if !ok {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", false
	}
	return id, true
}

// Less orders two entries by (Timestamp, DeviceID), the total order
// the oplog and merge algorithm rely on throughout.
func (e OplogEntry) Less(other OplogEntry) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp < other.Timestamp
	}
	return e.DeviceID.String() < other.DeviceID.String()
}

// KeyGreater reports whether (ts, deviceID) is strictly greater than
// (otherTS, otherDevice) under the (timestamp, device_id) total
// order - the comparison last-writer-wins resolution is built from.
func KeyGreater(ts hlc.Timestamp, deviceID uuid.UUID, otherTS hlc.Timestamp, otherDevice uuid.UUID) bool {
	if ts != otherTS {
		return ts > otherTS
	}
	return deviceID.String() > otherDevice.String()
}

// Device is a single device belonging to a user, identified by a
// UUID recorded in the relational store (distinct from the device's
// network peer id, which is derived from its long-term key).
type Device struct {
	DeviceID   uuid.UUID `json:"device_id"`
	UserID     uuid.UUID `json:"user_id"`
	DeviceType string    `json:"device_type"`
	Name       string    `json:"name"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
}

// User owns devices and domain records.
type User struct {
	UserID       uuid.UUID `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Peer is a remote device this device has synced with at least once.
type Peer struct {
	PeerID        uuid.UUID `json:"peer_id"`
	UserID        uuid.UUID `json:"user_id"`
	DeviceID      uuid.UUID `json:"device_id"`
	LastAddress   string    `json:"last_address"`
	LastSyncTime  *time.Time `json:"last_sync_time,omitempty"`
}

// PairingSession is ephemeral state binding an outstanding QR
// challenge to its later response. It lives only in memory and is
// destroyed on completion or expiry.
type PairingSession struct {
	ChallengeID       uuid.UUID
	AuthorizerPeerID  string
	AuthorizerAddress string
	UserID            uuid.UUID
	Nonce             [32]byte
	Expiry            time.Time

	// Populated once the new device's response has arrived.
	Responded          bool
	ProposedDeviceID   uuid.UUID
	DeviceType         string
	DeviceName         string
	NewDevicePublicKey []byte
	NonceSignature     []byte
}

// Expired reports whether the session's expiry has passed as of now.
func (s PairingSession) Expired(now time.Time) bool {
	return now.After(s.Expiry)
}
