// Package transport implements peer discovery (local mDNS and
// relay-assisted WAN), authenticated pub/sub, and the small sync
// message protocol: announce / request-sync / sync-data / ping / pong,
// all carried on one fixed pub/sub topic.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/Ru1vly/nexus-core/internal/model"
)

// Topic is the single fixed pub/sub topic carrying all sync traffic.
const Topic = "nexus-sync"

// DefaultMaxMessageSize is the default maximum pub/sub payload size;
// larger SyncData batches must be split client-side.
const DefaultMaxMessageSize = 64 * 1024

// Kind discriminates the tagged-union Message below.
type Kind string

const (
	KindAnnounce     Kind = "announce"
	KindRequestSync  Kind = "request_sync"
	KindSyncData     Kind = "sync_data"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
)

// Message is the wire envelope for every sync protocol exchange.
// Publications are payload-only: signatures and topic are supplied by
// the pub/sub layer itself, so this struct carries only the tagged
// union's fields.
type Message struct {
	Kind Kind `json:"kind"`

	// Announce
	UserID   string `json:"user_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	PeerID   string `json:"peer_id,omitempty"`

	// RequestSync
	SinceTimestamp int64 `json:"since_timestamp,omitempty"`

	// SyncData
	Entries []model.OplogEntry `json:"entries,omitempty"`

	// Ping / Pong
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Encode serializes a Message for publication.
func Encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s message: %w", msg.Kind, err)
	}
	return b, nil
}

// Decode parses a received publication back into a Message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("transport: decode message: %w", err)
	}
	switch msg.Kind {
	case KindAnnounce, KindRequestSync, KindSyncData, KindPing, KindPong:
		return msg, nil
	default:
		return Message{}, fmt.Errorf("transport: unknown message variant %q", msg.Kind)
	}
}

// SplitSyncData splits a SyncData message's entries into one or more
// messages whose encoded size stays within maxSize, preserving entry
// order. Used when an outbound batch would otherwise exceed the pub/sub
// layer's maximum payload. An entry whose encoding alone exceeds
// maxSize is not split: it goes out as the only entry of a message
// larger than maxSize.
func SplitSyncData(userID string, entries []model.OplogEntry, maxSize int) ([]Message, error) {
	if len(entries) == 0 {
		return []Message{{Kind: KindSyncData, UserID: userID}}, nil
	}

	var batches []Message
	var current []model.OplogEntry
	for _, entry := range entries {
		candidate := append(append([]model.OplogEntry{}, current...), entry)
		encoded, err := Encode(Message{Kind: KindSyncData, UserID: userID, Entries: candidate})
		if err != nil {
			return nil, err
		}
		if len(encoded) > maxSize && len(current) > 0 {
			batches = append(batches, Message{Kind: KindSyncData, UserID: userID, Entries: current})
			current = []model.OplogEntry{entry}
			continue
		}
		current = candidate
	}
	if len(current) > 0 {
		batches = append(batches, Message{Kind: KindSyncData, UserID: userID, Entries: current})
	}
	return batches, nil
}
