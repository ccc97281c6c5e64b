// Package crdt implements the local-write and remote-merge halves of
// the convergence engine: every local write is both applied to the
// local store and journaled as a timestamped, device-attributed
// operation; remote operations are merged idempotently under last-
// writer-wins with tombstones, so that any two replicas that have
// observed the same entries converge to byte-identical state.
package crdt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/Ru1vly/nexus-core/internal/hlc"
	"github.com/Ru1vly/nexus-core/internal/logging"
	"github.com/Ru1vly/nexus-core/internal/model"
	"github.com/Ru1vly/nexus-core/internal/store"
)

// ErrSerialization marks a payload that failed to decode; in Merge it
// is logged and the offending entry is skipped so one bad remote entry
// doesn't poison the whole batch, per the core's error-handling design.
var ErrSerialization = fmt.Errorf("crdt: serialization failure")

// ErrMissingPrimaryKey is returned when a local-apply payload has no
// extractable primary key - the one piece of structure the core
// requires from an otherwise opaque domain payload.
var ErrMissingPrimaryKey = fmt.Errorf("crdt: payload has no extractable primary key")

// Engine owns one device's view of the convergence engine: its clock,
// its durable store, and its own device id.
type Engine struct {
	store    *store.Store
	clock    *hlc.Clock
	deviceID uuid.UUID
	log      logging.Logger
}

// New builds an Engine for deviceID, backed by the given store and
// clock.
func New(s *store.Store, clock *hlc.Clock, deviceID uuid.UUID, log logging.Logger) *Engine {
	return &Engine{store: s, clock: clock, deviceID: deviceID, log: log}
}

// LocalApply constructs a fresh oplog entry for a local mutation,
// then within a single storage transaction mutates the domain table
// (its sidecar LWW record) and appends the oplog entry. Failure rolls
// back both.
func (e *Engine) LocalApply(ctx context.Context, table string, opType model.OpType, payload any) (model.OplogEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return model.OplogEntry{}, fmt.Errorf("crdt: marshal local payload for %s: %w", table, err)
	}

	entry := model.OplogEntry{
		ID:        uuid.New(),
		DeviceID:  e.deviceID,
		Timestamp: e.clock.Now(),
		Table:     table,
		OpType:    opType,
		Data:      data,
	}

	key, ok := entry.PrimaryKey()
	if !ok {
		return model.OplogEntry{}, fmt.Errorf("%w: table %s", ErrMissingPrimaryKey, table)
	}

	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		tombstoned := opType == model.OpDelete
		var recordPayload json.RawMessage
		if !tombstoned {
			recordPayload = data
		}
		if err := tx.PutRecord(table, key, recordPayload, entry.Timestamp, entry.DeviceID, tombstoned); err != nil {
			return err
		}
		return tx.AppendOplog(entry)
	})
	if err != nil {
		return model.OplogEntry{}, fmt.Errorf("crdt: local apply %s/%s: %w", table, key, err)
	}
	return entry, nil
}

// Merge folds an unordered batch of remote oplog entries into the
// local store: sorted ascending by (timestamp, device_id), skipping
// entries already seen (idempotence), applying last-writer-wins per
// primary key, and treating deletes as tombstones that defeat any
// lesser-keyed insert/update and are themselves defeated by a
// greater-keyed one. The whole batch merges in a single transaction;
// partial failure rolls back.
func (e *Engine) Merge(ctx context.Context, entries []model.OplogEntry) error {
	sorted := make([]model.OplogEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, entry := range sorted {
			if err := e.mergeOne(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) mergeOne(tx *store.Tx, entry model.OplogEntry) error {
	exists, err := tx.ContainsOplogID(entry.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil // idempotence: already merged.
	}

	key, ok := entry.PrimaryKey()
	if !ok {
		e.log.Warnf("crdt: dropping entry %s from table %s: %v", entry.ID, entry.Table, ErrSerialization)
		return nil
	}

	current, err := tx.GetRecord(entry.Table, key)
	if err != nil {
		return err
	}

	if current.found && !model.KeyGreater(entry.Timestamp, entry.DeviceID, current.WinningTimestamp, current.WinningDeviceID) {
		// The existing winner's key is greater or equal; this entry
		// still needs journaling (so it re-propagates to other
		// devices) but does not change the winning record.
		return tx.AppendOplog(entry)
	}

	tombstoned := entry.OpType == model.OpDelete
	var recordPayload json.RawMessage
	if !tombstoned {
		recordPayload = entry.Data
	}
	if err := tx.PutRecord(entry.Table, key, recordPayload, entry.Timestamp, entry.DeviceID, tombstoned); err != nil {
		return err
	}
	return tx.AppendOplog(entry)
}
