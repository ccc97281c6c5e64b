package crdt

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/Ru1vly/nexus-core/internal/hlc"
	"github.com/Ru1vly/nexus-core/internal/logging"
	"github.com/Ru1vly/nexus-core/internal/model"
	"github.com/Ru1vly/nexus-core/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, uuid.UUID) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	device := uuid.New()
	return New(s, hlc.New(), device, logging.NewTest(t)), s, device
}

func taskPayload(id, content string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"id": id, "content": content})
	return b
}

func TestLocalApplyPersistsRecordAndOplogEntry(t *testing.T) {
	e, s, device := newTestEngine(t)
	ctx := context.Background()

	entry, err := e.LocalApply(ctx, "tasks", model.OpInsert, map[string]string{"id": "t1", "content": "a"})
	if err != nil {
		t.Fatalf("local apply: %v", err)
	}
	if entry.DeviceID != device {
		t.Fatalf("expected entry device id %s, got %s", device, entry.DeviceID)
	}

	payload, ok, err := s.GetRecordPayload(ctx, "tasks", "t1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !ok {
		t.Fatal("expected record to exist after local apply")
	}
	var decoded map[string]string
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded["content"] != "a" {
		t.Fatalf("unexpected content: %v", decoded)
	}

	entries, err := s.EntriesSince(ctx, hlc.Timestamp(0))
	if err != nil {
		t.Fatalf("entries since: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != entry.ID {
		t.Fatalf("expected the local apply's oplog entry to be persisted, got %+v", entries)
	}
}

func TestMergeIdempotence(t *testing.T) {
	e, s, device := newTestEngine(t)
	ctx := context.Background()

	batch := []model.OplogEntry{
		{ID: uuid.New(), DeviceID: device, Timestamp: hlc.Pack(100, 0), Table: "tasks", OpType: model.OpInsert, Data: taskPayload("t1", "a")},
	}

	if err := e.Merge(ctx, batch); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if err := e.Merge(ctx, batch); err != nil {
		t.Fatalf("second merge: %v", err)
	}

	entries, err := s.EntriesSince(ctx, hlc.Timestamp(0))
	if err != nil {
		t.Fatalf("entries since: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected merging the same batch twice to be a no-op, got %d oplog rows", len(entries))
	}
}

func TestLastWriterWinsByTimestamp(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	deviceA := uuid.New()
	deviceB := uuid.New()

	batch := []model.OplogEntry{
		{ID: uuid.New(), DeviceID: deviceA, Timestamp: hlc.Pack(100, 0), Table: "tasks", OpType: model.OpInsert, Data: taskPayload("t1", "a")},
		{ID: uuid.New(), DeviceID: deviceB, Timestamp: hlc.Pack(200, 0), Table: "tasks", OpType: model.OpInsert, Data: taskPayload("t1", "b")},
	}

	if err := e.Merge(ctx, batch); err != nil {
		t.Fatalf("merge: %v", err)
	}

	payload, ok, err := s.GetRecordPayload(ctx, "tasks", "t1")
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	var decoded map[string]string
	json.Unmarshal(payload, &decoded)
	if decoded["content"] != "b" {
		t.Fatalf("expected greater timestamp to win with content 'b', got %v", decoded)
	}
}

func TestLastWriterWinsByDeviceIDTiebreak(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	low := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	high := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")

	batch := []model.OplogEntry{
		{ID: uuid.New(), DeviceID: low, Timestamp: hlc.Pack(150, 0), Table: "tasks", OpType: model.OpInsert, Data: taskPayload("t1", "x")},
		{ID: uuid.New(), DeviceID: high, Timestamp: hlc.Pack(150, 0), Table: "tasks", OpType: model.OpInsert, Data: taskPayload("t1", "y")},
	}

	if err := e.Merge(ctx, batch); err != nil {
		t.Fatalf("merge: %v", err)
	}

	payload, ok, err := s.GetRecordPayload(ctx, "tasks", "t1")
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	var decoded map[string]string
	json.Unmarshal(payload, &decoded)
	if decoded["content"] != "y" {
		t.Fatalf("expected lexicographically greater device id to win with content 'y', got %v", decoded)
	}
}

func TestTombstoneDefeatsLesserInsertAndIsResurrectedByGreater(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	deviceA := uuid.New()
	deviceB := uuid.New()

	// Scenario 4: delete at HLC 300 then a concurrent insert at HLC 400
	// resurrects the row.
	batch := []model.OplogEntry{
		{ID: uuid.New(), DeviceID: deviceA, Timestamp: hlc.Pack(300, 0), Table: "tasks", OpType: model.OpDelete, Data: taskPayload("t1", "")},
		{ID: uuid.New(), DeviceID: deviceB, Timestamp: hlc.Pack(400, 0), Table: "tasks", OpType: model.OpInsert, Data: taskPayload("t1", "z")},
	}

	if err := e.Merge(ctx, batch); err != nil {
		t.Fatalf("merge: %v", err)
	}

	payload, ok, err := s.GetRecordPayload(ctx, "tasks", "t1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !ok {
		t.Fatal("expected record to be resurrected by the greater-keyed insert")
	}
	var decoded map[string]string
	json.Unmarshal(payload, &decoded)
	if decoded["content"] != "z" {
		t.Fatalf("expected resurrected content 'z', got %v", decoded)
	}
}

func TestTombstoneStabilityAgainstLesserInsert(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	deviceA := uuid.New()
	deviceB := uuid.New()

	batch := []model.OplogEntry{
		{ID: uuid.New(), DeviceID: deviceA, Timestamp: hlc.Pack(100, 0), Table: "tasks", OpType: model.OpInsert, Data: taskPayload("t1", "a")},
		{ID: uuid.New(), DeviceID: deviceB, Timestamp: hlc.Pack(500, 0), Table: "tasks", OpType: model.OpDelete, Data: taskPayload("t1", "")},
	}

	if err := e.Merge(ctx, batch); err != nil {
		t.Fatalf("merge: %v", err)
	}

	_, ok, err := s.GetRecordPayload(ctx, "tasks", "t1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if ok {
		t.Fatal("expected record to remain absent: greater-keyed delete must stay a stable tombstone")
	}
}

// TestTwoReplicaConvergence drives two independent engines through
// local writes and a bidirectional merge exchange, and asserts they
// converge to byte-identical state - property 2 from the spec.
func TestTwoReplicaConvergence(t *testing.T) {
	ctx := context.Background()

	engineA, storeA, deviceA := newTestEngine(t)
	engineB, storeB, deviceB := newTestEngine(t)
	_ = deviceA
	_ = deviceB

	if _, err := engineA.LocalApply(ctx, "tasks", model.OpInsert, map[string]string{"id": "t1", "content": "a"}); err != nil {
		t.Fatalf("A local apply: %v", err)
	}

	// B never saw any entries yet; exchange A's log into B.
	aEntries, err := storeA.EntriesSince(ctx, hlc.Timestamp(0))
	if err != nil {
		t.Fatalf("A entries since: %v", err)
	}
	if err := engineB.Merge(ctx, aEntries); err != nil {
		t.Fatalf("B merge: %v", err)
	}

	// Now B writes concurrently.
	if _, err := engineB.LocalApply(ctx, "tasks", model.OpUpdate, map[string]string{"id": "t1", "content": "b"}); err != nil {
		t.Fatalf("B local apply: %v", err)
	}

	bEntries, err := storeB.EntriesSince(ctx, hlc.Timestamp(0))
	if err != nil {
		t.Fatalf("B entries since: %v", err)
	}
	if err := engineA.Merge(ctx, bEntries); err != nil {
		t.Fatalf("A merge: %v", err)
	}

	payloadA, okA, errA := storeA.GetRecordPayload(ctx, "tasks", "t1")
	payloadB, okB, errB := storeB.GetRecordPayload(ctx, "tasks", "t1")
	if errA != nil || errB != nil {
		t.Fatalf("read errors: A=%v B=%v", errA, errB)
	}
	if !okA || !okB {
		t.Fatalf("expected both replicas to have the record: okA=%v okB=%v", okA, okB)
	}
	if string(payloadA) != string(payloadB) {
		t.Fatalf("replicas diverged: A=%s B=%s", payloadA, payloadB)
	}
}

func TestMergeDropsMalformedEntryWithoutPoisoningBatch(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	device := uuid.New()
	batch := []model.OplogEntry{
		{ID: uuid.New(), DeviceID: device, Timestamp: hlc.Pack(100, 0), Table: "tasks", OpType: model.OpInsert, Data: json.RawMessage(`not json`)},
		{ID: uuid.New(), DeviceID: device, Timestamp: hlc.Pack(101, 0), Table: "tasks", OpType: model.OpInsert, Data: taskPayload("t2", "ok")},
	}

	if err := e.Merge(ctx, batch); err != nil {
		t.Fatalf("merge: %v", err)
	}

	_, ok, err := s.GetRecordPayload(ctx, "tasks", "t2")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !ok {
		t.Fatal("expected the well-formed entry to still merge despite a malformed sibling")
	}
}
