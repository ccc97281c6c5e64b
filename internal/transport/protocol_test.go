package transport

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/Ru1vly/nexus-core/internal/hlc"
	"github.com/Ru1vly/nexus-core/internal/model"
)

func TestEncodeDecodeRoundTripEveryVariant(t *testing.T) {
	entries := []model.OplogEntry{
		{
			ID:        uuid.New(),
			DeviceID:  uuid.New(),
			Timestamp: hlc.Pack(100, 0),
			Table:     "tasks",
			OpType:    model.OpInsert,
			Data:      json.RawMessage(`{"id":"t1"}`),
		},
	}

	cases := []Message{
		{Kind: KindAnnounce, UserID: "u1", DeviceID: "d1", PeerID: "p1"},
		{Kind: KindRequestSync, SinceTimestamp: int64(hlc.Pack(50, 0))},
		{Kind: KindSyncData, UserID: "u1", Entries: entries},
		{Kind: KindPing, Timestamp: 12345},
		{Kind: KindPong, Timestamp: 12346},
	}

	for _, original := range cases {
		encoded, err := Encode(original)
		if err != nil {
			t.Fatalf("encode %s: %v", original.Kind, err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode %s: %v", original.Kind, err)
		}
		if decoded.Kind != original.Kind {
			t.Fatalf("kind mismatch: want %s got %s", original.Kind, decoded.Kind)
		}
		switch original.Kind {
		case KindAnnounce:
			if decoded.UserID != original.UserID || decoded.DeviceID != original.DeviceID || decoded.PeerID != original.PeerID {
				t.Fatalf("announce fields mismatch: %+v vs %+v", original, decoded)
			}
		case KindRequestSync:
			if decoded.SinceTimestamp != original.SinceTimestamp {
				t.Fatalf("since_timestamp mismatch: %v vs %v", original.SinceTimestamp, decoded.SinceTimestamp)
			}
		case KindSyncData:
			if len(decoded.Entries) != len(original.Entries) {
				t.Fatalf("entries length mismatch: %d vs %d", len(original.Entries), len(decoded.Entries))
			}
			if decoded.Entries[0].ID != original.Entries[0].ID {
				t.Fatalf("entry id mismatch")
			}
		case KindPing, KindPong:
			if decoded.Timestamp != original.Timestamp {
				t.Fatalf("timestamp mismatch: %v vs %v", original.Timestamp, decoded.Timestamp)
			}
		}
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"not_a_real_kind"}`))
	if err == nil {
		t.Fatal("expected decode to reject an unknown message kind")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected decode to reject malformed json")
	}
}

func TestSplitSyncDataPreservesOrderAndStaysUnderLimit(t *testing.T) {
	var entries []model.OplogEntry
	for i := 0; i < 50; i++ {
		entries = append(entries, model.OplogEntry{
			ID:        uuid.New(),
			DeviceID:  uuid.New(),
			Timestamp: hlc.Pack(int64(i), 0),
			Table:     "tasks",
			OpType:    model.OpInsert,
			Data:      json.RawMessage(`{"id":"t","content":"` + strings.Repeat("x", 200) + `"}`),
		})
	}

	batches, err := SplitSyncData("u1", entries, 2048)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(batches) < 2 {
		t.Fatalf("expected splitting to produce multiple batches, got %d", len(batches))
	}

	var reassembled []model.OplogEntry
	for _, b := range batches {
		encoded, err := Encode(b)
		if err != nil {
			t.Fatalf("encode batch: %v", err)
		}
		if len(encoded) > 2048 {
			t.Fatalf("batch exceeds max size: %d bytes", len(encoded))
		}
		reassembled = append(reassembled, b.Entries...)
	}

	if len(reassembled) != len(entries) {
		t.Fatalf("expected %d total entries preserved, got %d", len(entries), len(reassembled))
	}
	for i := range entries {
		if reassembled[i].ID != entries[i].ID {
			t.Fatalf("order not preserved at index %d", i)
		}
	}
}

func TestSplitSyncDataEmptyEntriesYieldsSingleEmptyMessage(t *testing.T) {
	batches, err := SplitSyncData("u1", nil, 1024)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(batches) != 1 || len(batches[0].Entries) != 0 {
		t.Fatalf("expected a single empty batch, got %+v", batches)
	}
}
