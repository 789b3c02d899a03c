package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"fronting/core/internal/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		code      string
		permanent bool
	}{
		{"23505", true}, // unique_violation
		{"23514", true}, // check_violation
		{"22P02", true}, // invalid_text_representation
		{"42501", true}, // insufficient_privilege
		{"28000", true}, // invalid_authorization_specification
		{"40001", false},
		{"57P01", false},
		{"08006", false},
	}
	for _, tc := range cases {
		err := Classify(fmt.Errorf("upsert: %w", &pgconn.PgError{Code: tc.code, Message: "boom"}))
		if got := errors.Is(err, ErrRejected); got != tc.permanent {
			t.Fatalf("Classify(%s) rejected = %v, want %v", tc.code, got, tc.permanent)
		}
	}

	plain := errors.New("connection reset")
	if got := Classify(plain); got != plain {
		t.Fatalf("Classify(plain) = %v, want unchanged", got)
	}
	if Classify(nil) != nil {
		t.Fatal("Classify(nil) != nil")
	}
	if !errors.Is(Classify(ErrNotFound), ErrNotFound) {
		t.Fatal("Classify() lost ErrNotFound")
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(fmt.Errorf("x: %w", ErrRejected)) || !IsPermanent(ErrNoSession) {
		t.Fatal("IsPermanent() = false for permanent errors")
	}
	if IsPermanent(ErrCredentialExpired) || IsPermanent(errors.New("timeout")) {
		t.Fatal("IsPermanent() = true for retryable errors")
	}
}

func TestMergeDocSkipsOlderFields(t *testing.T) {
	existing, err := decodeDoc([]byte(`{"id":"1","name":"Sam","active":true,"clock":{"name":100,"active":300}}`))
	if err != nil {
		t.Fatalf("decodeDoc() error = %v", err)
	}
	merged := mergeDoc(existing, map[string]any{
		"name":   "Samuel",
		"active": false,
		"clock":  map[string]any{"name": uint64(200), "active": uint64(250)},
	})

	if merged["name"] != "Samuel" {
		t.Fatalf("name = %v, want Samuel", merged["name"])
	}
	if merged["active"] != true {
		t.Fatalf("active = %v, stale patch won", merged["active"])
	}
	clock := merged["clock"].(map[string]any)
	if clock["name"] != int64(200) || clock["active"] != int64(300) {
		t.Fatalf("clock = %v", clock)
	}
}

func TestMergeDocStaleSystemPutKeepsNewerFields(t *testing.T) {
	existing, err := decodeDoc([]byte(`{"id":"sys-1","frontNote":"b","blurry":true,"clock":{"frontNote":200,"blurry":200}}`))
	if err != nil {
		t.Fatalf("decodeDoc() error = %v", err)
	}
	// A device that was offline since t=100 replays its whole row.
	merged := mergeDoc(existing, map[string]any{
		"id":        "sys-1",
		"frontNote": "a",
		"blurry":    false,
		"clock":     map[string]any{"frontNote": int64(100)},
	})
	if merged["frontNote"] != "b" {
		t.Fatalf("frontNote = %v, stale put won", merged["frontNote"])
	}
	if merged["blurry"] != true {
		t.Fatalf("blurry = %v, unclocked value replaced a clocked one", merged["blurry"])
	}
	clock := merged["clock"].(map[string]any)
	if clock["frontNote"] != int64(200) || clock["blurry"] != int64(200) {
		t.Fatalf("clock = %v", clock)
	}
}

func TestMergeDocWithoutClocks(t *testing.T) {
	merged := mergeDoc(map[string]any{"id": "fh_1", "start": "2026-01-01T00:00:00Z"}, map[string]any{"end": "2026-01-01T01:00:00Z"})
	if merged["end"] != "2026-01-01T01:00:00Z" || merged["start"] != "2026-01-01T00:00:00Z" {
		t.Fatalf("merged = %v", merged)
	}
	if _, ok := merged["clock"]; ok {
		t.Fatal("clock added to a document that had none")
	}
}

func TestMergeDocKeepsLargeClocksExact(t *testing.T) {
	existing, _ := decodeDoc([]byte(`{"clock":{"name":1767225600123456789}}`))
	merged := mergeDoc(existing, map[string]any{"color": "red", "clock": map[string]any{"color": int64(1767225600123456790)}})
	body, err := json.Marshal(merged)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var item store.Identity
	if err := json.Unmarshal(body, &item); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if item.Clock["name"] != 1767225600123456789 || item.Clock["color"] != 1767225600123456790 {
		t.Fatalf("clock = %v", item.Clock)
	}
}

func TestWithFallbackClock(t *testing.T) {
	item := WithFallbackClock(store.Identity{ID: "1", Clock: map[string]int64{store.FieldName: 5}}, 9)
	if item.Clock[store.FieldName] != 5 || item.Clock[store.FieldActive] != 9 || item.Clock[store.FieldArchived] != 9 {
		t.Fatalf("clock = %v", item.Clock)
	}
}

func TestRosterChannel(t *testing.T) {
	if got := RosterChannel("acct", "sys"); got != "roster:acct:sys" {
		t.Fatalf("RosterChannel() = %q", got)
	}
}
