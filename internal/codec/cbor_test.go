package codec

import (
	"bytes"
	"testing"
	"time"
)

type record struct {
	ID      string         `cbor:"id"`
	At      time.Time      `cbor:"at"`
	End     *time.Time     `cbor:"end"`
	Payload map[string]any `cbor:"payload"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]any{"b": 1, "a": "x", "c": true}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		next, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if !bytes.Equal(first, next) {
			t.Fatal("expected identical encodings for identical maps")
		}
	}
}

func TestRecordKeepsNanosecondsAndNestedMaps(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC)
	in := record{
		ID:      "fh_1",
		At:      at,
		Payload: map[string]any{"clock": map[string]any{"active": "1"}},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out record
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !out.At.Equal(at) {
		t.Fatalf("expected %v, got %v", at, out.At)
	}
	if out.End != nil {
		t.Fatalf("expected nil end, got %v", out.End)
	}
	nested, ok := out.Payload["clock"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map[string]any, got %T", out.Payload["clock"])
	}
	if nested["active"] != "1" {
		t.Fatalf("unexpected nested value %v", nested["active"])
	}
}
