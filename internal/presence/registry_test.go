package presence

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTrackAndList(t *testing.T) {
	registry := NewRegistry(time.Minute, nil)
	registry.Track("doc-1", Payload{
		ClientID:  "client-a",
		Selection: json.RawMessage(`{"anchor":1,"head":3}`),
		Focused:   true,
	})

	records := registry.List("doc-1")
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].ClientID != "client-a" || !records[0].Focused {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestTrackRenewsExistingClient(t *testing.T) {
	registry := NewRegistry(time.Minute, nil)
	registry.Track("doc-2", Payload{ClientID: "client-a", Selection: json.RawMessage(`{"anchor":0,"head":0}`)})
	registry.Track("doc-2", Payload{ClientID: "client-a", Selection: json.RawMessage(`{"anchor":5,"head":5}`)})

	records := registry.List("doc-2")
	if len(records) != 1 {
		t.Fatalf("expected renewal to keep a single record, got %d", len(records))
	}
	if string(records[0].Selection) != `{"anchor":5,"head":5}` {
		t.Fatalf("expected latest selection, got %s", records[0].Selection)
	}
}

func TestListDropsExpiredRecords(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	registry := NewRegistry(100*time.Millisecond, clock)

	registry.Track("doc-3", Payload{ClientID: "client-a", Selection: json.RawMessage(`{"anchor":0,"head":0}`)})
	now = now.Add(time.Second)

	if records := registry.List("doc-3"); len(records) != 0 {
		t.Fatalf("expected expired record to be dropped, got %d", len(records))
	}
}

func TestDecodePayloadRejectsForeignEffects(t *testing.T) {
	if _, ok := DecodePayload(json.RawMessage(`{"kind":"annotation"}`)); ok {
		t.Fatal("expected non-presence effect to be rejected")
	}
	if _, ok := DecodePayload(json.RawMessage(`not json`)); ok {
		t.Fatal("expected malformed effect to be rejected")
	}
	payload, ok := DecodePayload(json.RawMessage(`{"clientID":"c","selection":{"anchor":1,"head":1},"focused":true}`))
	if !ok {
		t.Fatal("expected presence effect to decode")
	}
	if payload.ClientID != "c" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}
