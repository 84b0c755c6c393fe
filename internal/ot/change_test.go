package ot

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeChangeRejectsUnknownKind(t *testing.T) {
	_, err := DecodeChange(json.RawMessage(`{"ops":[{"op":"swap","pos":1}]}`))
	if !errors.Is(err, ErrInvalidChange) {
		t.Fatalf("expected invalid change error, got %v", err)
	}
}

func TestDecodeChangeRejectsEmptyPayload(t *testing.T) {
	_, err := DecodeChange(nil)
	if !errors.Is(err, ErrInvalidChange) {
		t.Fatalf("expected invalid change error, got %v", err)
	}
}

func TestApplyInsertAndDelete(t *testing.T) {
	change := Change{Ops: []Op{
		{Kind: OpInsert, Pos: 0, Text: "Hello world"},
		{Kind: OpDelete, Pos: 5, Len: 6},
		{Kind: OpInsert, Pos: 5, Text: "!"},
	}}
	result, err := change.Apply("")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result != "Hello!" {
		t.Fatalf("expected %q, got %q", "Hello!", result)
	}
}

func TestApplyRejectsOutOfBounds(t *testing.T) {
	change := Change{Ops: []Op{{Kind: OpDelete, Pos: 2, Len: 10}}}
	if _, err := change.Apply("abc"); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected out of bounds error, got %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	change := Change{Ops: []Op{{Kind: OpInsert, Pos: 3, Text: "xyz"}}}
	raw, err := change.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeChange(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded.Ops) != 1 || decoded.Ops[0].Text != "xyz" {
		t.Fatalf("unexpected decoded change: %+v", decoded)
	}
}

func TestMapPosThroughInsert(t *testing.T) {
	change := Change{Ops: []Op{{Kind: OpInsert, Pos: 2, Text: "ab"}}}
	if got := change.MapPos(1); got != 1 {
		t.Fatalf("position before insert should not move, got %d", got)
	}
	if got := change.MapPos(4); got != 6 {
		t.Fatalf("position after insert should shift by insert length, got %d", got)
	}
}

func TestMapPosThroughDelete(t *testing.T) {
	change := Change{Ops: []Op{{Kind: OpDelete, Pos: 2, Len: 3}}}
	if got := change.MapPos(1); got != 1 {
		t.Fatalf("position before delete should not move, got %d", got)
	}
	if got := change.MapPos(4); got != 2 {
		t.Fatalf("position inside delete should collapse to its start, got %d", got)
	}
	if got := change.MapPos(7); got != 4 {
		t.Fatalf("position after delete should shift back, got %d", got)
	}
}

func TestSelectionMap(t *testing.T) {
	change := Change{Ops: []Op{{Kind: OpInsert, Pos: 0, Text: ">> "}}}
	selection := Selection{Anchor: 1, Head: 4}.Map(change)
	if selection.Anchor != 4 || selection.Head != 7 {
		t.Fatalf("unexpected mapped selection: %+v", selection)
	}
}
