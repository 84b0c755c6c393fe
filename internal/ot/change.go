// Package ot supplies the text-change capability consumed by the
// collaboration engine: applying a change to a document, mapping positions
// and selections through a change, and transforming concurrent changes for
// the client-side rebase. The engine itself treats changes as opaque; only
// this package understands their structure.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
)

// OpKind enumerates the supported edit operation kinds.
type OpKind string

const (
	// OpInsert inserts text at a position.
	OpInsert OpKind = "insert"
	// OpDelete removes a run of characters starting at a position.
	OpDelete OpKind = "delete"
)

var (
	// ErrInvalidChange indicates a change payload that cannot be decoded.
	ErrInvalidChange = errors.New("ot: invalid change")
	// ErrOutOfBounds indicates an operation that does not fit the document.
	ErrOutOfBounds = errors.New("ot: operation out of bounds")
)

// Op is a single edit operation. Positions are byte offsets into the
// document as it stands when the op is applied.
type Op struct {
	Kind OpKind `json:"op"`
	Pos  int    `json:"pos"`
	Text string `json:"text,omitempty"`
	Len  int    `json:"len,omitempty"`
}

// Change is an ordered sequence of operations applied one after another,
// each against the document produced by the previous one.
type Change struct {
	Ops []Op `json:"ops"`
}

// DecodeChange parses and validates a serialized change payload.
func DecodeChange(raw json.RawMessage) (Change, error) {
	if len(raw) == 0 {
		return Change{}, fmt.Errorf("%w: empty payload", ErrInvalidChange)
	}
	var change Change
	if err := json.Unmarshal(raw, &change); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	for _, op := range change.Ops {
		switch op.Kind {
		case OpInsert:
			if op.Pos < 0 {
				return Change{}, fmt.Errorf("%w: negative insert position", ErrInvalidChange)
			}
		case OpDelete:
			if op.Pos < 0 || op.Len < 0 {
				return Change{}, fmt.Errorf("%w: negative delete range", ErrInvalidChange)
			}
		default:
			return Change{}, fmt.Errorf("%w: unknown op kind %q", ErrInvalidChange, op.Kind)
		}
	}
	return change, nil
}

// Encode serializes the change for the wire.
func (c Change) Encode() (json.RawMessage, error) {
	encoded, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	return encoded, nil
}

func (op Op) apply(doc string) (string, error) {
	switch op.Kind {
	case OpInsert:
		if op.Pos > len(doc) {
			return "", fmt.Errorf("%w: insert at %d in document of length %d", ErrOutOfBounds, op.Pos, len(doc))
		}
		return doc[:op.Pos] + op.Text + doc[op.Pos:], nil
	case OpDelete:
		if op.Pos+op.Len > len(doc) {
			return "", fmt.Errorf("%w: delete [%d,%d) in document of length %d", ErrOutOfBounds, op.Pos, op.Pos+op.Len, len(doc))
		}
		return doc[:op.Pos] + doc[op.Pos+op.Len:], nil
	default:
		return "", fmt.Errorf("%w: unknown op kind %q", ErrInvalidChange, op.Kind)
	}
}

// Apply runs the change against a document and returns the edited text.
func (c Change) Apply(doc string) (string, error) {
	current := doc
	for _, op := range c.Ops {
		next, err := op.apply(current)
		if err != nil {
			return "", err
		}
		current = next
	}
	return current, nil
}

func (op Op) mapPos(pos int) int {
	switch op.Kind {
	case OpInsert:
		if pos >= op.Pos {
			return pos + len(op.Text)
		}
		return pos
	case OpDelete:
		if pos <= op.Pos {
			return pos
		}
		if pos >= op.Pos+op.Len {
			return pos - op.Len
		}
		return op.Pos
	default:
		return pos
	}
}

// MapPos maps a document position through the change, so a cursor placed in
// the old document lands at the equivalent spot in the new one.
func (c Change) MapPos(pos int) int {
	mapped := pos
	for _, op := range c.Ops {
		mapped = op.mapPos(mapped)
	}
	return mapped
}

// Selection is a cursor range; Anchor == Head for a plain caret.
type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Map remaps the selection through a change.
func (s Selection) Map(c Change) Selection {
	return Selection{Anchor: c.MapPos(s.Anchor), Head: c.MapPos(s.Head)}
}
