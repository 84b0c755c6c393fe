package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ekzhang/rushlight/internal/updatelog"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates an empty or oversized document id.
	ErrInvalidDocumentID = errors.New("collab: invalid document id")
	// ErrInvalidMessage indicates a request payload that fails validation.
	ErrInvalidMessage = errors.New("collab: invalid message")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// MessageType enumerates the protocol operations.
type MessageType string

const (
	// MessageGetDocument requests the full reconstructed document.
	MessageGetDocument MessageType = "getDocument"
	// MessagePullUpdates requests updates after a version, long-polling.
	MessagePullUpdates MessageType = "pullUpdates"
	// MessagePushUpdates appends updates at an expected version.
	MessagePushUpdates MessageType = "pushUpdates"
)

// Message is the tagged union carried by every transport. Version is
// required for pull and push; Updates only for push.
type Message struct {
	Type    MessageType        `json:"type"`
	Version *int64             `json:"version,omitempty"`
	Updates []updatelog.Update `json:"updates,omitempty"`
}

// DecodeMessage parses and validates a request payload. Unknown types are
// rejected outright rather than ignored.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := message.Validate(); err != nil {
		return Message{}, err
	}
	return message, nil
}

// Validate checks the structural requirements for the message type.
func (m Message) Validate() error {
	switch m.Type {
	case MessageGetDocument:
		return nil
	case MessagePullUpdates:
		if m.Version == nil || *m.Version < 0 {
			return fmt.Errorf("%w: pullUpdates requires a non-negative version", ErrInvalidMessage)
		}
		return nil
	case MessagePushUpdates:
		if m.Version == nil || *m.Version < 0 {
			return fmt.Errorf("%w: pushUpdates requires a non-negative version", ErrInvalidMessage)
		}
		if len(m.Updates) == 0 {
			return fmt.Errorf("%w: pushUpdates requires at least one update", ErrInvalidMessage)
		}
		for _, update := range m.Updates {
			if err := update.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
}

// Pull statuses returned to clients.
const (
	// StatusOK accompanies a successful pull, possibly with zero updates.
	StatusOK = "ok"
	// StatusDesync tells the client its version cannot be served
	// contiguously and a full reload is required.
	StatusDesync = "desync"
)

// DocumentResponse answers getDocument.
type DocumentResponse struct {
	Version int64  `json:"version"`
	Doc     string `json:"doc"`
}

// PullResponse answers pullUpdates.
type PullResponse struct {
	Status  string             `json:"status"`
	Updates []updatelog.Update `json:"updates,omitempty"`
}
