// Package presence tracks ephemeral per-document cursor state. Records live
// only in process memory, expire after a fixed TTL, and are never written to
// the update log storage or checkpoints.
package presence

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultTTL is how long a presence record stays visible without renewal.
const DefaultTTL = 30 * time.Second

// Payload is the client-supplied presence rider carried as an update effect.
type Payload struct {
	ClientID  string          `json:"clientID"`
	Selection json.RawMessage `json:"selection"`
	Focused   bool            `json:"focused"`
}

// DecodePayload parses an opaque effect as a presence payload. It returns
// false for effects that are not presence-shaped; those are simply not ours.
func DecodePayload(raw json.RawMessage) (Payload, bool) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, false
	}
	if payload.ClientID == "" || len(payload.Selection) == 0 {
		return Payload{}, false
	}
	return payload, true
}

// Record is a presence entry with its last-seen time.
type Record struct {
	Payload
	SeenAt time.Time
}

// Registry holds presence records per document.
type Registry struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock func() time.Time
	docs  map[string]map[string]Record
}

// NewRegistry returns a registry with the given TTL; zero selects the
// default. The clock may be nil.
func NewRegistry(ttl time.Duration, clock func() time.Time) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		ttl:   ttl,
		clock: clock,
		docs:  make(map[string]map[string]Record),
	}
}

// Track stores or renews a presence record for a document.
func (r *Registry) Track(docID string, payload Payload) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	clients, ok := r.docs[docID]
	if !ok {
		clients = make(map[string]Record)
		r.docs[docID] = clients
	}
	clients[payload.ClientID] = Record{Payload: payload, SeenAt: now}
	r.pruneLocked(docID, now)
}

// List returns the live presence records for a document, dropping expired
// ones as a side effect.
func (r *Registry) List(docID string) []Record {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(docID, now)
	clients := r.docs[docID]
	records := make([]Record, 0, len(clients))
	for _, record := range clients {
		records = append(records, record)
	}
	return records
}

func (r *Registry) pruneLocked(docID string, now time.Time) {
	clients := r.docs[docID]
	for clientID, record := range clients {
		if now.Sub(record.SeenAt) > r.ttl {
			delete(clients, clientID)
		}
	}
	if len(clients) == 0 {
		delete(r.docs, docID)
	}
}
