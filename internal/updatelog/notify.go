package updatelog

import "sync"

// Notifier wakes same-process blocking reads as soon as an append lands,
// so long-polls served by the replica that accepted the push do not wait
// for the next storage poll. Cross-replica wakeups still come from polling.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan struct{}
	nextID      int64
}

// NewNotifier returns an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subscribers: make(map[string]map[int64]chan struct{})}
}

// Subscribe registers interest in appends for a document. The returned
// channel receives at most one pending signal; call cleanup when done.
func (n *Notifier) Subscribe(docID string) (<-chan struct{}, func()) {
	signal := make(chan struct{}, 1)

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	if _, ok := n.subscribers[docID]; !ok {
		n.subscribers[docID] = make(map[int64]chan struct{})
	}
	n.subscribers[docID][id] = signal
	n.mu.Unlock()

	cleanup := func() {
		n.mu.Lock()
		subscribers := n.subscribers[docID]
		if subscribers != nil {
			delete(subscribers, id)
			if len(subscribers) == 0 {
				delete(n.subscribers, docID)
			}
		}
		n.mu.Unlock()
	}
	return signal, cleanup
}

// Publish signals every subscriber of a document. Sends never block; a
// subscriber with a signal already pending keeps just the one.
func (n *Notifier) Publish(docID string) {
	n.mu.RLock()
	subscribers := n.subscribers[docID]
	copies := make([]chan struct{}, 0, len(subscribers))
	for _, signal := range subscribers {
		copies = append(copies, signal)
	}
	n.mu.RUnlock()

	for _, signal := range copies {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
}
