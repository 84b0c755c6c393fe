package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ekzhang/rushlight/internal/collab"
)

// DefaultRequestTimeout bounds how long a socket request may stay pending.
// It must exceed the server's long-poll blocking timeout or every idle pull
// would fail spuriously.
const DefaultRequestTimeout = 30 * time.Second

// ErrConnectionClosed reports a request issued on, or orphaned by, a closed
// socket connection.
var ErrConnectionClosed = errors.New("client: socket connection closed")

type socketRequestFrame struct {
	ID string `json:"id"`
	collab.Message
}

type socketResponseFrame struct {
	ID      string          `json:"id"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type socketResult struct {
	payload json.RawMessage
	err     error
}

// SocketConnection multiplexes concurrent requests over one websocket,
// correlating responses to requests by an opaque id. Each pending request
// holds a single-fulfillment completion handle: whichever of response,
// timeout, or connection loss claims the entry first wins, and the others
// find it already gone.
type SocketConnection struct {
	conn           *websocket.Conn
	requestTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan socketResult
	closed  bool
}

// DialSocket connects to the server's websocket endpoint for a document.
// A non-positive requestTimeout selects the default.
func DialSocket(ctx context.Context, socketURL string, requestTimeout time.Duration) (*SocketConnection, error) {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial socket: %w", err)
	}
	socket := &SocketConnection{
		conn:           conn,
		requestTimeout: requestTimeout,
		pending:        make(map[string]chan socketResult),
	}
	go socket.readLoop()
	return socket, nil
}

// Do sends the message and waits for the correlated response.
func (s *SocketConnection) Do(ctx context.Context, message collab.Message) (json.RawMessage, error) {
	requestID := uuid.NewString()
	handle := make(chan socketResult, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	s.pending[requestID] = handle
	s.mu.Unlock()

	frame := socketRequestFrame{ID: requestID, Message: message}
	s.writeMu.Lock()
	err := s.conn.WriteJSON(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.take(requestID)
		return nil, fmt.Errorf("client: socket write: %w", err)
	}

	timeout := time.NewTimer(s.requestTimeout)
	defer timeout.Stop()

	select {
	case result := <-handle:
		return result.payload, result.err
	case <-timeout.C:
		if s.take(requestID) != nil {
			return nil, fmt.Errorf("client: request %s timed out", requestID)
		}
		// The response raced the timeout and already fulfilled the handle.
		result := <-handle
		return result.payload, result.err
	case <-ctx.Done():
		s.take(requestID)
		return nil, ctx.Err()
	}
}

// take removes and returns the completion handle for a request id, or nil
// if another path already claimed it.
func (s *SocketConnection) take(requestID string) chan socketResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.pending[requestID]
	if !ok {
		return nil
	}
	delete(s.pending, requestID)
	return handle
}

func (s *SocketConnection) readLoop() {
	for {
		var frame socketResponseFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			s.failAll(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}
		handle := s.take(frame.ID)
		if handle == nil {
			continue
		}
		if frame.Error != "" {
			handle <- socketResult{err: fmt.Errorf("client: server error: %s", frame.Error)}
			continue
		}
		handle <- socketResult{payload: frame.Payload}
	}
}

func (s *SocketConnection) failAll(err error) {
	s.mu.Lock()
	orphaned := s.pending
	s.pending = make(map[string]chan socketResult)
	s.closed = true
	s.mu.Unlock()

	for _, handle := range orphaned {
		handle <- socketResult{err: err}
	}
}

// Close tears down the socket; pending requests fail with
// ErrConnectionClosed.
func (s *SocketConnection) Close() error {
	err := s.conn.Close()
	s.failAll(ErrConnectionClosed)
	return err
}
