package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekzhang/rushlight/internal/collab"
	"github.com/ekzhang/rushlight/internal/ot"
	"github.com/ekzhang/rushlight/internal/updatelog"
)

const (
	// DefaultBackoffBase is the unit delay for failure backoff.
	DefaultBackoffBase = time.Second
	// DefaultPushRetryDelay is how soon a push retries while edits remain.
	DefaultPushRetryDelay = 100 * time.Millisecond

	// Backoff engages only after this many consecutive failures, and the
	// exponent stops growing past the cap.
	backoffThreshold   = 3
	backoffExponentCap = 7
	backoffFactor      = 1.5
)

var errMissingConnection = errors.New("connection is required")

// SessionConfig carries the dependencies for a Session.
type SessionConfig struct {
	Connection Connection
	ClientID   string
	Logger     *zap.Logger

	BackoffBase    time.Duration
	PushRetryDelay time.Duration
}

// Session synchronizes one local document replica with the server. The pull
// and push loops run concurrently and communicate only through the session's
// synced state; pushes are single-flight.
type Session struct {
	conn           Connection
	clientID       string
	logger         *zap.Logger
	backoffBase    time.Duration
	pushRetryDelay time.Duration

	mu        sync.Mutex
	syncedDoc string
	version   int64
	pending   []ot.Change
	pushing   bool
	failures  int

	done      chan struct{}
	closeOnce sync.Once
	pushWake  chan struct{}
	loops     sync.WaitGroup
}

// OpenSession fetches the current document and starts the pull and push
// loops. Close stops them; in-flight requests are never aborted, only not
// retried.
func OpenSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Connection == nil {
		return nil, errMissingConnection
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	pushRetryDelay := cfg.PushRetryDelay
	if pushRetryDelay <= 0 {
		pushRetryDelay = DefaultPushRetryDelay
	}

	session := &Session{
		conn:           cfg.Connection,
		clientID:       clientID,
		logger:         logger,
		backoffBase:    backoffBase,
		pushRetryDelay: pushRetryDelay,
		done:           make(chan struct{}),
		pushWake:       make(chan struct{}, 1),
	}

	document, err := session.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}
	session.syncedDoc = document.Doc
	session.version = document.Version

	session.loops.Add(2)
	go session.pullLoop(ctx)
	go session.pushLoop(ctx)
	return session, nil
}

// ClientID returns the session's authoring identifier.
func (s *Session) ClientID() string {
	return s.clientID
}

// Document returns the local optimistic text (synced state plus pending
// local edits) and the synced version it is based on.
func (s *Session) Document() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.syncedDoc
	for _, change := range s.pending {
		edited, err := change.Apply(doc)
		if err != nil {
			// A pending edit that no longer applies was invalidated by a
			// reload; it will be dropped rather than pushed.
			continue
		}
		doc = edited
	}
	return doc, s.version
}

// Edit queues a local change authored against the current local document
// and wakes the push loop.
func (s *Session) Edit(change ot.Change) error {
	s.mu.Lock()
	s.pending = append(s.pending, change)
	s.mu.Unlock()
	s.wakePush()
	return nil
}

// Close stops both loops and closes the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	err := s.conn.Close()
	s.loops.Wait()
	return err
}

func (s *Session) wakePush() {
	select {
	case s.pushWake <- struct{}{}:
	default:
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// pullLoop is the primary liveness path: it long-polls for remote updates
// and applies them, falling back to a full reload on desync.
func (s *Session) pullLoop(ctx context.Context) {
	defer s.loops.Done()
	for !s.closed() {
		version := s.syncedVersion()
		response, err := s.pullUpdates(ctx, version)
		if err != nil {
			s.failureSleep(err)
			continue
		}
		s.resetFailures()

		if response.Status == collab.StatusDesync {
			// Rare: compaction on another replica outran this client. Only
			// a full reload can resynchronize.
			if err := s.fullReload(ctx); err != nil {
				s.failureSleep(err)
			}
			continue
		}
		s.applyRemote(response.Updates)
	}
}

// pushLoop sends pending edits whenever woken. A push already in flight
// suppresses new attempts; after every attempt it re-arms itself shortly if
// edits remain, so a lost race retries once the pull loop advances the
// version.
func (s *Session) pushLoop(ctx context.Context) {
	defer s.loops.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.pushWake:
		}
		if s.closed() {
			return
		}
		s.push(ctx)
	}
}

func (s *Session) push(ctx context.Context) {
	s.mu.Lock()
	if s.pushing || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.pushing = true
	version := s.version
	updates := make([]updatelog.Update, 0, len(s.pending))
	encodeFailed := false
	for _, change := range s.pending {
		changes, err := change.Encode()
		if err != nil {
			encodeFailed = true
			break
		}
		updates = append(updates, updatelog.Update{ClientID: s.clientID, Changes: changes})
	}
	s.mu.Unlock()

	if encodeFailed {
		s.mu.Lock()
		s.pushing = false
		s.mu.Unlock()
		s.logger.Error("dropping unencodable pending edits")
		return
	}

	accepted, err := s.pushUpdates(ctx, version, updates)
	if err != nil {
		s.failureSleep(err)
	} else {
		s.resetFailures()
		if !accepted {
			s.logger.Debug("push lost version race", zap.Int64("version", version))
		}
	}

	s.mu.Lock()
	s.pushing = false
	remaining := len(s.pending)
	s.mu.Unlock()

	// Whether the push succeeded, lost the race, or failed outright, retry
	// soon if anything is still unconfirmed; acceptance is observed via the
	// pull loop echoing our own updates back.
	if remaining > 0 && !s.closed() {
		time.AfterFunc(s.pushRetryDelay, s.wakePush)
	}
}

// applyRemote folds pulled updates into the synced state. Our own echoed
// updates confirm the oldest pending edits; foreign updates advance the
// document and rebase the pending chain over it.
func (s *Session) applyRemote(updates []updatelog.Update) {
	if len(updates) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, update := range updates {
		change, err := ot.DecodeChange(update.Changes)
		if err != nil {
			s.logger.Error("skipping undecodable remote update",
				zap.Int64("version", s.version+1), zap.Error(err))
			s.version++
			continue
		}

		edited, err := change.Apply(s.syncedDoc)
		if err != nil {
			s.logger.Error("skipping inapplicable remote update",
				zap.Int64("version", s.version+1), zap.Error(err))
			s.version++
			continue
		}
		s.syncedDoc = edited
		s.version++

		if update.ClientID == s.clientID {
			if len(s.pending) > 0 {
				s.pending = s.pending[1:]
			}
			continue
		}

		remoteOps := change.Ops
		for i := range s.pending {
			s.pending[i].Ops, remoteOps = ot.TransformOps(s.pending[i].Ops, remoteOps)
		}
	}
}

// fullReload replaces all local state with the server's document. Pending
// local edits covered the stretch being replaced, so they are reconciled
// away rather than replayed.
func (s *Session) fullReload(ctx context.Context) error {
	document, err := s.fetchDocument(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.syncedDoc = document.Doc
	s.version = document.Version
	s.pending = nil
	s.mu.Unlock()
	s.logger.Info("session resynchronized via full reload",
		zap.Int64("version", document.Version))
	return nil
}

func (s *Session) syncedVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Session) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// failureSleep counts a consecutive failure and, once three have happened
// in a row, sleeps with exponential backoff before the caller retries.
func (s *Session) failureSleep(cause error) {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	s.logger.Warn("request failed", zap.Int("consecutive_failures", failures), zap.Error(cause))
	if failures < backoffThreshold {
		return
	}
	exponent := failures - backoffThreshold
	if exponent > backoffExponentCap {
		exponent = backoffExponentCap
	}
	delay := time.Duration(float64(s.backoffBase) * math.Pow(backoffFactor, float64(exponent)))
	select {
	case <-s.done:
	case <-time.After(delay):
	}
}

func (s *Session) fetchDocument(ctx context.Context) (collab.DocumentResponse, error) {
	raw, err := s.conn.Do(ctx, collab.Message{Type: collab.MessageGetDocument})
	if err != nil {
		return collab.DocumentResponse{}, err
	}
	var document collab.DocumentResponse
	if err := json.Unmarshal(raw, &document); err != nil {
		return collab.DocumentResponse{}, fmt.Errorf("client: decode document: %w", err)
	}
	return document, nil
}

func (s *Session) pullUpdates(ctx context.Context, version int64) (collab.PullResponse, error) {
	raw, err := s.conn.Do(ctx, collab.Message{Type: collab.MessagePullUpdates, Version: &version})
	if err != nil {
		return collab.PullResponse{}, err
	}
	var response collab.PullResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return collab.PullResponse{}, fmt.Errorf("client: decode pull response: %w", err)
	}
	return response, nil
}

func (s *Session) pushUpdates(ctx context.Context, version int64, updates []updatelog.Update) (bool, error) {
	raw, err := s.conn.Do(ctx, collab.Message{Type: collab.MessagePushUpdates, Version: &version, Updates: updates})
	if err != nil {
		return false, err
	}
	var accepted bool
	if err := json.Unmarshal(raw, &accepted); err != nil {
		return false, fmt.Errorf("client: decode push response: %w", err)
	}
	return accepted, nil
}
