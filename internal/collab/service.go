// Package collab is the stateless collaboration dispatcher. Each request
// composes the shared update log and checkpoint store; no replica-local
// document state is ever authoritative.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekzhang/rushlight/internal/checkpoint"
	"github.com/ekzhang/rushlight/internal/compaction"
	"github.com/ekzhang/rushlight/internal/presence"
	"github.com/ekzhang/rushlight/internal/updatelog"
)

// DefaultBlockingTimeout is how long a pull waits for new updates.
const DefaultBlockingTimeout = 5 * time.Second

const (
	opServiceNew   = "collab.service.new"
	opGetDocument  = "collab.get_document"
	opPullUpdates  = "collab.pull_updates"
	opPushUpdates  = "collab.push_updates"
	opCompact      = "collab.compact"
	fieldDocID     = "doc_id"
	fieldVersion   = "version"
	fieldClientID  = "client_id"
	reasonReadLog  = "log_read_failed"
	reasonLoad     = "checkpoint_load_failed"
	reasonSave     = "checkpoint_save_failed"
	reasonAppend   = "log_append_failed"
	reasonTrim     = "log_trim_failed"
	reasonSchedule = "dirty_enqueue_failed"
)

var (
	errMissingLog         = errors.New("update log is required")
	errMissingCheckpoints = errors.New("checkpoint store is required")
	errMissingDirtyQueue  = errors.New("dirty queue is required")
	errMissingApplier     = errors.New("change applier is required")

	// ErrDesynchronized is the hard invariant violation: the earliest log
	// record is not contiguous with the checkpoint during reconstruction.
	// This signals data loss or a scheduling bug, never a routine race.
	ErrDesynchronized = errors.New("collab: document is desynchronized")
)

// ServiceError tags a failure with the operation and reason that hit it.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Applier is the external change-application capability: it applies one
// opaque serialized change to a document and returns the edited text.
type Applier interface {
	Apply(doc string, change json.RawMessage) (string, error)
}

// ServiceConfig carries the dependencies for a Service.
type ServiceConfig struct {
	Log         *updatelog.Log
	Checkpoints *checkpoint.Store
	Dirty       *compaction.Queue
	Applier     Applier
	Presence    *presence.Registry
	Logger      *zap.Logger
	Clock       func() time.Time

	// CompactionInterval is the delay between a push and the compaction it
	// schedules. Zero selects compaction.DefaultInterval.
	CompactionInterval time.Duration
	// BlockingTimeout bounds how long pullUpdates waits for new records.
	// Zero selects DefaultBlockingTimeout.
	BlockingTimeout time.Duration
}

// Service answers the three protocol operations and runs compaction passes.
type Service struct {
	log                *updatelog.Log
	checkpoints        *checkpoint.Store
	dirty              *compaction.Queue
	applier            Applier
	presence           *presence.Registry
	logger             *zap.Logger
	clock              func() time.Time
	compactionInterval time.Duration
	blockingTimeout    time.Duration
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Log == nil {
		return nil, newServiceError(opServiceNew, "missing_log", errMissingLog)
	}
	if cfg.Checkpoints == nil {
		return nil, newServiceError(opServiceNew, "missing_checkpoints", errMissingCheckpoints)
	}
	if cfg.Dirty == nil {
		return nil, newServiceError(opServiceNew, "missing_dirty_queue", errMissingDirtyQueue)
	}
	if cfg.Applier == nil {
		return nil, newServiceError(opServiceNew, "missing_applier", errMissingApplier)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	compactionInterval := cfg.CompactionInterval
	if compactionInterval <= 0 {
		compactionInterval = compaction.DefaultInterval
	}
	blockingTimeout := cfg.BlockingTimeout
	if blockingTimeout <= 0 {
		blockingTimeout = DefaultBlockingTimeout
	}
	return &Service{
		log:                cfg.Log,
		checkpoints:        cfg.Checkpoints,
		dirty:              cfg.Dirty,
		applier:            cfg.Applier,
		presence:           cfg.Presence,
		logger:             logger,
		clock:              clock,
		compactionInterval: compactionInterval,
		blockingTimeout:    blockingTimeout,
	}, nil
}

// Handle dispatches one protocol message for a document.
func (s *Service) Handle(ctx context.Context, docID DocumentID, message Message) (any, error) {
	if err := message.Validate(); err != nil {
		return nil, err
	}
	switch message.Type {
	case MessageGetDocument:
		return s.GetDocument(ctx, docID)
	case MessagePullUpdates:
		return s.PullUpdates(ctx, docID, *message.Version)
	case MessagePushUpdates:
		return s.PushUpdates(ctx, docID, *message.Version, message.Updates)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, message.Type)
	}
}

// reconstruction is the outcome of folding pending log records onto the
// checkpoint: the checkpoint's own version, the resulting version, and the
// resulting text.
type reconstruction struct {
	checkpointVersion int64
	version           int64
	doc               string
}

// getDocumentInternal rebuilds the current document from the checkpoint plus
// pending log records. A record chain that is not contiguous with the
// checkpoint is a hard invariant violation here; only live pulls downgrade
// that condition to a soft status.
func (s *Service) getDocumentInternal(ctx context.Context, docID DocumentID) (reconstruction, error) {
	snapshot, err := s.checkpoints.Load(ctx, docID.String())
	if err != nil {
		return reconstruction{}, newServiceError(opGetDocument, reasonLoad, err)
	}

	result := reconstruction{
		checkpointVersion: snapshot.Version,
		version:           snapshot.Version,
		doc:               snapshot.Content,
	}

	for {
		updates, err := s.log.Read(ctx, docID.String(), result.version, 0)
		if err != nil {
			return reconstruction{}, newServiceError(opGetDocument, reasonReadLog, err)
		}
		if len(updates) == 0 {
			return result, nil
		}
		if updates[0].Version != result.version+1 {
			return reconstruction{}, fmt.Errorf("%w: checkpoint at %d but earliest record is %d (doc %s)",
				ErrDesynchronized, result.version, updates[0].Version, docID)
		}
		for _, update := range updates {
			edited, applyErr := s.applier.Apply(result.doc, update.Update.Changes)
			if applyErr != nil {
				// A corrupt historical record degrades fidelity, not
				// availability: skip it and keep the version moving.
				s.logger.Error("failed to apply stored update",
					zap.String(fieldDocID, docID.String()),
					zap.Int64(fieldVersion, update.Version),
					zap.String(fieldClientID, update.Update.ClientID),
					zap.Error(applyErr))
			} else {
				result.doc = edited
			}
			result.version = update.Version
		}
		if len(updates) < updatelog.MaxReadBatch {
			return result, nil
		}
	}
}

// GetDocument returns the reconstructed text and version of a document.
// Documents spring into existence on first access at version 0.
func (s *Service) GetDocument(ctx context.Context, docID DocumentID) (DocumentResponse, error) {
	result, err := s.getDocumentInternal(ctx, docID)
	if err != nil {
		return DocumentResponse{}, err
	}
	return DocumentResponse{Version: result.version, Doc: result.doc}, nil
}

// PullUpdates returns updates after the given version, long-polling up to
// the blocking timeout when none are available yet. A non-contiguous record
// chain is the expected aftermath of compaction racing ahead of a slow
// client, so it comes back as a desync status rather than an error.
func (s *Service) PullUpdates(ctx context.Context, docID DocumentID, version int64) (PullResponse, error) {
	updates, err := s.log.Read(ctx, docID.String(), version, s.blockingTimeout)
	if err != nil {
		return PullResponse{}, newServiceError(opPullUpdates, reasonReadLog, err)
	}
	if len(updates) > 0 && updates[0].Version != version+1 {
		return PullResponse{Status: StatusDesync}, nil
	}
	plain := make([]updatelog.Update, 0, len(updates))
	for _, update := range updates {
		plain = append(plain, update.Update)
	}
	return PullResponse{Status: StatusOK, Updates: plain}, nil
}

// PushUpdates appends the batch at the expected version. A false return is
// a lost version race: nothing was written and the caller should pull,
// rebase, and retry. On success the document is marked dirty for compaction
// one interval out, set-if-absent so repeated pushes keep the original
// schedule.
func (s *Service) PushUpdates(ctx context.Context, docID DocumentID, version int64, updates []updatelog.Update) (bool, error) {
	ok, err := s.log.Append(ctx, docID.String(), version, updates)
	if err != nil {
		return false, newServiceError(opPushUpdates, reasonAppend, err)
	}
	if !ok {
		return false, nil
	}

	s.trackPresence(docID, updates)

	dueAt := s.clock().Add(s.compactionInterval)
	if err := s.dirty.Enqueue(ctx, docID.String(), dueAt, true); err != nil {
		return false, newServiceError(opPushUpdates, reasonSchedule, err)
	}
	return true, nil
}

func (s *Service) trackPresence(docID DocumentID, updates []updatelog.Update) {
	if s.presence == nil {
		return
	}
	for _, update := range updates {
		for _, effect := range update.Effects {
			if payload, ok := presence.DecodePayload(effect); ok {
				s.presence.Track(docID.String(), payload)
			}
		}
	}
}

// Presences lists the live presence records for a document.
func (s *Service) Presences(docID DocumentID) []presence.Record {
	if s.presence == nil {
		return nil
	}
	return s.presence.List(docID.String())
}

// CompactDocument folds pending log records into the checkpoint and trims
// the consumed records. The trim stops at the pre-compaction checkpoint
// version, never the just-reconstructed one, so an in-flight push that read
// the log before this pass can still land contiguously. It reports whether
// the log was fully emptied.
func (s *Service) CompactDocument(ctx context.Context, docID string) (bool, error) {
	id, err := NewDocumentID(docID)
	if err != nil {
		return false, newServiceError(opCompact, "invalid_doc_id", err)
	}

	result, err := s.getDocumentInternal(ctx, id)
	if err != nil {
		return false, err
	}

	if result.version > result.checkpointVersion {
		if err := s.checkpoints.Save(ctx, docID, result.doc, result.version); err != nil {
			return false, newServiceError(opCompact, reasonSave, err)
		}
	}

	emptied, err := s.log.Trim(ctx, docID, result.checkpointVersion)
	if err != nil {
		return false, newServiceError(opCompact, reasonTrim, err)
	}
	return emptied, nil
}
