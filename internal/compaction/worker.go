package compaction

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is how long a document stays dirty before compaction.
// Shorter intervals keep the update log small at the cost of more frequent
// checkpoint writes and a higher desync risk for slow readers.
const DefaultInterval = 30 * time.Second

var (
	errMissingQueue     = errors.New("dirty queue is required")
	errMissingCompactor = errors.New("document compactor is required")
)

// DocumentCompactor folds a document's pending log records into its
// checkpoint. It reports whether the log was fully emptied; a false return
// means records raced in during the pass and another pass is needed.
type DocumentCompactor interface {
	CompactDocument(ctx context.Context, docID string) (emptied bool, err error)
}

// WorkerConfig carries the dependencies for a Worker.
type WorkerConfig struct {
	Queue     *Queue
	Compactor DocumentCompactor
	Logger    *zap.Logger
	Clock     func() time.Time

	// Interval is the compaction delay applied when rescheduling. Zero
	// selects DefaultInterval.
	Interval time.Duration
}

// Worker drains the dirty queue in due-time order. Running one per replica
// is expected; correctness relies on checkpoint saves being monotonic and
// trims being idempotent, not on there being a single worker.
type Worker struct {
	queue     *Queue
	compactor DocumentCompactor
	logger    *zap.Logger
	clock     func() time.Time
	interval  time.Duration
}

// NewWorker validates the configuration and returns a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Compactor == nil {
		return nil, errMissingCompactor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		queue:     cfg.Queue,
		compactor: cfg.Compactor,
		logger:    logger,
		clock:     clock,
		interval:  interval,
	}, nil
}

// RunPass processes due dirty entries until the queue is empty or the
// earliest entry is still in the future. A document whose compaction fails,
// or whose log still holds records afterwards, is rescheduled a full
// interval out, so a persistently failing document cannot busy-loop the
// worker.
func (w *Worker) RunPass(ctx context.Context) error {
	for {
		entry, err := w.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}

		now := w.clock()
		if now.Before(entry.DueAt) {
			// Entries are processed strictly in time order; put the early
			// one back and stop this pass.
			return w.queue.Enqueue(ctx, entry.DocID, entry.DueAt, false)
		}

		emptied, compactErr := w.compactor.CompactDocument(ctx, entry.DocID)
		if compactErr != nil {
			if enqueueErr := w.queue.Enqueue(ctx, entry.DocID, now.Add(w.interval), false); enqueueErr != nil {
				w.logger.Error("failed to reschedule after compaction error",
					zap.String("doc_id", entry.DocID), zap.Error(enqueueErr))
			}
			return compactErr
		}
		if !emptied {
			if err := w.queue.Enqueue(ctx, entry.DocID, now.Add(w.interval), false); err != nil {
				return err
			}
		}
	}
}

// Run loops RunPass until the context is cancelled. Errors from a pass are
// logged and never stop the loop; between passes the worker sleeps a
// fraction of the compaction interval.
func (w *Worker) Run(ctx context.Context) {
	idle := w.interval / 10
	if idle <= 0 {
		idle = time.Second
	}
	for {
		if err := w.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("compaction pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(idle):
		}
	}
}
