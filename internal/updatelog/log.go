// Package updatelog implements the shared, per-document, append-only log of
// edit records. All replicas read and write the same storage; the only
// concurrency control is the conditional append, which accepts a batch of
// updates exactly when the caller's expected version matches the log head.
package updatelog

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// MaxReadBatch bounds how many records a single read returns.
	MaxReadBatch = 1024

	defaultPollInterval = 250 * time.Millisecond

	opLogNew    = "updatelog.new"
	opLogRead   = "updatelog.read"
	opLogAppend = "updatelog.append"
	opLogTrim   = "updatelog.trim"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errNoUpdates       = errors.New("updatelog: append requires at least one update")

	// errVersionMismatch is internal: a lost append race surfaces to callers
	// as ok == false, never as an error.
	errVersionMismatch = errors.New("updatelog: expected version does not match log head")
)

// Config carries the dependencies for a Log.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger

	// PollInterval is how often a blocking read re-queries storage to pick
	// up appends made by other replicas. Zero selects the default.
	PollInterval time.Duration
}

// Log provides versioned, append-only update storage shared across replicas.
type Log struct {
	db           *gorm.DB
	clock        func() time.Time
	logger       *zap.Logger
	notifier     *Notifier
	pollInterval time.Duration
}

// NewLog validates the configuration and returns a Log.
func NewLog(cfg Config) (*Log, error) {
	if cfg.Database == nil {
		return nil, newLogError(opLogNew, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Log{
		db:           cfg.Database,
		clock:        clock,
		logger:       logger,
		notifier:     NewNotifier(),
		pollInterval: pollInterval,
	}, nil
}

func newLogError(operation string, cause error) error {
	return &OperationError{operation: operation, err: cause}
}

// OperationError tags a storage failure with the log operation that hit it.
type OperationError struct {
	operation string
	err       error
}

func (e *OperationError) Error() string {
	return e.operation + ": " + e.err.Error()
}

func (e *OperationError) Unwrap() error {
	return e.err
}

// Read returns records with version greater than sinceVersion, oldest first,
// at most MaxReadBatch of them. If block is positive and no records exist
// yet, the call waits up to that duration for new records to arrive before
// returning an empty result. The wait wakes immediately on same-process
// appends and re-polls storage for appends from other replicas.
func (l *Log) Read(ctx context.Context, docID string, sinceVersion int64, block time.Duration) ([]VersionedUpdate, error) {
	updates, err := l.readOnce(ctx, docID, sinceVersion)
	if err != nil {
		return nil, err
	}
	if len(updates) > 0 || block <= 0 {
		return updates, nil
	}

	notify, cleanup := l.notifier.Subscribe(docID)
	defer cleanup()

	deadline := time.NewTimer(block)
	defer deadline.Stop()
	poll := time.NewTicker(l.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-notify:
		case <-poll.C:
		}
		updates, err = l.readOnce(ctx, docID, sinceVersion)
		if err != nil {
			return nil, err
		}
		if len(updates) > 0 {
			return updates, nil
		}
	}
}

func (l *Log) readOnce(ctx context.Context, docID string, sinceVersion int64) ([]VersionedUpdate, error) {
	var records []Record
	err := l.db.WithContext(ctx).
		Where("doc_id = ? AND version > ?", docID, sinceVersion).
		Order("version ASC").
		Limit(MaxReadBatch).
		Find(&records).Error
	if err != nil {
		return nil, newLogError(opLogRead, err)
	}
	updates := make([]VersionedUpdate, 0, len(records))
	for _, record := range records {
		update, err := record.toVersionedUpdate()
		if err != nil {
			return nil, newLogError(opLogRead, err)
		}
		updates = append(updates, update)
	}
	return updates, nil
}

// Append atomically writes the batch at consecutive versions
// expectedVersion+1 .. expectedVersion+len(updates). It returns false and
// writes nothing when the log head is not exactly expectedVersion; a lost
// race is a rejection, never a partial write.
func (l *Log) Append(ctx context.Context, docID string, expectedVersion int64, updates []Update) (bool, error) {
	if len(updates) == 0 {
		return false, newLogError(opLogAppend, errNoUpdates)
	}
	appendedAtMs := l.clock().UTC().UnixMilli()

	transactionErr := l.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var head Head
		err := transaction.Where("doc_id = ?", docID).Take(&head).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			head = Head{DocID: docID, Version: 0}
			if err := transaction.Create(&head).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if head.Version != expectedVersion {
			return errVersionMismatch
		}

		records := make([]Record, 0, len(updates))
		for offset, update := range updates {
			record, err := recordFromUpdate(docID, expectedVersion+int64(offset)+1, update, appendedAtMs)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		if err := transaction.Create(&records).Error; err != nil {
			return err
		}

		return transaction.Model(&Head{}).
			Where("doc_id = ? AND version = ?", docID, expectedVersion).
			Update("version", expectedVersion+int64(len(updates))).Error
	})

	if errors.Is(transactionErr, errVersionMismatch) {
		return false, nil
	}
	if transactionErr != nil {
		return false, newLogError(opLogAppend, transactionErr)
	}

	l.notifier.Publish(docID)
	return true, nil
}

// Trim removes all records with version <= throughVersion and reports
// whether the log is empty afterwards. A false return means new records
// raced in and the caller should schedule another pass.
func (l *Log) Trim(ctx context.Context, docID string, throughVersion int64) (bool, error) {
	emptied := false
	transactionErr := l.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.
			Where("doc_id = ? AND version <= ?", docID, throughVersion).
			Delete(&Record{}).Error; err != nil {
			return err
		}
		var remaining int64
		if err := transaction.Model(&Record{}).
			Where("doc_id = ?", docID).
			Count(&remaining).Error; err != nil {
			return err
		}
		emptied = remaining == 0
		return nil
	})
	if transactionErr != nil {
		return false, newLogError(opLogTrim, transactionErr)
	}
	return emptied, nil
}
