// Package compaction schedules and runs the background folding of update
// log records into durable checkpoints. The dirty queue is a shared,
// time-ordered set of documents awaiting compaction; the worker drains it.
// Both are safe to run redundantly on every replica.
package compaction

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

// Entry marks a document as due for compaction at a given time. A document
// has at most one entry; set-if-absent enqueues keep repeated pushes from
// resetting or duplicating the schedule.
type Entry struct {
	DocID   string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	DueAtMs int64  `gorm:"column:due_at_ms;not null;index:idx_dirty_due"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "dirty_documents"
}

// QueueConfig carries the dependencies for a Queue.
type QueueConfig struct {
	Database *gorm.DB
}

// Queue is the shared dirty set.
type Queue struct {
	db *gorm.DB
}

// NewQueue validates the configuration and returns a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	return &Queue{db: cfg.Database}, nil
}

// Enqueue marks a document for compaction at the given due time. With
// ifAbsent set, an existing entry wins and the call is a no-op; otherwise
// the due time is overwritten.
func (q *Queue) Enqueue(ctx context.Context, docID string, dueAt time.Time, ifAbsent bool) error {
	entry := Entry{DocID: docID, DueAtMs: dueAt.UTC().UnixMilli()}
	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"due_at_ms"}),
	}
	if ifAbsent {
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			DoNothing: true,
		}
	}
	return q.db.WithContext(ctx).Clauses(onConflict).Create(&entry).Error
}

// Popped is a dequeued dirty entry.
type Popped struct {
	DocID string
	DueAt time.Time
}

// Dequeue removes and returns the entry with the earliest due time, or nil
// when the queue is empty. Removal and read happen in one transaction so
// concurrent workers never pop the same entry twice.
func (q *Queue) Dequeue(ctx context.Context) (*Popped, error) {
	var popped *Popped
	transactionErr := q.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var entry Entry
		err := transaction.Order("due_at_ms ASC").Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := transaction.Where("doc_id = ?", entry.DocID).Delete(&Entry{}).Error; err != nil {
			return err
		}
		popped = &Popped{DocID: entry.DocID, DueAt: time.UnixMilli(entry.DueAtMs).UTC()}
		return nil
	})
	if transactionErr != nil {
		return nil, transactionErr
	}
	return popped, nil
}
