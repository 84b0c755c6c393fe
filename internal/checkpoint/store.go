// Package checkpoint persists the "last known good" full text of each
// document together with the version it reflects. Saves are conditional on
// the version moving forward, so a stale compaction pass on one replica can
// never clobber a newer checkpoint written by another.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreNew  = "checkpoint.new"
	opStoreLoad = "checkpoint.load"
	opStoreSave = "checkpoint.save"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrNonPositiveVersion indicates a save at version zero or below, which
	// can never beat the implicit empty checkpoint.
	ErrNonPositiveVersion = errors.New("checkpoint: version must be positive")
)

// Record is the persisted checkpoint row for one document.
type Record struct {
	DocID     string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Content   string `gorm:"column:content;type:text;not null"`
	Version   int64  `gorm:"column:version;not null;default:0"`
	SavedAtMs int64  `gorm:"column:saved_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "checkpoints"
}

// Snapshot is the loaded checkpoint state handed to callers.
type Snapshot struct {
	Version int64
	Content string
}

// Config carries the dependencies for a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger

	// InitialContent is the text reported for documents that have never
	// been checkpointed.
	InitialContent string
}

// Store provides durable checkpoint load/save with a monotonic write guard.
type Store struct {
	db             *gorm.DB
	clock          func() time.Time
	logger         *zap.Logger
	initialContent string
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errors.New(opStoreNew + ": " + errMissingDatabase.Error())
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:             cfg.Database,
		clock:          clock,
		logger:         logger,
		initialContent: cfg.InitialContent,
	}, nil
}

// Load returns the stored checkpoint for a document, or the implicit
// version-zero checkpoint with the initial content when none exists.
func (s *Store) Load(ctx context.Context, docID string) (Snapshot, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("doc_id = ?", docID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{Version: 0, Content: s.initialContent}, nil
	}
	if err != nil {
		s.logger.Error("checkpoint load failed", zap.String("doc_id", docID), zap.Error(err))
		return Snapshot{}, err
	}
	return Snapshot{Version: record.Version, Content: record.Content}, nil
}

// Save writes a checkpoint only if the version is strictly greater than the
// stored one. An out-of-date save is a silent no-op; concurrent saves for
// the same document are safe in either order.
func (s *Store) Save(ctx context.Context, docID string, content string, version int64) error {
	if version <= 0 {
		return ErrNonPositiveVersion
	}
	savedAtMs := s.clock().UTC().UnixMilli()

	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing Record
		err := transaction.Where("doc_id = ?", docID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return transaction.Create(&Record{
				DocID:     docID,
				Content:   content,
				Version:   version,
				SavedAtMs: savedAtMs,
			}).Error
		}
		if err != nil {
			return err
		}
		if version <= existing.Version {
			return nil
		}
		existing.Content = content
		existing.Version = version
		existing.SavedAtMs = savedAtMs
		return transaction.Save(&existing).Error
	})
}
