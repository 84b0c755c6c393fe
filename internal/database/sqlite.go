package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ekzhang/rushlight/internal/checkpoint"
	"github.com/ekzhang/rushlight/internal/compaction"
	"github.com/ekzhang/rushlight/internal/updatelog"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The connection pool is capped at one connection; SQLite serializes writers
// anyway, and a single connection avoids SQLITE_BUSY under concurrent
// transactions.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&updatelog.Record{},
		&updatelog.Head{},
		&checkpoint.Record{},
		&compaction.Entry{},
	); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
