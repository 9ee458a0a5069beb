// Package database opens the relational store and keeps the schema current.
package database

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/casevault/pstcorpus/model"
)

type Config struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string
	// DSN is the file path for sqlite or the full DSN for mysql.
	DSN string
}

// Open connects and migrates the schema. Migration is additive; existing rows
// are never rewritten.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&model.ArchiveFile{},
		&model.Message{},
		&model.Attachment{},
		&model.DedupeDecision{},
		&model.FolderSkip{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}
