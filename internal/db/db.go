// Package db opens the sqlite metadata database and runs migrations.
package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/autonomys/auto-drive-sub003/internal/models"
)

func Open(path string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening metadata db at %s: %w", path, err)
	}

	if err := gdb.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("migrating metadata db: %w", err)
	}

	return gdb, nil
}
