package db

import (
	"fmt"

	"keygate/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Connect(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		// Error level hides the "SLOW SQL" warnings gorm emits at Warn.
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Server{},
		&model.Key{},
		&model.Location{},
		&model.Region{},
		&model.LoadBalancer{},
		&model.Prefix{},
		&model.OnlineConfig{},
		&model.Issue{},
		&model.AccountDeleteReason{},
	)
}

func Close(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
