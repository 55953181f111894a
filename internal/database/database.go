package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-queue/internal/config"
	"github.com/ksred/klear-queue/internal/database/migrations"
)

// NewDatabase opens the configured database and runs migrations
func NewDatabase(cfg config.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates every table the service uses
func Migrate(db *gorm.DB) error {
	steps := []struct {
		name string
		run  func(*gorm.DB) error
	}{
		{"create order queue", migrations.CreateOrderQueue},
		{"create ledger", migrations.CreateLedger},
		{"create notifications", migrations.CreateNotifications},
	}

	for _, step := range steps {
		if err := step.run(db); err != nil {
			return fmt.Errorf("failed to run migration %q: %w", step.name, err)
		}
	}
	return nil
}
