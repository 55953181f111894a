package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-queue/internal/orders"
	"github.com/ksred/klear-queue/internal/types"
)

// CreateOrderQueue creates the queued order and idempotency tables and the
// index used by the due-order sweep
func CreateOrderQueue(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.QueuedOrder{}, &orders.IdempotencyRecord{}); err != nil {
		return err
	}

	indexes := []string{
		// Sweep query: status = pending AND scheduled_at <= now ORDER BY scheduled_at
		`CREATE INDEX IF NOT EXISTS idx_queued_orders_status_scheduled
		 ON queued_orders(status, scheduled_at)`,

		// Order history per user
		`CREATE INDEX IF NOT EXISTS idx_queued_orders_user_created
		 ON queued_orders(user_id, created_at)`,
	}

	return createIndexes(db, indexes)
}

func createIndexes(db *gorm.DB, indexes []string) error {
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
