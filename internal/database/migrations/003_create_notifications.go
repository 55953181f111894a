package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-queue/internal/notify"
)

// CreateNotifications creates the user notification inbox
func CreateNotifications(db *gorm.DB) error {
	if err := db.AutoMigrate(&notify.Record{}); err != nil {
		return err
	}

	return createIndexes(db, []string{
		`CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created
		 ON notifications(recipient, created_at)`,
	})
}
