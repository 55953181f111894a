package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-queue/internal/types"
)

// CreateLedger creates accounts, positions and the transaction log
func CreateLedger(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Account{}, &types.Position{}, &types.Transaction{}); err != nil {
		return err
	}

	return createIndexes(db, []string{
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		 ON transactions(user_id, created_at)`,
	})
}
