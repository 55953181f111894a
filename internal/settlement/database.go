package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-queue/internal/types"
)

// Database is the ledger: accounts, positions and the transaction log.
// Balance and position rows are only written inside settlement or deposit
// transactions.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// lockAccount loads the account row FOR UPDATE
func lockAccount(tx *gorm.DB, userID string) (*types.Account, error) {
	var account types.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "load account", Err: err}
	}
	return &account, nil
}

// lockPosition loads the position row FOR UPDATE. It returns nil when the
// user holds no shares of symbol.
func lockPosition(tx *gorm.DB, userID, symbol string) (*types.Position, error) {
	var position types.Position
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND symbol = ?", userID, symbol).
		First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "load position", Err: err}
	}
	return &position, nil
}

func (d *Database) GetAccount(ctx context.Context, userID string) (*types.Account, error) {
	var account types.Account
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (d *Database) GetPosition(ctx context.Context, userID, symbol string) (*types.Position, error) {
	var position types.Position
	if err := d.db.WithContext(ctx).Where("user_id = ? AND symbol = ?", userID, symbol).First(&position).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

func (d *Database) GetPositions(ctx context.Context, userID string) ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).Order("symbol ASC").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

func (d *Database) ListTransactions(ctx context.Context, userID string, limit int) ([]types.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var transactions []types.Transaction
	if err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}

// Deposit credits amount to the user's account, creating it when missing
func (d *Database) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*types.Account, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var account types.Account
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&account).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			account = types.Account{UserID: userID, Balance: amount}
			if err := tx.Create(&account).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			account.Balance = account.Balance.Add(amount)
			if err := tx.Save(&account).Error; err != nil {
				return err
			}
		}

		return tx.Create(&types.Transaction{
			TransactionID: uuid.New().String(),
			UserID:        userID,
			Amount:        amount,
			Type:          types.TransactionDeposit,
			Status:        types.TransactionCompleted,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deposit: %w", err)
	}
	return &account, nil
}
