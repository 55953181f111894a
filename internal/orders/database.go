package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-queue/internal/types"
)

var (
	// ErrTransitionConflict is returned when an order is no longer pending.
	// Another scheduler instance or an earlier tick already handled it.
	ErrTransitionConflict = errors.New("order is no longer pending")
	ErrOrderNotFound      = errors.New("order not found")
)

// Store is the durable queue consumed by the scheduler and settlement executor
type Store interface {
	Enqueue(ctx context.Context, order *types.QueuedOrder) error
	FindDue(ctx context.Context, now time.Time) ([]types.QueuedOrder, error)
	MarkExecuted(ctx context.Context, orderID string, executedAt time.Time) error
	MarkFailed(ctx context.Context, orderID string, reason string) error
}

var _ Store = (*Database)(nil)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Enqueue(ctx context.Context, order *types.QueuedOrder) error {
	if order == nil {
		return errors.New("order cannot be nil")
	}
	order.ScheduledAt = order.ScheduledAt.UTC()
	return d.db.WithContext(ctx).Create(order).Error
}

// FindDue returns pending orders scheduled at or before now, oldest first.
// Schedule times are stored in UTC so they compare correctly on every driver.
func (d *Database) FindDue(ctx context.Context, now time.Time) ([]types.QueuedOrder, error) {
	var due []types.QueuedOrder
	err := d.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", types.OrderPending, now.UTC()).
		Order("scheduled_at ASC").
		Order("id ASC").
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due orders: %w", err)
	}
	return due, nil
}

func (d *Database) MarkExecuted(ctx context.Context, orderID string, executedAt time.Time) error {
	return MarkExecutedTx(d.db.WithContext(ctx), orderID, executedAt)
}

func (d *Database) MarkFailed(ctx context.Context, orderID string, reason string) error {
	return MarkFailedTx(d.db.WithContext(ctx), orderID, reason)
}

// MarkExecutedTx moves an order from pending to executed using tx, so the
// transition can commit together with the settlement that caused it.
func MarkExecutedTx(tx *gorm.DB, orderID string, executedAt time.Time) error {
	return transition(tx, orderID, map[string]interface{}{
		"status":      types.OrderExecuted,
		"executed_at": executedAt,
		"updated_at":  time.Now(),
	})
}

// MarkFailedTx moves an order from pending to failed using tx
func MarkFailedTx(tx *gorm.DB, orderID string, reason string) error {
	return transition(tx, orderID, map[string]interface{}{
		"status":         types.OrderFailed,
		"failure_reason": reason,
		"updated_at":     time.Now(),
	})
}

// transition is a compare-and-swap on status: only pending rows are updated
func transition(tx *gorm.DB, orderID string, updates map[string]interface{}) error {
	result := tx.Model(&types.QueuedOrder{}).
		Where("order_id = ? AND status = ?", orderID, types.OrderPending).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTransitionConflict
	}

	return nil
}

func (d *Database) GetOrder(ctx context.Context, orderID string) (*types.QueuedOrder, error) {
	var order types.QueuedOrder
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetUserOrder(ctx context.Context, orderID, userID string) (*types.QueuedOrder, error) {
	var order types.QueuedOrder
	if err := d.db.WithContext(ctx).Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// ListUserOrders returns a user's orders, newest first, optionally filtered by status
func (d *Database) ListUserOrders(ctx context.Context, userID string, status types.OrderStatus) ([]types.QueuedOrder, error) {
	query := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var list []types.QueuedOrder
	if err := query.Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// EnqueueWithIdempotency creates a new order and idempotency record in a transaction
func (d *Database) EnqueueWithIdempotency(ctx context.Context, order *types.QueuedOrder, idempotencyKey string) error {
	// Begin transaction
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	order.ScheduledAt = order.ScheduledAt.UTC()
	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	// Expired keys may be reused
	if err := tx.Unscoped().
		Where("idempotency_key = ? AND expires_at <= ?", idempotencyKey, time.Now().UTC()).
		Delete(&IdempotencyRecord{}).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.OrderID,
		ResourceType:   "queued_order",
		ExpiresAt:      time.Now().UTC().Add(24 * time.Hour),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord retrieves the idempotency record for key that is
// still valid at now. It returns nil when none exists.
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, now.UTC()).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
