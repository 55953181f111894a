package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-queue/internal/notify"
	"github.com/ksred/klear-queue/internal/orders"
	"github.com/ksred/klear-queue/internal/types"
)

const defaultTimeout = 10 * time.Second

// Executor settles one queued order against its reference price
type Executor struct {
	db       *gorm.DB
	store    orders.Store
	notifier notify.Notifier
	timeout  time.Duration
	now      func() time.Time
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithTimeout bounds each settlement transaction. Exceeding it is a storage failure.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock overrides the time source used for executed_at
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

func NewExecutor(db *gorm.DB, store orders.Store, notifier notify.Notifier, opts ...ExecutorOption) *Executor {
	e := &Executor{
		db:       db,
		store:    store,
		notifier: notifier,
		timeout:  defaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settle applies order to the user's balance and position in one transaction.
//
// The pending->executed transition commits in the same transaction, so a
// settlement is durable iff the order is executed. Any business or storage
// failure rolls everything back and moves the order to failed.
// orders.ErrTransitionConflict means someone else already handled the order;
// nothing is changed and the caller should skip it.
func (e *Executor) Settle(ctx context.Context, order types.QueuedOrder) (*types.SettlementResult, error) {
	logger := log.With().
		Str("component", "settlement_executor").
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("symbol", order.Symbol).
		Str("action", string(order.ActionType)).
		Int64("quantity", order.Quantity).
		Str("price", order.Price.String()).
		Logger()

	start := time.Now()
	executedAt := e.now()

	txCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var result *types.SettlementResult
	err := e.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		// Claim the order first so a concurrent settler blocks on the row
		// and then sees it is no longer pending.
		if err := orders.MarkExecutedTx(tx, order.OrderID, executedAt); err != nil {
			if errors.Is(err, orders.ErrTransitionConflict) {
				return err
			}
			return &StorageError{Op: "claim order", Err: err}
		}

		var err error
		switch order.ActionType {
		case types.ActionBuy:
			result, err = settleBuy(tx, order)
		case types.ActionSell:
			result, err = settleSell(tx, order)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownAction, order.ActionType)
		}
		return err
	})

	if err == nil {
		result.ExecutedAt = executedAt
		settlementsTotal.WithLabelValues(string(order.ActionType), "executed").Inc()
		settlementDuration.Observe(time.Since(start).Seconds())

		logger.Info().
			Str("balance", result.Balance.String()).
			Int64("position_quantity", result.PositionQuantity).
			Str("transaction_id", result.TransactionID).
			Msg("order settled")

		notify.Send(ctx, e.notifier, executedNotification(order, result))
		return result, nil
	}

	if errors.Is(err, orders.ErrTransitionConflict) {
		settlementsTotal.WithLabelValues(string(order.ActionType), "conflict").Inc()
		logger.Debug().Msg("order already transitioned, skipping")
		return nil, err
	}

	err = classify(txCtx, err)
	e.fail(ctx, logger, order, err)
	return nil, err
}

// classify wraps anything that is not a business-rule failure as a StorageError
func classify(txCtx context.Context, err error) error {
	if IsBusinessError(err) {
		return err
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	if errors.Is(txCtx.Err(), context.DeadlineExceeded) {
		return &StorageError{Op: "settlement timeout", Err: err}
	}
	return &StorageError{Op: "transaction", Err: err}
}

func (e *Executor) fail(ctx context.Context, logger zerolog.Logger, order types.QueuedOrder, cause error) {
	kind := "storage"
	if IsBusinessError(cause) {
		kind = "business"
	}
	settlementsTotal.WithLabelValues(string(order.ActionType), "failed_"+kind).Inc()

	if kind == "business" {
		logger.Warn().Err(cause).Msg("order rejected at settlement")
	} else {
		// Full order context is logged for manual replay
		logger.Error().
			Err(cause).
			Time("scheduled_at", order.ScheduledAt).
			Msg("settlement storage failure")
	}

	if err := e.store.MarkFailed(ctx, order.OrderID, reason(cause)); err != nil {
		if errors.Is(err, orders.ErrTransitionConflict) {
			logger.Debug().Msg("order already transitioned, not marking failed")
			return
		}
		logger.Error().Err(err).Msg("failed to mark order as failed")
		return
	}

	notify.Send(ctx, e.notifier, failedNotification(order, cause))
}

func settleBuy(tx *gorm.DB, order types.QueuedOrder) (*types.SettlementResult, error) {
	account, err := lockAccount(tx, order.UserID)
	if err != nil {
		return nil, err
	}

	total := order.Amount()
	if account.Balance.LessThan(total) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, total, account.Balance)
	}

	position, err := lockPosition(tx, order.UserID, order.Symbol)
	if err != nil {
		return nil, err
	}

	account.Balance = account.Balance.Sub(total)
	if err := tx.Save(account).Error; err != nil {
		return nil, &StorageError{Op: "update balance", Err: err}
	}

	if position == nil {
		position = &types.Position{
			UserID:       order.UserID,
			Symbol:       order.Symbol,
			Quantity:     order.Quantity,
			AveragePrice: order.Price,
			CurrentPrice: order.Price,
		}
		if err := tx.Create(position).Error; err != nil {
			return nil, &StorageError{Op: "create position", Err: err}
		}
	} else {
		position.AveragePrice = WeightedAverage(position.Quantity, position.AveragePrice, order.Quantity, order.Price)
		position.Quantity += order.Quantity
		position.CurrentPrice = order.Price
		if err := tx.Save(position).Error; err != nil {
			return nil, &StorageError{Op: "update position", Err: err}
		}
	}

	txn, err := appendTransaction(tx, order, total, types.TransactionStockPurchase)
	if err != nil {
		return nil, err
	}

	return &types.SettlementResult{
		OrderID:          order.OrderID,
		UserID:           order.UserID,
		Symbol:           order.Symbol,
		ActionType:       order.ActionType,
		Quantity:         order.Quantity,
		Price:            order.Price,
		Amount:           total,
		Balance:          account.Balance,
		PositionQuantity: position.Quantity,
		AveragePrice:     position.AveragePrice,
		TransactionID:    txn.TransactionID,
	}, nil
}

func settleSell(tx *gorm.DB, order types.QueuedOrder) (*types.SettlementResult, error) {
	account, err := lockAccount(tx, order.UserID)
	if errors.Is(err, ErrAccountNotFound) {
		// A user without an account holds nothing to sell
		if position, perr := lockPosition(tx, order.UserID, order.Symbol); perr == nil && position == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoPosition, order.Symbol)
		}
	}
	if err != nil {
		return nil, err
	}

	position, err := lockPosition(tx, order.UserID, order.Symbol)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, order.Symbol)
	}
	if position.Quantity < order.Quantity {
		return nil, fmt.Errorf("%w: need %d, hold %d", ErrInsufficientShares, order.Quantity, position.Quantity)
	}

	proceeds := order.Amount()
	account.Balance = account.Balance.Add(proceeds)
	if err := tx.Save(account).Error; err != nil {
		return nil, &StorageError{Op: "update balance", Err: err}
	}

	avg := position.AveragePrice
	remaining := position.Quantity - order.Quantity
	if remaining == 0 {
		// Hard delete: no residual zero-quantity rows
		if err := tx.Delete(position).Error; err != nil {
			return nil, &StorageError{Op: "delete position", Err: err}
		}
	} else {
		position.Quantity = remaining
		position.CurrentPrice = order.Price
		if err := tx.Save(position).Error; err != nil {
			return nil, &StorageError{Op: "update position", Err: err}
		}
	}

	txn, err := appendTransaction(tx, order, proceeds, types.TransactionStockSale)
	if err != nil {
		return nil, err
	}

	return &types.SettlementResult{
		OrderID:          order.OrderID,
		UserID:           order.UserID,
		Symbol:           order.Symbol,
		ActionType:       order.ActionType,
		Quantity:         order.Quantity,
		Price:            order.Price,
		Amount:           proceeds,
		Balance:          account.Balance,
		PositionQuantity: remaining,
		AveragePrice:     avg,
		TransactionID:    txn.TransactionID,
	}, nil
}

func appendTransaction(tx *gorm.DB, order types.QueuedOrder, amount decimal.Decimal, kind string) (*types.Transaction, error) {
	txn := &types.Transaction{
		TransactionID: uuid.New().String(),
		UserID:        order.UserID,
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		Quantity:      order.Quantity,
		Price:         order.Price,
		Amount:        amount,
		Type:          kind,
		Status:        types.TransactionCompleted,
	}
	if err := tx.Create(txn).Error; err != nil {
		return nil, &StorageError{Op: "append transaction", Err: err}
	}
	return txn, nil
}

// WeightedAverage returns the cost basis after adding qty shares at price to
// a holding of oldQty shares at oldAvg.
func WeightedAverage(oldQty int64, oldAvg decimal.Decimal, qty int64, price decimal.Decimal) decimal.Decimal {
	total := oldQty + qty
	if total == 0 {
		return decimal.Zero
	}
	cost := oldAvg.Mul(decimal.NewFromInt(oldQty)).Add(price.Mul(decimal.NewFromInt(qty)))
	return cost.DivRound(decimal.NewFromInt(total), 8)
}

func executedNotification(order types.QueuedOrder, result *types.SettlementResult) notify.Notification {
	verb := "Bought"
	if order.ActionType == types.ActionSell {
		verb = "Sold"
	}
	return notify.Notification{
		Recipient: order.UserID,
		Type:      notify.TypeOrderExecuted,
		Title:     "Order executed",
		Message: fmt.Sprintf("%s %d %s @ %s. Balance: %s",
			verb, order.Quantity, order.Symbol, order.Price.StringFixed(2), result.Balance.StringFixed(2)),
		Metadata: map[string]interface{}{
			"order_id":       order.OrderID,
			"symbol":         order.Symbol,
			"action_type":    string(order.ActionType),
			"quantity":       order.Quantity,
			"price":          order.Price.String(),
			"balance":        result.Balance.String(),
			"transaction_id": result.TransactionID,
		},
	}
}

func failedNotification(order types.QueuedOrder, cause error) notify.Notification {
	return notify.Notification{
		Recipient: order.UserID,
		Type:      notify.TypeOrderFailed,
		Title:     "Order failed",
		Message: fmt.Sprintf("Your order to %s %d %s @ %s could not be executed: %s. Please place a new order.",
			order.ActionType, order.Quantity, order.Symbol, order.Price.StringFixed(2), reason(cause)),
		Metadata: map[string]interface{}{
			"order_id":    order.OrderID,
			"symbol":      order.Symbol,
			"action_type": string(order.ActionType),
			"quantity":    order.Quantity,
			"price":       order.Price.String(),
		},
	}
}
