package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ActionType is the direction of a queued order
type ActionType string

const (
	ActionBuy  ActionType = "buy"
	ActionSell ActionType = "sell"
)

// Valid reports whether a is a known action
func (a ActionType) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// OrderStatus is the lifecycle state of a queued order
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderExecuted OrderStatus = "executed"
	OrderFailed   OrderStatus = "failed"
)

// Transaction types and statuses recorded by settlement
const (
	TransactionStockPurchase = "stock_purchase"
	TransactionStockSale     = "stock_sale"
	TransactionDeposit       = "deposit"

	TransactionCompleted = "completed"
)

// QueuedOrder is a buy/sell instruction deferred until the market is open.
// ExecutedAt is set iff Status is executed. Orders are never deleted.
type QueuedOrder struct {
	gorm.Model    `json:"-"`
	OrderID       string          `gorm:"uniqueIndex" json:"order_id"`
	UserID        string          `gorm:"index" json:"user_id"`
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	ActionType    ActionType      `gorm:"type:varchar(8)" json:"action_type"`
	Status        OrderStatus     `gorm:"type:varchar(16);index" json:"status"`
	ScheduledAt   time.Time       `gorm:"index" json:"scheduled_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// Amount is price * quantity
func (o *QueuedOrder) Amount() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// Account holds a user's cash balance. Balance never goes negative.
type Account struct {
	UserID    string          `gorm:"primaryKey" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,8)" json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Position is a user's holding in one symbol. A position that reaches zero
// quantity is deleted, so rows are hard-deleted rather than soft-deleted.
type Position struct {
	ID           uint            `gorm:"primaryKey" json:"-"`
	UserID       string          `gorm:"uniqueIndex:idx_positions_user_symbol" json:"user_id"`
	Symbol       string          `gorm:"uniqueIndex:idx_positions_user_symbol" json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `gorm:"type:decimal(20,8)" json:"average_price"`
	CurrentPrice decimal.Decimal `gorm:"type:decimal(20,8)" json:"current_price"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Transaction is an immutable audit entry written on every settlement
type Transaction struct {
	ID            uint            `gorm:"primaryKey" json:"-"`
	TransactionID string          `gorm:"uniqueIndex" json:"transaction_id"`
	UserID        string          `gorm:"index" json:"user_id"`
	OrderID       string          `gorm:"index" json:"order_id,omitempty"`
	Symbol        string          `json:"symbol,omitempty"`
	Quantity      int64           `json:"quantity,omitempty"`
	Price         decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,8)" json:"amount"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}
