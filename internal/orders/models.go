package orders

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-queue/internal/types"
)

// PlaceOrderRequest is the intake payload for a queued order
type PlaceOrderRequest struct {
	Symbol      string           `json:"symbol" binding:"required"`
	Quantity    int64            `json:"quantity" binding:"required"`
	Price       decimal.Decimal  `json:"price"`
	ActionType  types.ActionType `json:"action_type" binding:"required"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
