package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementResult describes the effect of a successfully settled order
type SettlementResult struct {
	OrderID          string          `json:"order_id"`
	UserID           string          `json:"user_id"`
	Symbol           string          `json:"symbol"`
	ActionType       ActionType      `json:"action_type"`
	Quantity         int64           `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	Amount           decimal.Decimal `json:"amount"`
	Balance          decimal.Decimal `json:"balance"`
	PositionQuantity int64           `json:"position_quantity"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	TransactionID    string          `json:"transaction_id"`
	ExecutedAt       time.Time       `json:"executed_at"`
}

// SchedulerStatus is returned by the scheduler control surface
type SchedulerStatus struct {
	Running    bool      `json:"running"`
	MarketOpen bool      `json:"market_open"`
	NextOpen   time.Time `json:"next_open"`
	NextClose  time.Time `json:"next_close"`
	OpenTime   string    `json:"open_time"`
	CloseTime  string    `json:"close_time"`
	Timezone   string    `json:"timezone"`
	LastSweep  time.Time `json:"last_sweep,omitempty"`
}

// PortfolioResponse is a user's balance and holdings
type PortfolioResponse struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Positions []Position      `json:"positions"`
}
