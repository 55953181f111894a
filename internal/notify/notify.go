// Package notify delivers settlement and market events to users. Delivery is
// fire-and-forget: callers log failures and never roll back on them.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Broadcast addresses every user
const Broadcast = "*"

// Event types carried in Notification.Type
const (
	TypeOrderExecuted = "order_executed"
	TypeOrderFailed   = "order_failed"
	TypeMarketOpen    = "market_open"
	TypeMarketClose   = "market_close"
)

// Notification is one message for a user or for everyone
type Notification struct {
	Recipient string                 `json:"recipient"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// IsBroadcast reports whether n is addressed to all users
func (n Notification) IsBroadcast() bool {
	return n.Recipient == Broadcast
}

// Notifier is the sink for outbound notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every sink and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to the application log
type Log struct{}

func (Log) Notify(_ context.Context, n Notification) error {
	log.Info().
		Str("component", "notifier").
		Str("recipient", n.Recipient).
		Str("type", n.Type).
		Str("title", n.Title).
		Msg(n.Message)
	return nil
}

// SendTimeout bounds a single delivery so an unreachable sink cannot stall
// the caller
var SendTimeout = 3 * time.Second

// Send stamps n and delivers it, logging instead of returning any error
func Send(ctx context.Context, notifier Notifier, n Notification) {
	if notifier == nil {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()

	if err := notifier.Notify(ctx, n); err != nil {
		log.Warn().
			Err(err).
			Str("component", "notifier").
			Str("recipient", n.Recipient).
			Str("type", n.Type).
			Msg("notification delivery failed")
	}
}
