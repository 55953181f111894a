package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes notifications on pub/sub channels: one per user plus a
// shared broadcast channel, for the chat/UI layer to fan out to sockets.
type Redis struct {
	client publisher
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "notifications:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel for a recipient
func (r *Redis) Channel(recipient string) string {
	if recipient == Broadcast {
		return r.prefix + "broadcast"
	}
	return fmt.Sprintf("%suser:%s", r.prefix, recipient)
}

func (r *Redis) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return r.client.Publish(ctx, r.Channel(n.Recipient), payload).Err()
}
