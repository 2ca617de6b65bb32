package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Suppressor remembers recent keyed deliveries so a rescan does not notify
// the same user about the same event twice inside window.
type Suppressor struct {
	client *redis.Client
	window time.Duration
}

func NewSuppressor(client *redis.Client, window time.Duration) *Suppressor {
	return &Suppressor{client: client, window: window}
}

// Allow claims the (key, user) pair for the window. It returns false when the
// pair was already claimed.
func (s *Suppressor) Allow(ctx context.Context, key string, userID int64) (bool, error) {
	return s.client.SetNX(ctx, DeliveryKey(key, userID), time.Now().Unix(), s.window).Result()
}

// Release forgets the claim for the (key, user) pair.
func (s *Suppressor) Release(ctx context.Context, key string, userID int64) error {
	return s.client.Del(ctx, DeliveryKey(key, userID)).Err()
}
