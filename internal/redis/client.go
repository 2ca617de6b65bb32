package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/roadwatch/dispatch-server-go/internal/config"
)

// ClientName identifies dispatch connections in CLIENT LIST.
const ClientName = "dispatch-server"

type Client struct {
	*redis.Client
}

// NewClient connects to redisURL and pings it within config.DBPingTimeout.
// poolSize should cover the dispatch fan-out, since every suppressed
// delivery issues its own command, plus the bridge's blocking stream read.
func NewClient(ctx context.Context, redisURL string, poolSize int) (*Client, error) {
	opts, err := clientOptions(redisURL, poolSize)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

// clientOptions parses redisURL. A pool_size given in the URL takes
// precedence over poolSize.
func clientOptions(redisURL string, poolSize int) (*redis.Options, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.PoolSize == 0 && poolSize > 0 {
		opts.PoolSize = poolSize
	}
	if opts.ClientName == "" {
		opts.ClientName = ClientName
	}
	return opts, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// StreamKey is the stream backing the ingestion bridge for topic.
func StreamKey(topic string) string {
	return fmt.Sprintf("bridge:%s", topic)
}

// DeliveryKey marks that key was delivered to userID.
func DeliveryKey(key string, userID int64) string {
	return fmt.Sprintf("delivered:%s:%d", key, userID)
}
