package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/roadwatch/dispatch-server-go/internal/redis"
)

const (
	streamField     = "message"
	streamBlock     = 5 * time.Second
	streamMaxLen    = 100000
	streamReadCount = 16

	DefaultClaimMinIdle  = time.Minute
	DefaultClaimInterval = 30 * time.Second
)

// RedisStreams backs the bridge with a Redis stream and consumer group.
// Entries stay pending until acked. A new subscription first drains this
// consumer's pending list; afterwards entries idle longer than claimMinIdle,
// from any consumer of the group, are reclaimed every claimInterval, so a
// failed delivery is retried and a departed consumer's backlog is adopted.
type RedisStreams struct {
	client        *redis.Client
	group         string
	consumer      string
	claimMinIdle  time.Duration
	claimInterval time.Duration
}

func NewRedisStreams(client *redis.Client, group, consumer string) *RedisStreams {
	return &RedisStreams{
		client:        client,
		group:         group,
		consumer:      consumer,
		claimMinIdle:  DefaultClaimMinIdle,
		claimInterval: DefaultClaimInterval,
	}
}

// WithReclaim overrides the idle threshold and period of pending-entry
// reclaiming. A non-positive interval disables it.
func (r *RedisStreams) WithReclaim(minIdle, interval time.Duration) *RedisStreams {
	r.claimMinIdle = minIdle
	r.claimInterval = interval
	return r
}

func (r *RedisStreams) Publish(ctx context.Context, topic string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bridge message: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisclient.StreamKey(topic),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{streamField: data},
	}).Err()
}

func (r *RedisStreams) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	stream := redisclient.StreamKey(topic)
	err := r.client.XGroupCreateMkStream(ctx, stream, r.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &streamSubscription{
		client:        r.client,
		stream:        stream,
		group:         r.group,
		consumer:      r.consumer,
		cursor:        "0",
		claimCursor:   "0-0",
		claimMinIdle:  r.claimMinIdle,
		claimInterval: r.claimInterval,
		lastClaim:     time.Now(),
	}, nil
}

type streamSubscription struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	// cursor pages through this consumer's pending entries, starting at "0",
	// and becomes ">" once the pending list is drained.
	cursor string
	buf    []redis.XMessage

	// claimCursor is "0-0" between reclaim sweeps and the XAUTOCLAIM
	// continuation id while a sweep is in progress.
	claimCursor   string
	claimMinIdle  time.Duration
	claimInterval time.Duration
	lastClaim     time.Time
}

func (s *streamSubscription) Next(ctx context.Context) (Delivery, error) {
	for len(s.buf) == 0 {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}

		if s.reclaimDue(time.Now()) {
			if err := s.reclaim(ctx); err != nil {
				return Delivery{}, s.lost(ctx, err)
			}
			if len(s.buf) > 0 {
				break
			}
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, s.cursor},
			Count:    streamReadCount,
			Block:    streamBlock,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Delivery{}, s.lost(ctx, err)
		}

		read := 0
		for _, st := range streams {
			s.buf = append(s.buf, st.Messages...)
			read += len(st.Messages)
		}
		if s.cursor != ">" {
			if read == 0 {
				s.cursor = ">"
			} else {
				s.cursor = s.buf[len(s.buf)-1].ID
			}
		}
	}

	msg := s.buf[0]
	s.buf = s.buf[1:]

	var raw []byte
	switch v := msg.Values[streamField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	}
	return Delivery{ID: msg.ID, Raw: raw}, nil
}

func (s *streamSubscription) reclaimDue(now time.Time) bool {
	if s.claimInterval <= 0 {
		return false
	}
	return s.claimCursor != "0-0" || now.Sub(s.lastClaim) >= s.claimInterval
}

// reclaim claims one page of entries idle longer than claimMinIdle onto this
// consumer. A sweep spans several calls until XAUTOCLAIM wraps to "0-0".
func (s *streamSubscription) reclaim(ctx context.Context) error {
	msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.claimMinIdle,
		Start:    s.claimCursor,
		Count:    streamReadCount,
	}).Result()
	if err != nil {
		return err
	}

	s.buf = append(s.buf, msgs...)
	s.claimCursor = next
	if next == "0-0" {
		s.lastClaim = time.Now()
	}
	return nil
}

func (s *streamSubscription) lost(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrSubscriptionLost, err)
}

func (s *streamSubscription) Ack(ctx context.Context, d Delivery) error {
	return s.client.XAck(ctx, s.stream, s.group, d.ID).Err()
}

func (s *streamSubscription) Close() error {
	return nil
}
