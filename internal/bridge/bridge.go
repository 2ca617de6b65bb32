// Package bridge consumes notification requests from an external publish
// channel and routes each one through the dispatcher's per-user path, so any
// producer can notify a user without knowing whether they are connected.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/metrics"
	"github.com/roadwatch/dispatch-server-go/internal/model"
)

var ErrSubscriptionLost = errors.New("subscription lost")

// Message is the envelope published on the channel.
type Message struct {
	UserID  int64         `json:"user_id"`
	Payload model.Content `json:"payload"`
}

func (m Message) Validate() (model.Content, error) {
	if m.UserID <= 0 {
		return model.Content{}, apperrors.MissingRequired("user_id")
	}
	return model.ParseContent(m.Payload.Title, m.Payload.Message, m.Payload.Type, m.Payload.Data)
}

// Delivery is one received message. Raw is kept so malformed payloads can be
// logged.
type Delivery struct {
	ID  string
	Raw []byte
}

type Subscription interface {
	// Next blocks until a message arrives. It returns ErrSubscriptionLost (or
	// a wrapped transport error) when the underlying channel is gone.
	Next(ctx context.Context) (Delivery, error)
	// Ack confirms a delivery has been handled. Backends without
	// acknowledgement treat it as a no-op.
	Ack(ctx context.Context, d Delivery) error
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// Deliverer is the per-user persist and push path.
type Deliverer interface {
	Deliver(ctx context.Context, userID int64, content model.Content) (*model.Notification, bool, error)
}

type Bridge struct {
	subscriber Subscriber
	deliverer  Deliverer
	topic      string
	maxBackoff time.Duration
	metrics    *metrics.Collector

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

func New(subscriber Subscriber, deliverer Deliverer, topic string, maxBackoff time.Duration, m *metrics.Collector) *Bridge {
	return &Bridge{
		subscriber: subscriber,
		deliverer:  deliverer,
		topic:      topic,
		maxBackoff: maxBackoff,
		metrics:    m,
	}
}

func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		b.Run(ctx)
	}()
	log.Info().Str("topic", b.topic).Msg("ingestion bridge started")
}

// Stop cancels the subscription loop and waits for it to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
	log.Info().Str("topic", b.topic).Msg("ingestion bridge stopped")
}

// Run subscribes and consumes until ctx is cancelled. A lost or failed
// subscription is retried with exponential backoff capped at maxBackoff.
func (b *Bridge) Run(ctx context.Context) {
	bo := b.newBackOff()

	for {
		sub, err := b.subscriber.Subscribe(ctx, b.topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			log.Warn().Err(err).Str("topic", b.topic).Dur("retryIn", wait).Msg("bridge subscribe failed")
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		bo.Reset()
		err = b.consume(ctx, sub)
		if closeErr := sub.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Msg("close bridge subscription")
		}
		if ctx.Err() != nil {
			return
		}

		b.metrics.BridgeResubscribe()
		wait := bo.NextBackOff()
		log.Warn().Err(err).Str("topic", b.topic).Dur("retryIn", wait).Msg("bridge subscription lost, resubscribing")
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (b *Bridge) consume(ctx context.Context, sub Subscription) error {
	log.Info().Str("topic", b.topic).Msg("bridge subscribed")

	for {
		d, err := sub.Next(ctx)
		if err != nil {
			return err
		}

		if !b.handle(ctx, d) {
			continue
		}
		if err := sub.Ack(ctx, d); err != nil {
			log.Warn().Err(err).Str("deliveryId", d.ID).Msg("failed to ack bridge message")
		}
	}
}

// handle reports whether the delivery is finished with and may be acked.
// Malformed messages are dropped; a persistence failure leaves the message
// unacked so a durable backend redelivers it once it has been idle long
// enough to be reclaimed.
func (b *Bridge) handle(ctx context.Context, d Delivery) bool {
	var msg Message
	if err := json.Unmarshal(d.Raw, &msg); err != nil {
		b.metrics.BridgeMessage("malformed")
		log.Error().Err(err).Str("deliveryId", d.ID).Msg("failed to unmarshal bridge message")
		return true
	}

	content, err := msg.Validate()
	if err != nil {
		b.metrics.BridgeMessage("invalid")
		log.Error().Err(err).Str("deliveryId", d.ID).Int64("userId", msg.UserID).Msg("rejected bridge message")
		return true
	}

	record, pushed, err := b.deliverer.Deliver(ctx, msg.UserID, content)
	if err != nil {
		b.metrics.BridgeMessage("failed")
		log.Error().Err(err).Str("deliveryId", d.ID).Int64("userId", msg.UserID).Msg("failed to deliver bridge message")
		return false
	}

	b.metrics.BridgeMessage("delivered")
	log.Debug().
		Str("deliveryId", d.ID).
		Int64("userId", msg.UserID).
		Str("notificationId", record.ID).
		Bool("pushed", pushed).
		Msg("bridge message delivered")
	return true
}

func (b *Bridge) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	if b.maxBackoff > 0 {
		bo.MaxInterval = b.maxBackoff
		if bo.InitialInterval > b.maxBackoff {
			bo.InitialInterval = b.maxBackoff
		}
	}
	bo.Reset()
	return bo
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
