package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/roadwatch/dispatch-server-go/internal/database"
)

const (
	listenerMinReconnect = 1 * time.Second
	listenerMaxReconnect = 30 * time.Second
)

// PostgresNotify backs the bridge with LISTEN/NOTIFY. Notifications sent
// while no listener is connected are lost; the stored record is still
// available to the user through the inbox.
type PostgresNotify struct {
	dsn string
	db  database.DBTX
}

func NewPostgresNotify(dsn string, db database.DBTX) *PostgresNotify {
	return &PostgresNotify{dsn: dsn, db: db}
}

func (p *PostgresNotify) Publish(ctx context.Context, topic string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bridge message: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, topic, string(data))
	return err
}

func (p *PostgresNotify) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	sub := &listenerSubscription{lost: make(chan error, 1)}
	sub.listener = pq.NewListener(p.dsn, listenerMinReconnect, listenerMaxReconnect, sub.onEvent)

	if err := sub.listener.Listen(topic); err != nil {
		sub.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", topic, err)
	}
	return sub, nil
}

type listenerSubscription struct {
	listener *pq.Listener
	lost     chan error
	seq      uint64
	once     sync.Once
}

// onEvent turns a dropped listener connection into a subscription loss so
// the bridge rebuilds it instead of silently missing notifications.
func (s *listenerSubscription) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		select {
		case s.lost <- err:
		default:
		}
	case pq.ListenerEventReconnected:
		log.Debug().Msg("postgres listener reconnected")
	}
}

func (s *listenerSubscription) Next(ctx context.Context) (Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case err := <-s.lost:
			return Delivery{}, fmt.Errorf("%w: %v", ErrSubscriptionLost, err)
		case n, ok := <-s.listener.Notify:
			if !ok {
				return Delivery{}, ErrSubscriptionLost
			}
			if n == nil {
				continue
			}
			s.seq++
			return Delivery{
				ID:  n.Channel + ":" + strconv.FormatUint(s.seq, 10),
				Raw: []byte(n.Extra),
			}, nil
		}
	}
}

func (s *listenerSubscription) Ack(ctx context.Context, d Delivery) error {
	return nil
}

func (s *listenerSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.listener.Close() })
	return err
}
