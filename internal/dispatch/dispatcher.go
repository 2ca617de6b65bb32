// Package dispatch computes which users an event affects, persists a
// notification record for each of them and pushes it to live sessions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/geo"
	"github.com/roadwatch/dispatch-server-go/internal/location"
	"github.com/roadwatch/dispatch-server-go/internal/metrics"
	"github.com/roadwatch/dispatch-server-go/internal/model"
	"github.com/roadwatch/dispatch-server-go/internal/registry"
)

const defaultConcurrency = 8

type NotificationStore interface {
	Create(ctx context.Context, params model.CreateNotificationParams) (*model.Notification, error)
}

type Pusher interface {
	Push(userID int64, msg registry.Message) error
}

type LocationSource interface {
	Snapshot() []location.Sample
}

// Suppressor decides whether a keyed delivery to a user should go ahead.
// Allow returns false when the same key was delivered recently. Release
// drops a claim whose delivery was not persisted.
type Suppressor interface {
	Allow(ctx context.Context, key string, userID int64) (bool, error)
	Release(ctx context.Context, key string, userID int64) error
}

// Event is a location-scoped notification trigger.
type Event struct {
	Origin   geo.Point
	RadiusKm float64
	Content  model.Content
	// DedupKey enables suppression when a Suppressor is configured.
	DedupKey string
}

type Failure struct {
	UserID int64  `json:"userId"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

type Result struct {
	Affected   []int64   `json:"affected"`
	Persisted  []int64   `json:"persisted"`
	Pushed     []int64   `json:"pushed"`
	Suppressed []int64   `json:"suppressed,omitempty"`
	Failed     []Failure `json:"failed,omitempty"`
	mu         sync.Mutex
}

func (r *Result) FailedUserIDs() []int64 {
	ids := make([]int64, 0, len(r.Failed))
	for _, f := range r.Failed {
		ids = append(ids, f.UserID)
	}
	return ids
}

// Err returns a PERSISTENCE_FAILED AppError naming the failed users, or nil.
func (r *Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	causes := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		causes = append(causes, fmt.Errorf("user %d: %w", f.UserID, f.Err))
	}
	return apperrors.PersistenceFailed(r.FailedUserIDs()).WithCause(errors.Join(causes...))
}

func (r *Result) record(fn func(r *Result)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

func (r *Result) sortIDs() {
	for _, ids := range [][]int64{r.Affected, r.Persisted, r.Pushed, r.Suppressed} {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].UserID < r.Failed[j].UserID })
}

type Dispatcher struct {
	store       NotificationStore
	pusher      Pusher
	locations   LocationSource
	suppressor  Suppressor
	metrics     *metrics.Collector
	concurrency int
}

type Option func(*Dispatcher)

func WithSuppressor(s Suppressor) Option {
	return func(d *Dispatcher) { d.suppressor = s }
}

func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func New(store NotificationStore, pusher Pusher, locations LocationSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		pusher:      pusher,
		locations:   locations,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AffectedUsers returns the users whose cached location lies within the
// event radius of its origin, boundary included.
func (d *Dispatcher) AffectedUsers(ev Event) []int64 {
	var ids []int64
	for _, s := range d.locations.Snapshot() {
		if geo.Within(ev.Origin, s.Point, ev.RadiusKm) {
			ids = append(ids, s.UserID)
		}
	}
	return ids
}

// DispatchByProximity notifies every user currently inside the event radius.
// A persistence failure for one user does not stop the others; the returned
// error names the failed users and the Result is always populated.
func (d *Dispatcher) DispatchByProximity(ctx context.Context, ev Event) (*Result, error) {
	if ev.RadiusKm < 0 {
		return nil, apperrors.InvalidInput("radius_km", "must not be negative")
	}

	affected := d.AffectedUsers(ev)
	result := d.fanOut(ctx, affected, ev.Content, ev.DedupKey)

	log.Info().
		Float64("originLat", ev.Origin.Latitude).
		Float64("originLon", ev.Origin.Longitude).
		Float64("radiusKm", ev.RadiusKm).
		Str("type", string(ev.Content.Type)).
		Int("affected", len(result.Affected)).
		Int("persisted", len(result.Persisted)).
		Int("pushed", len(result.Pushed)).
		Int("failed", len(result.Failed)).
		Msg("proximity dispatch completed")

	return result, result.Err()
}

// DispatchToUsers runs the persist and push path for an explicit recipient
// list. Recipient selection is the caller's responsibility.
func (d *Dispatcher) DispatchToUsers(ctx context.Context, userIDs []int64, content model.Content) (*Result, error) {
	result := d.fanOut(ctx, dedupe(userIDs), content, "")

	log.Info().
		Str("type", string(content.Type)).
		Int("recipients", len(result.Affected)).
		Int("persisted", len(result.Persisted)).
		Int("pushed", len(result.Pushed)).
		Int("failed", len(result.Failed)).
		Msg("directed dispatch completed")

	return result, result.Err()
}

// Deliver persists one notification for userID and pushes it if the user is
// connected. The returned bool reports whether a live push was queued.
func (d *Dispatcher) Deliver(ctx context.Context, userID int64, content model.Content) (*model.Notification, bool, error) {
	record, err := d.store.Create(ctx, content.ForUser(userID))
	if err != nil {
		d.metrics.NotificationFailed()
		return nil, false, fmt.Errorf("persist notification: %w", err)
	}
	d.metrics.NotificationPersisted(string(content.Type))

	err = d.pusher.Push(userID, registry.Message{
		Event: registry.EventNewNotification,
		Data:  record.PushData(),
	})
	switch {
	case err == nil:
		d.metrics.NotificationPushed()
		return record, true, nil
	case errors.Is(err, registry.ErrNoSession):
		d.metrics.DeliveryMiss()
		log.Debug().Int64("userId", userID).Str("notificationId", record.ID).Msg("user not connected, notification stored only")
	default:
		d.metrics.DeliveryMiss()
		log.Warn().Err(err).Int64("userId", userID).Str("notificationId", record.ID).Msg("live push failed, notification stored only")
	}
	return record, false, nil
}

func (d *Dispatcher) fanOut(ctx context.Context, userIDs []int64, content model.Content, dedupKey string) *Result {
	result := &Result{
		Affected:  append([]int64{}, userIDs...),
		Persisted: []int64{},
		Pushed:    []int64{},
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for _, id := range userIDs {
		g.Go(func() error {
			if !d.allowed(ctx, dedupKey, id) {
				result.record(func(r *Result) { r.Suppressed = append(r.Suppressed, id) })
				return nil
			}

			_, pushed, err := d.Deliver(ctx, id, content)
			if err != nil {
				log.Error().Err(err).Int64("userId", id).Msg("failed to persist notification")
				d.release(ctx, dedupKey, id)
				result.record(func(r *Result) { r.Failed = append(r.Failed, Failure{UserID: id, Reason: err.Error(), Err: err}) })
				return nil
			}
			result.record(func(r *Result) {
				r.Persisted = append(r.Persisted, id)
				if pushed {
					r.Pushed = append(r.Pushed, id)
				}
			})
			return nil
		})
	}
	_ = g.Wait()

	result.sortIDs()
	return result
}

func (d *Dispatcher) allowed(ctx context.Context, key string, userID int64) bool {
	if d.suppressor == nil || key == "" {
		return true
	}
	ok, err := d.suppressor.Allow(ctx, key, userID)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Int64("userId", userID).Msg("suppression check failed, delivering anyway")
		return true
	}
	return ok
}

// release frees the suppression claim so the next scan retries the user.
func (d *Dispatcher) release(ctx context.Context, key string, userID int64) {
	if d.suppressor == nil || key == "" {
		return
	}
	if err := d.suppressor.Release(ctx, key, userID); err != nil {
		log.Warn().Err(err).Str("key", key).Int64("userId", userID).Msg("failed to release suppression claim")
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
