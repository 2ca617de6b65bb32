package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/geo"
	"github.com/roadwatch/dispatch-server-go/internal/location"
	"github.com/roadwatch/dispatch-server-go/internal/model"
	"github.com/roadwatch/dispatch-server-go/internal/registry"
)

type fakeStore struct {
	mu      sync.Mutex
	records []model.CreateNotificationParams
	failFor map[int64]bool
}

func (s *fakeStore) Create(ctx context.Context, params model.CreateNotificationParams) (*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[params.UserID] {
		return nil, errors.New("insert failed")
	}
	s.records = append(s.records, params)
	return &model.Notification{
		ID:        fmt.Sprintf("n-%d-%d", params.UserID, len(s.records)),
		UserID:    params.UserID,
		Title:     params.Title,
		Message:   params.Message,
		Type:      params.Type,
		Data:      params.Data,
		CreatedAt: time.Now(),
	}, nil
}

func (s *fakeStore) countFor(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.UserID == userID {
			n++
		}
	}
	return n
}

type fakePusher struct {
	mu        sync.Mutex
	connected map[int64]bool
	pushed    map[int64][]registry.Message
}

func newFakePusher(connected ...int64) *fakePusher {
	p := &fakePusher{connected: map[int64]bool{}, pushed: map[int64][]registry.Message{}}
	for _, id := range connected {
		p.connected[id] = true
	}
	return p
}

func (p *fakePusher) Push(userID int64, msg registry.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected[userID] {
		return registry.ErrNoSession
	}
	p.pushed[userID] = append(p.pushed[userID], msg)
	return nil
}

func (p *fakePusher) count(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed[userID])
}

type fakeSuppressor struct {
	seen map[string]bool
	mu   sync.Mutex
}

func (s *fakeSuppressor) Allow(ctx context.Context, key string, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fmt.Sprintf("%s:%d", key, userID)
	if s.seen[k] {
		return false, nil
	}
	s.seen[k] = true
	return true, nil
}

func (s *fakeSuppressor) Release(ctx context.Context, key string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, fmt.Sprintf("%s:%d", key, userID))
	return nil
}

var origin = geo.Point{Latitude: 3.8480, Longitude: 11.5021}

// north returns the point distanceKm due north of origin.
func north(distanceKm float64) geo.Point {
	return geo.Point{
		Latitude:  origin.Latitude + distanceKm/geo.EarthRadiusKm*180/math.Pi,
		Longitude: origin.Longitude,
	}
}

func hazardContent(t *testing.T) model.Content {
	t.Helper()
	c, err := model.NewContent("Road closed", "Bridge out ahead", model.HazardPayload{
		HazardID: 7, Latitude: origin.Latitude, Longitude: origin.Longitude,
		RadiusKm: 10, Severity: model.SeverityHigh,
	})
	require.NoError(t, err)
	return c
}

func newCache(points map[int64]geo.Point) *location.Cache {
	c := location.NewCache()
	for id, p := range points {
		c.Update(id, p.Latitude, p.Longitude)
	}
	return c
}

func TestDispatcher_DispatchByProximity(t *testing.T) {
	ctx := context.Background()

	t.Run("selects users within radius", func(t *testing.T) {
		cache := newCache(map[int64]geo.Point{
			1: north(2),
			2: north(9.9),
			3: north(15),
		})
		store := &fakeStore{}
		pusher := newFakePusher(1, 2, 3)
		d := New(store, pusher, cache)

		result, err := d.DispatchByProximity(ctx, Event{Origin: origin, RadiusKm: 10, Content: hazardContent(t)})

		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, result.Affected)
		assert.Equal(t, []int64{1, 2}, result.Persisted)
		assert.Equal(t, []int64{1, 2}, result.Pushed)
		assert.Equal(t, 1, store.countFor(1))
		assert.Equal(t, 1, store.countFor(2))
		assert.Equal(t, 0, store.countFor(3))
		assert.Equal(t, 1, pusher.count(1))
		assert.Equal(t, 0, pusher.count(3))
	})

	t.Run("push frame carries the record", func(t *testing.T) {
		cache := newCache(map[int64]geo.Point{1: north(1)})
		pusher := newFakePusher(1)
		d := New(&fakeStore{}, pusher, cache)

		_, err := d.DispatchByProximity(ctx, Event{Origin: origin, RadiusKm: 10, Content: hazardContent(t)})
		require.NoError(t, err)

		msg := pusher.pushed[1][0]
		assert.Equal(t, registry.EventNewNotification, msg.Event)
		data := msg.Data.(map[string]any)
		assert.Equal(t, "Road closed", data["title"])
		assert.Equal(t, model.NotificationTypeHazard, data["type"])
		assert.Contains(t, data, "created_at")
	})

	t.Run("disconnected users are stored but not pushed", func(t *testing.T) {
		cache := newCache(map[int64]geo.Point{1: north(1), 2: north(1)})
		store := &fakeStore{}
		pusher := newFakePusher(1)
		d := New(store, pusher, cache)

		result, err := d.DispatchByProximity(ctx, Event{Origin: origin, RadiusKm: 10, Content: hazardContent(t)})

		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, result.Persisted)
		assert.Equal(t, []int64{1}, result.Pushed)
		assert.Equal(t, 1, store.countFor(2))
	})

	t.Run("one persistence failure does not block the others", func(t *testing.T) {
		cache := newCache(map[int64]geo.Point{1: north(1), 2: north(3), 3: north(5)})
		store := &fakeStore{failFor: map[int64]bool{2: true}}
		pusher := newFakePusher(1, 2, 3)
		d := New(store, pusher, cache)

		result, err := d.DispatchByProximity(ctx, Event{Origin: origin, RadiusKm: 10, Content: hazardContent(t)})

		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodePersistenceFailed, apperrors.GetCode(err))
		assert.Equal(t, []int64{2}, result.FailedUserIDs())
		assert.Equal(t, []int64{1, 3}, result.Persisted)
		assert.Equal(t, []int64{1, 3}, result.Pushed)
		assert.Equal(t, 0, pusher.count(2))
	})

	t.Run("boundary distance is included", func(t *testing.T) {
		p := north(10)
		cache := newCache(map[int64]geo.Point{1: p})
		d := New(&fakeStore{}, newFakePusher(), cache)

		affected := d.AffectedUsers(Event{Origin: origin, RadiusKm: geo.DistanceKm(origin, p)})
		assert.Equal(t, []int64{1}, affected)
	})

	t.Run("removed users are never scanned", func(t *testing.T) {
		cache := newCache(map[int64]geo.Point{1: north(1), 2: north(1)})
		cache.Remove(2)
		d := New(&fakeStore{}, newFakePusher(), cache)

		result, err := d.DispatchByProximity(ctx, Event{Origin: origin, RadiusKm: 10, Content: hazardContent(t)})
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, result.Affected)
	})

	t.Run("negative radius is rejected", func(t *testing.T) {
		d := New(&fakeStore{}, newFakePusher(), location.NewCache())
		_, err := d.DispatchByProximity(ctx, Event{Origin: origin, RadiusKm: -1})
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	})

	t.Run("suppression skips repeat deliveries", func(t *testing.T) {
		cache := newCache(map[int64]geo.Point{1: north(1)})
		store := &fakeStore{}
		d := New(store, newFakePusher(1), cache, WithSuppressor(&fakeSuppressor{seen: map[string]bool{}}))
		ev := Event{Origin: origin, RadiusKm: 10, Content: hazardContent(t), DedupKey: "hazard:7"}

		_, err := d.DispatchByProximity(ctx, ev)
		require.NoError(t, err)
		result, err := d.DispatchByProximity(ctx, ev)
		require.NoError(t, err)

		assert.Equal(t, []int64{1}, result.Suppressed)
		assert.Empty(t, result.Persisted)
		assert.Equal(t, 1, store.countFor(1))
	})

	t.Run("failed persistence does not suppress the next scan", func(t *testing.T) {
		cache := newCache(map[int64]geo.Point{1: north(1)})
		store := &fakeStore{failFor: map[int64]bool{1: true}}
		d := New(store, newFakePusher(1), cache, WithSuppressor(&fakeSuppressor{seen: map[string]bool{}}))
		ev := Event{Origin: origin, RadiusKm: 10, Content: hazardContent(t), DedupKey: "hazard:7"}

		first, err := d.DispatchByProximity(ctx, ev)
		require.Error(t, err)
		assert.Equal(t, []int64{1}, first.FailedUserIDs())

		store.mu.Lock()
		store.failFor = nil
		store.mu.Unlock()

		second, err := d.DispatchByProximity(ctx, ev)
		require.NoError(t, err)
		assert.Empty(t, second.Suppressed)
		assert.Equal(t, []int64{1}, second.Persisted)
		assert.Equal(t, 1, store.countFor(1))

		third, err := d.DispatchByProximity(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, third.Suppressed)
	})

	t.Run("without suppressor repeated scans duplicate", func(t *testing.T) {
		cache := newCache(map[int64]geo.Point{1: north(1)})
		store := &fakeStore{}
		d := New(store, newFakePusher(1), cache)
		ev := Event{Origin: origin, RadiusKm: 10, Content: hazardContent(t), DedupKey: "hazard:7"}

		for i := 0; i < 3; i++ {
			_, err := d.DispatchByProximity(ctx, ev)
			require.NoError(t, err)
		}
		assert.Equal(t, 3, store.countFor(1))
	})
}

func TestDispatcher_DispatchToUsers(t *testing.T) {
	ctx := context.Background()
	content, err := model.NewContent("Report approved", "A new report is live", model.ReportApprovedPayload{ReportID: 11})
	require.NoError(t, err)

	t.Run("skips geospatial filter", func(t *testing.T) {
		store := &fakeStore{}
		pusher := newFakePusher(5)
		d := New(store, pusher, location.NewCache(), WithConcurrency(2))

		result, err := d.DispatchToUsers(ctx, []int64{5, 6, 5}, content)

		require.NoError(t, err)
		assert.Equal(t, []int64{5, 6}, result.Persisted)
		assert.Equal(t, []int64{5}, result.Pushed)
		assert.Equal(t, 1, store.countFor(5))
	})

	t.Run("reports failed users", func(t *testing.T) {
		store := &fakeStore{failFor: map[int64]bool{6: true}}
		d := New(store, newFakePusher(), location.NewCache())

		result, err := d.DispatchToUsers(ctx, []int64{5, 6}, content)

		require.Error(t, err)
		assert.Equal(t, []int64{6}, result.FailedUserIDs())
		assert.Contains(t, result.Failed[0].Reason, "insert failed")
	})

	t.Run("empty recipient list", func(t *testing.T) {
		d := New(&fakeStore{}, newFakePusher(), location.NewCache())
		result, err := d.DispatchToUsers(ctx, nil, content)
		require.NoError(t, err)
		assert.Empty(t, result.Affected)
	})
}

func TestDispatcher_Deliver(t *testing.T) {
	ctx := context.Background()
	content, err := model.NewContent("Hello", "", model.SystemPayload{})
	require.NoError(t, err)

	t.Run("returns stored record and push flag", func(t *testing.T) {
		d := New(&fakeStore{}, newFakePusher(9), location.NewCache())
		rec, pushed, err := d.Deliver(ctx, 9, content)
		require.NoError(t, err)
		assert.True(t, pushed)
		assert.Equal(t, int64(9), rec.UserID)
	})

	t.Run("missing session is not an error", func(t *testing.T) {
		d := New(&fakeStore{}, newFakePusher(), location.NewCache())
		rec, pushed, err := d.Deliver(ctx, 9, content)
		require.NoError(t, err)
		assert.False(t, pushed)
		assert.NotNil(t, rec)
	})

	t.Run("persistence failure is returned", func(t *testing.T) {
		d := New(&fakeStore{failFor: map[int64]bool{9: true}}, newFakePusher(9), location.NewCache())
		_, _, err := d.Deliver(ctx, 9, content)
		assert.Error(t, err)
	})
}
