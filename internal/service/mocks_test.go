package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/roadwatch/dispatch-server-go/internal/bridge"
	"github.com/roadwatch/dispatch-server-go/internal/dispatch"
	"github.com/roadwatch/dispatch-server-go/internal/model"
)

type mockNotificationRepo struct {
	mock.Mock
}

func (m *mockNotificationRepo) Create(ctx context.Context, params model.CreateNotificationParams) (*model.Notification, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *mockNotificationRepo) FindByID(ctx context.Context, id string) (*model.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *mockNotificationRepo) FindByUserID(ctx context.Context, userID int64, limit, offset int) ([]model.Notification, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Notification), args.Error(1)
}

func (m *mockNotificationRepo) CountByUserID(ctx context.Context, userID int64) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *mockNotificationRepo) CountUnread(ctx context.Context, userID int64) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *mockNotificationRepo) MarkRead(ctx context.Context, id string, userID int64) (bool, error) {
	args := m.Called(ctx, id, userID)
	return args.Bool(0), args.Error(1)
}

func (m *mockNotificationRepo) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockNotificationRepo) Delete(ctx context.Context, id string, userID int64) (bool, error) {
	args := m.Called(ctx, id, userID)
	return args.Bool(0), args.Error(1)
}

func (m *mockNotificationRepo) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type mockHazardRepo struct {
	mock.Mock
}

func (m *mockHazardRepo) FindByID(ctx context.Context, id int64) (*model.HazardEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.HazardEvent), args.Error(1)
}

func (m *mockHazardRepo) FindActive(ctx context.Context) ([]model.HazardEvent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.HazardEvent), args.Error(1)
}

type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *mockUserRepo) FindBroadcastRecipients(ctx context.Context, excludeID int64) ([]int64, error) {
	args := m.Called(ctx, excludeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *mockUserRepo) UpdatePreferences(ctx context.Context, id int64, preferences json.RawMessage) error {
	args := m.Called(ctx, id, preferences)
	return args.Error(0)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) AffectedUsers(ev dispatch.Event) []int64 {
	args := m.Called(ev)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]int64)
}

func (m *mockDispatcher) DispatchByProximity(ctx context.Context, ev dispatch.Event) (*dispatch.Result, error) {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.Result), args.Error(1)
}

func (m *mockDispatcher) DispatchToUsers(ctx context.Context, userIDs []int64, content model.Content) (*dispatch.Result, error) {
	args := m.Called(ctx, userIDs, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.Result), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, msg bridge.Message) error {
	args := m.Called(ctx, topic, msg)
	return args.Error(0)
}

type mockPusher struct {
	mock.Mock
}

func (m *mockPusher) PushUnreadCount(ctx context.Context, userID int64) {
	m.Called(ctx, userID)
}
