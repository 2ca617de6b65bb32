package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/model"
	"github.com/roadwatch/dispatch-server-go/internal/repository"
)

// UnreadPusher refreshes the unread badge on a user's live session.
type UnreadPusher interface {
	PushUnreadCount(ctx context.Context, userID int64)
}

type InboxPage struct {
	Notifications []model.Notification
	Total         int
	Unread        int
}

// InboxService serves a user's own notification records. Every read-state
// change is followed by an unread_count push.
type InboxService struct {
	repo   repository.NotificationRepository
	pusher UnreadPusher
}

func NewInboxService(repo repository.NotificationRepository, pusher UnreadPusher) *InboxService {
	return &InboxService{repo: repo, pusher: pusher}
}

func (s *InboxService) List(ctx context.Context, userID int64, limit, offset int) (*InboxPage, error) {
	items, err := s.repo.FindByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	total, err := s.repo.CountByUserID(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	unread, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return &InboxPage{Notifications: items, Total: total, Unread: unread}, nil
}

func (s *InboxService) UnreadCount(ctx context.Context, userID int64) (int, error) {
	n, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, apperrors.Database(err)
	}
	return n, nil
}

func (s *InboxService) MarkRead(ctx context.Context, id string, userID int64) error {
	if err := validateNotificationID(id); err != nil {
		return err
	}
	ok, err := s.repo.MarkRead(ctx, id, userID)
	if err != nil {
		return apperrors.Database(err)
	}
	if !ok {
		return apperrors.NotFound("Notification")
	}
	s.pusher.PushUnreadCount(ctx, userID)
	return nil
}

func (s *InboxService) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	n, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, apperrors.Database(err)
	}
	if n > 0 {
		log.Debug().Int64("userId", userID).Int64("count", n).Msg("notifications marked read")
	}
	s.pusher.PushUnreadCount(ctx, userID)
	return n, nil
}

func (s *InboxService) Delete(ctx context.Context, id string, userID int64) error {
	if err := validateNotificationID(id); err != nil {
		return err
	}
	ok, err := s.repo.Delete(ctx, id, userID)
	if err != nil {
		return apperrors.Database(err)
	}
	if !ok {
		return apperrors.NotFound("Notification")
	}
	s.pusher.PushUnreadCount(ctx, userID)
	return nil
}

func validateNotificationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.InvalidInput("id", fmt.Sprintf("%q is not a notification id", id))
	}
	return nil
}
