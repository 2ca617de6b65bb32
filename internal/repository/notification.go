package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roadwatch/dispatch-server-go/internal/model"
)

type NotificationRepository interface {
	Create(ctx context.Context, params model.CreateNotificationParams) (*model.Notification, error)
	FindByID(ctx context.Context, id string) (*model.Notification, error)
	FindByUserID(ctx context.Context, userID int64, limit, offset int) ([]model.Notification, error)
	CountByUserID(ctx context.Context, userID int64) (int, error)
	CountUnread(ctx context.Context, userID int64) (int, error)
	MarkRead(ctx context.Context, id string, userID int64) (bool, error)
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	Delete(ctx context.Context, id string, userID int64) (bool, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type notificationRepo struct {
	db *sqlx.DB
}

func NewNotificationRepository(db *sqlx.DB) NotificationRepository {
	return &notificationRepo{db: db}
}

func (r *notificationRepo) Create(ctx context.Context, params model.CreateNotificationParams) (*model.Notification, error) {
	var n model.Notification
	err := r.db.GetContext(ctx, &n, `
		INSERT INTO notifications (user_id, title, message, type, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, params.UserID, params.Title, params.Message, params.Type, jsonOrEmpty(params.Data))
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *notificationRepo) FindByID(ctx context.Context, id string) (*model.Notification, error) {
	var n model.Notification
	err := r.db.GetContext(ctx, &n, `SELECT * FROM notifications WHERE id = $1`, id)
	return HandleNotFound(&n, err)
}

func (r *notificationRepo) FindByUserID(ctx context.Context, userID int64, limit, offset int) ([]model.Notification, error) {
	notifications := []model.Notification{}
	err := r.db.SelectContext(ctx, &notifications, `
		SELECT * FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return notifications, err
}

func (r *notificationRepo) CountByUserID(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM notifications WHERE user_id = $1
	`, userID)
	return count, err
}

func (r *notificationRepo) CountUnread(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE
	`, userID)
	return count, err
}

func (r *notificationRepo) MarkRead(ctx context.Context, id string, userID int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *notificationRepo) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE user_id = $1 AND is_read = FALSE
	`, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *notificationRepo) Delete(ctx context.Context, id string, userID int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM notifications WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// DeleteCreatedBefore removes records created before cutoff, read or not.
func (r *notificationRepo) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM notifications WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
