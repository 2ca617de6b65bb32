package repository

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/roadwatch/dispatch-server-go/internal/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
	// FindBroadcastRecipients lists every non-admin user except excludeID.
	FindBroadcastRecipients(ctx context.Context, excludeID int64) ([]int64, error)
	UpdatePreferences(ctx context.Context, id int64, preferences json.RawMessage) error
}

type userRepo struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `
		SELECT id, role, notification_preferences, created_at FROM users WHERE id = $1
	`, id)
	return HandleNotFound(&u, err)
}

func (r *userRepo) FindBroadcastRecipients(ctx context.Context, excludeID int64) ([]int64, error) {
	ids := []int64{}
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM users
		WHERE id <> $1 AND role <> 'admin'
		ORDER BY id ASC
	`, excludeID)
	return ids, err
}

func (r *userRepo) UpdatePreferences(ctx context.Context, id int64, preferences json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET notification_preferences = $2 WHERE id = $1
	`, id, jsonOrEmpty(preferences))
	return err
}
