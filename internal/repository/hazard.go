package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/roadwatch/dispatch-server-go/internal/model"
)

// HazardRepository is read-only; hazard rows are written by the admin surface.
type HazardRepository interface {
	FindByID(ctx context.Context, id int64) (*model.HazardEvent, error)
	FindActive(ctx context.Context) ([]model.HazardEvent, error)
}

type hazardRepo struct {
	db *sqlx.DB
}

func NewHazardRepository(db *sqlx.DB) HazardRepository {
	return &hazardRepo{db: db}
}

func (r *hazardRepo) FindByID(ctx context.Context, id int64) (*model.HazardEvent, error) {
	var h model.HazardEvent
	err := r.db.GetContext(ctx, &h, `SELECT * FROM hazard_events WHERE id = $1`, id)
	return HandleNotFound(&h, err)
}

func (r *hazardRepo) FindActive(ctx context.Context) ([]model.HazardEvent, error) {
	hazards := []model.HazardEvent{}
	err := r.db.SelectContext(ctx, &hazards, `
		SELECT * FROM hazard_events
		WHERE status = 'active' AND expires_at > NOW()
		ORDER BY id ASC
	`)
	return hazards, err
}
