package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema creates the tables this service reads and writes. Users and hazard
// events are owned by other services; only the columns used here are declared.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                       BIGSERIAL PRIMARY KEY,
		role                     TEXT NOT NULL DEFAULT 'user',
		notification_preferences JSONB,
		created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title      TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		type       TEXT NOT NULL,
		data       JSONB NOT NULL DEFAULT '{}'::jsonb,
		is_read    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_created
		ON notifications (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_unread
		ON notifications (user_id) WHERE is_read = FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_created
		ON notifications (created_at)`,
	`CREATE TABLE IF NOT EXISTS hazard_events (
		id                BIGSERIAL PRIMARY KEY,
		title             TEXT NOT NULL,
		description       TEXT NOT NULL DEFAULT '',
		latitude          DOUBLE PRECISION NOT NULL,
		longitude         DOUBLE PRECISION NOT NULL,
		radius_km         DOUBLE PRECISION NOT NULL,
		severity          TEXT NOT NULL DEFAULT 'medium',
		notification_type TEXT NOT NULL DEFAULT 'hazard',
		status            TEXT NOT NULL DEFAULT 'active',
		expires_at        TIMESTAMPTZ NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hazard_events_active
		ON hazard_events (expires_at) WHERE status = 'active'`,
}

// Migrate applies the schema in a single transaction. Every statement is
// idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	return db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate statement %d: %w", i, err)
			}
		}
		return nil
	})
}
