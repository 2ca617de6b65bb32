package model

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                      int64            `db:"id" json:"id"`
	Role                    UserRole         `db:"role" json:"role"`
	NotificationPreferences *json.RawMessage `db:"notification_preferences" json:"notificationPreferences,omitempty"`
	CreatedAt               time.Time        `db:"created_at" json:"createdAt"`
}
