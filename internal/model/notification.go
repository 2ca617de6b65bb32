package model

import (
	"encoding/json"
	"time"
)

type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    int64            `db:"user_id" json:"userId"`
	Title     string           `db:"title" json:"title"`
	Message   string           `db:"message" json:"message"`
	Type      NotificationType `db:"type" json:"type"`
	Data      json.RawMessage  `db:"data" json:"data"`
	IsRead    bool             `db:"is_read" json:"isRead"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
}

// PushData is the body of a new_notification frame.
func (n *Notification) PushData() map[string]any {
	return map[string]any{
		"id":         n.ID,
		"title":      n.Title,
		"message":    n.Message,
		"type":       n.Type,
		"data":       n.Data,
		"created_at": n.CreatedAt,
	}
}

type CreateNotificationParams struct {
	UserID  int64
	Title   string
	Message string
	Type    NotificationType
	Data    json.RawMessage
}

// Content is a validated notification body, independent of its recipient.
type Content struct {
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Type    NotificationType `json:"type"`
	Data    json.RawMessage  `json:"data"`
}

func (c Content) ForUser(userID int64) CreateNotificationParams {
	return CreateNotificationParams{
		UserID:  userID,
		Title:   c.Title,
		Message: c.Message,
		Type:    c.Type,
		Data:    c.Data,
	}
}
