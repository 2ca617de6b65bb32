package model

import (
	"fmt"
	"time"

	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/geo"
)

// HazardEvent rows are owned by the admin surface. This service only reads them.
type HazardEvent struct {
	ID               int64            `db:"id" json:"id"`
	Title            string           `db:"title" json:"title"`
	Description      string           `db:"description" json:"description"`
	Latitude         float64          `db:"latitude" json:"latitude"`
	Longitude        float64          `db:"longitude" json:"longitude"`
	RadiusKm         float64          `db:"radius_km" json:"radiusKm"`
	Severity         HazardSeverity   `db:"severity" json:"severity"`
	NotificationType NotificationType `db:"notification_type" json:"notificationType"`
	Status           HazardStatus     `db:"status" json:"status"`
	ExpiresAt        time.Time        `db:"expires_at" json:"expiresAt"`
	CreatedAt        time.Time        `db:"created_at" json:"createdAt"`
}

func (h *HazardEvent) Origin() geo.Point {
	return geo.Point{Latitude: h.Latitude, Longitude: h.Longitude}
}

// DedupKey identifies this hazard for per-user delivery suppression.
func (h *HazardEvent) DedupKey() string {
	return fmt.Sprintf("hazard:%d", h.ID)
}

func (h *HazardEvent) IsActive(now time.Time) bool {
	return h.Status == HazardStatusActive && h.ExpiresAt.After(now)
}

// Content builds the notification body sent for this hazard. The row's
// notification type selects the payload variant; an empty type means hazard.
// Types whose payload needs data a hazard row does not carry are rejected.
func (h *HazardEvent) Content() (Content, error) {
	switch h.NotificationType {
	case "", NotificationTypeHazard:
		severity := h.Severity
		if severity == "" {
			severity = SeverityMedium
		}
		return NewContent(h.Title, h.Description, HazardPayload{
			HazardID:  h.ID,
			Latitude:  h.Latitude,
			Longitude: h.Longitude,
			RadiusKm:  h.RadiusKm,
			Severity:  severity,
		})
	case NotificationTypeSystem:
		return NewContent(h.Title, h.Description, SystemPayload{})
	default:
		return Content{}, apperrors.InvalidInput("notification_type",
			fmt.Sprintf("%q cannot be raised from hazard event %d", h.NotificationType, h.ID))
	}
}
