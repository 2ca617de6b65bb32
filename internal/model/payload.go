package model

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Payload is the type-specific body carried in a notification's data field.
type Payload interface {
	NotificationType() NotificationType
}

type HazardPayload struct {
	HazardID  int64          `json:"hazard_id" validate:"required"`
	Latitude  float64        `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64        `json:"longitude" validate:"gte=-180,lte=180"`
	RadiusKm  float64        `json:"radius_km" validate:"gt=0"`
	Severity  HazardSeverity `json:"severity" validate:"required,oneof=low medium high critical"`
}

func (HazardPayload) NotificationType() NotificationType { return NotificationTypeHazard }

type SignPostedPayload struct {
	SignID    int64   `json:"sign_id" validate:"required"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	SignType  string  `json:"sign_type" validate:"required"`
}

func (SignPostedPayload) NotificationType() NotificationType { return NotificationTypeSignPosted }

type ReportApprovedPayload struct {
	ReportID  int64    `json:"report_id" validate:"required"`
	Category  string   `json:"category,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

func (ReportApprovedPayload) NotificationType() NotificationType {
	return NotificationTypeReportApproved
}

type SystemPayload struct{}

func (SystemPayload) NotificationType() NotificationType { return NotificationTypeSystem }

// NewContent validates payload and builds the notification body for it.
func NewContent(title, message string, payload Payload) (Content, error) {
	if title == "" {
		return Content{}, apperrors.MissingRequired("title")
	}
	if payload == nil {
		return Content{}, apperrors.MissingRequired("payload")
	}
	if err := validate.Struct(payload); err != nil {
		return Content{}, apperrors.ValidationError("invalid notification payload").WithCause(err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Content{}, fmt.Errorf("marshal payload: %w", err)
	}

	return Content{
		Title:   title,
		Message: message,
		Type:    payload.NotificationType(),
		Data:    data,
	}, nil
}

// DecodePayload parses raw data into the payload variant registered for t.
func DecodePayload(t NotificationType, raw json.RawMessage) (Payload, error) {
	var payload Payload
	switch t {
	case NotificationTypeHazard:
		payload = &HazardPayload{}
	case NotificationTypeSignPosted:
		payload = &SignPostedPayload{}
	case NotificationTypeReportApproved:
		payload = &ReportApprovedPayload{}
	case NotificationTypeSystem:
		payload = &SystemPayload{}
	default:
		return nil, apperrors.InvalidInput("type", fmt.Sprintf("unknown notification type %q", t))
	}

	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, apperrors.InvalidInput("data", err.Error())
		}
	}
	return payload, nil
}

// ParseContent validates an externally supplied title/message/type/data tuple.
func ParseContent(title, message string, t NotificationType, raw json.RawMessage) (Content, error) {
	payload, err := DecodePayload(t, raw)
	if err != nil {
		return Content{}, err
	}
	return NewContent(title, message, payload)
}
