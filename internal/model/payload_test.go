package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
)

func TestNewContent(t *testing.T) {
	t.Run("builds hazard content", func(t *testing.T) {
		content, err := NewContent("Flooding", "Avoid the underpass", HazardPayload{
			HazardID:  7,
			Latitude:  37.5,
			Longitude: 127.0,
			RadiusKm:  2,
			Severity:  SeverityHigh,
		})

		require.NoError(t, err)
		assert.Equal(t, NotificationTypeHazard, content.Type)
		assert.JSONEq(t, `{"hazard_id":7,"latitude":37.5,"longitude":127,"radius_km":2,"severity":"high"}`, string(content.Data))
	})

	t.Run("requires a title", func(t *testing.T) {
		_, err := NewContent("", "body", SystemPayload{})

		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
	})

	t.Run("rejects out of range coordinates", func(t *testing.T) {
		_, err := NewContent("Sign", "", SignPostedPayload{SignID: 1, Latitude: 91, Longitude: 0, SignType: "stop"})

		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))
	})

	t.Run("rejects non-positive radius", func(t *testing.T) {
		_, err := NewContent("Ice", "", HazardPayload{HazardID: 1, RadiusKm: 0, Severity: SeverityLow})

		require.Error(t, err)
	})
}

func TestParseContent(t *testing.T) {
	tests := []struct {
		name    string
		typ     NotificationType
		data    string
		wantErr bool
	}{
		{"system without data", NotificationTypeSystem, ``, false},
		{"system with null data", NotificationTypeSystem, `null`, false},
		{"report without coordinates", NotificationTypeReportApproved, `{"report_id":3}`, false},
		{"report with coordinates", NotificationTypeReportApproved, `{"report_id":3,"latitude":10,"longitude":20}`, false},
		{"report missing id", NotificationTypeReportApproved, `{"category":"pothole"}`, true},
		{"unknown type", NotificationType("weather"), `{}`, true},
		{"malformed data", NotificationTypeHazard, `{"hazard_id":"x"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := ParseContent("Title", "", tt.typ, json.RawMessage(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.typ, content.Type)
		})
	}
}

func TestNotificationType_Valid(t *testing.T) {
	assert.True(t, NotificationTypeHazard.Valid())
	assert.True(t, NotificationTypeSystem.Valid())
	assert.False(t, NotificationType("").Valid())
	assert.False(t, NotificationType("promo").Valid())
}
