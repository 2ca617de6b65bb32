package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roadwatch/dispatch-server-go/internal/audit"
	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/location"
	"github.com/roadwatch/dispatch-server-go/internal/metrics"
	"github.com/roadwatch/dispatch-server-go/internal/middleware"
	"github.com/roadwatch/dispatch-server-go/internal/registry"
	"github.com/roadwatch/dispatch-server-go/internal/ws"
)

const (
	EventUpdateLocation    = "update_location"
	EventUpdatePreferences = "update_notification_preferences"
)

type SessionAdmitter interface {
	Admit(ctx context.Context, credential string, transport registry.Transport) (*registry.Session, error)
	UnregisterWith(session *registry.Session, cleanup func()) bool
	WithCurrent(session *registry.Session, fn func()) bool
}

type LocationStore interface {
	Update(userID int64, lat, lon float64) location.Sample
	Remove(userID int64)
	Len() int
}

type PreferenceStore interface {
	UpdatePreferences(ctx context.Context, id int64, preferences json.RawMessage) error
}

// SocketHandler owns the lifecycle of one live connection: handshake,
// inbound frames, and cleanup on disconnect.
type SocketHandler struct {
	upgrader    *websocket.Upgrader
	sessions    SessionAdmitter
	locations   LocationStore
	preferences PreferenceStore
	metrics     *metrics.Collector
}

func NewSocketHandler(
	upgrader *websocket.Upgrader,
	sessions SessionAdmitter,
	locations LocationStore,
	preferences PreferenceStore,
	m *metrics.Collector,
) *SocketHandler {
	return &SocketHandler{
		upgrader:    upgrader,
		sessions:    sessions,
		locations:   locations,
		preferences: preferences,
		metrics:     m,
	}
}

func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	transport := ws.NewConn(conn)
	ctx := r.Context()

	session, err := h.sessions.Admit(ctx, middleware.ExtractToken(r), transport)
	if err != nil {
		reason := apperrors.AuthReason(err)
		if reason == "" {
			reason = "invalid"
		}
		h.metrics.HandshakeRejected(reason)
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventHandshakeRejected,
			Details: map[string]interface{}{"reason": reason},
		})
		_ = transport.Reject(reason)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventSessionAdmitted, UserID: session.UserID, SessionID: session.ID})
	if session.ReplacedID != "" {
		audit.LogFromRequest(r, audit.Event{
			Type:      audit.EventSessionReplaced,
			UserID:    session.UserID,
			SessionID: session.ID,
			Details:   map[string]interface{}{"replaced_session_id": session.ReplacedID},
		})
	}

	defer h.disconnect(session, transport)

	if err := transport.ReadLoop(func(in ws.Inbound) {
		h.handleInbound(ctx, session, in)
	}); err != nil {
		log.Debug().Err(err).Int64("userId", session.UserID).Msg("websocket closed unexpectedly")
	}
}

// disconnect drops the cached location only if this session was still the
// user's current one; a displaced session leaves its replacement untouched.
// The removal happens inside the registry lock so a replacement registering
// concurrently cannot lose its first location update.
func (h *SocketHandler) disconnect(session *registry.Session, transport *ws.Conn) {
	removed := h.sessions.UnregisterWith(session, func() {
		h.locations.Remove(session.UserID)
	})
	if removed {
		h.metrics.SetCachedLocations(h.locations.Len())
	}
	_ = transport.Close()
}

func (h *SocketHandler) handleInbound(ctx context.Context, session *registry.Session, in ws.Inbound) {
	switch in.Event {
	case EventUpdateLocation:
		var req struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		}
		if err := json.Unmarshal(in.Data, &req); err != nil || req.Latitude == nil || req.Longitude == nil {
			log.Debug().Int64("userId", session.UserID).Msg("ignoring location update without coordinates")
			return
		}
		// A displaced session stays open but no longer owns the user's location.
		current := h.sessions.WithCurrent(session, func() {
			h.locations.Update(session.UserID, *req.Latitude, *req.Longitude)
		})
		if !current {
			log.Debug().Int64("userId", session.UserID).Str("sessionId", session.ID).Msg("ignoring location update from displaced session")
			return
		}
		h.metrics.SetCachedLocations(h.locations.Len())

	case EventUpdatePreferences:
		var req struct {
			Preferences json.RawMessage `json:"preferences"`
		}
		if err := json.Unmarshal(in.Data, &req); err != nil || len(req.Preferences) == 0 {
			log.Debug().Int64("userId", session.UserID).Msg("ignoring preferences update without body")
			return
		}
		if err := h.preferences.UpdatePreferences(ctx, session.UserID, req.Preferences); err != nil {
			log.Error().Err(err).Int64("userId", session.UserID).Msg("failed to update notification preferences")
		}

	default:
		log.Debug().Str("event", in.Event).Int64("userId", session.UserID).Msg("ignoring unknown client event")
	}
}
