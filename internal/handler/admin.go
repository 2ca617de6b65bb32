package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roadwatch/dispatch-server-go/internal/audit"
	"github.com/roadwatch/dispatch-server-go/internal/bridge"
	"github.com/roadwatch/dispatch-server-go/internal/dispatch"
	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/httputil"
	"github.com/roadwatch/dispatch-server-go/internal/middleware"
	"github.com/roadwatch/dispatch-server-go/internal/model"
	"github.com/roadwatch/dispatch-server-go/internal/service"
)

type Triggers interface {
	DispatchHazard(ctx context.Context, hazardID int64) (*dispatch.Result, error)
	SignPosted(ctx context.Context, p service.SignPostedParams) (*dispatch.Result, error)
	ReportApproved(ctx context.Context, p service.ReportApprovedParams) (*dispatch.Result, error)
	Proximity(ctx context.Context, p service.ProximityParams) (*dispatch.Result, error)
	Direct(ctx context.Context, p service.DirectParams) (*dispatch.Result, error)
	Publish(ctx context.Context, msg bridge.Message) error
}

type SessionCounter interface {
	Count() int
}

type LocationCounter interface {
	Len() int
}

type ScheduleReporter interface {
	NextRuns() map[string]time.Time
}

// AdminHandler is the administrative dispatch surface. Routes assume the
// caller has already passed auth and admin-role middleware.
type AdminHandler struct {
	triggers  Triggers
	sessions  SessionCounter
	locations LocationCounter
	schedule  ScheduleReporter
}

func NewAdminHandler(triggers Triggers, sessions SessionCounter, locations LocationCounter, schedule ScheduleReporter) *AdminHandler {
	return &AdminHandler{
		triggers:  triggers,
		sessions:  sessions,
		locations: locations,
		schedule:  schedule,
	}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/stats", h.Stats)

	r.Post("/hazards/{id}/dispatch", h.DispatchHazard)
	r.Post("/signs/dispatch", h.SignPosted)
	r.Post("/reports/{id}/approved", h.ReportApproved)

	r.Post("/dispatch/proximity", h.DispatchProximity)
	r.Post("/dispatch/users", h.DispatchUsers)

	r.Post("/bridge/publish", h.Publish)

	return r
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	nextRuns := map[string]string{}
	for name, at := range h.schedule.NextRuns() {
		nextRuns[name] = at.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activeSessions":  h.sessions.Count(),
		"cachedLocations": h.locations.Len(),
		"nextRuns":        nextRuns,
	})
}

func (h *AdminHandler) DispatchHazard(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.triggers.DispatchHazard(r.Context(), id)
	h.audit(r, "hazard", map[string]interface{}{"hazard_id": id})
	writeDispatchResult(w, result, err)
}

func (h *AdminHandler) SignPosted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignID    int64   `json:"sign_id"`
		SignType  string  `json:"sign_type"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Title     string  `json:"title"`
		Message   string  `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.triggers.SignPosted(r.Context(), service.SignPostedParams{
		SignID:    req.SignID,
		SignType:  req.SignType,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Title:     req.Title,
		Message:   req.Message,
	})
	h.audit(r, "sign_posted", map[string]interface{}{"sign_id": req.SignID})
	writeDispatchResult(w, result, err)
}

func (h *AdminHandler) ReportApproved(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req struct {
		AuthorID  int64    `json:"author_id"`
		Category  string   `json:"category"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Title     string   `json:"title"`
		Message   string   `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.triggers.ReportApproved(r.Context(), service.ReportApprovedParams{
		ReportID:  id,
		AuthorID:  req.AuthorID,
		Category:  req.Category,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Title:     req.Title,
		Message:   req.Message,
	})
	h.audit(r, "report_approved", map[string]interface{}{"report_id": id, "author_id": req.AuthorID})
	writeDispatchResult(w, result, err)
}

func (h *AdminHandler) DispatchProximity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Latitude  *float64               `json:"latitude"`
		Longitude *float64               `json:"longitude"`
		RadiusKm  float64                `json:"radius_km"`
		Title     string                 `json:"title"`
		Message   string                 `json:"message"`
		Type      model.NotificationType `json:"type"`
		Data      json.RawMessage        `json:"data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		httputil.WriteError(w, apperrors.MissingRequired("latitude and longitude"))
		return
	}

	result, err := h.triggers.Proximity(r.Context(), service.ProximityParams{
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		RadiusKm:  req.RadiusKm,
		Title:     req.Title,
		Message:   req.Message,
		Type:      req.Type,
		Data:      req.Data,
	})
	h.audit(r, "proximity", map[string]interface{}{"radius_km": req.RadiusKm, "type": string(req.Type)})
	writeDispatchResult(w, result, err)
}

func (h *AdminHandler) DispatchUsers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserIDs []int64                `json:"user_ids"`
		Title   string                 `json:"title"`
		Message string                 `json:"message"`
		Type    model.NotificationType `json:"type"`
		Data    json.RawMessage        `json:"data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.triggers.Direct(r.Context(), service.DirectParams{
		UserIDs: req.UserIDs,
		Title:   req.Title,
		Message: req.Message,
		Type:    req.Type,
		Data:    req.Data,
	})
	h.audit(r, "users", map[string]interface{}{"recipients": len(req.UserIDs), "type": string(req.Type)})
	writeDispatchResult(w, result, err)
}

func (h *AdminHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var msg bridge.Message
	if err := decodeJSON(r, &msg); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.triggers.Publish(r.Context(), msg); err != nil {
		httputil.WriteError(w, err)
		return
	}

	event := audit.Event{Type: audit.EventAdminPublish, Details: map[string]interface{}{"target_user_id": msg.UserID}}
	if claims := middleware.GetClaims(r.Context()); claims != nil {
		event.UserID = claims.UserID
	}
	audit.LogFromRequest(r, event)

	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func (h *AdminHandler) audit(r *http.Request, kind string, details map[string]interface{}) {
	details["kind"] = kind
	event := audit.Event{Type: audit.EventAdminDispatch, Details: details}
	if claims := middleware.GetClaims(r.Context()); claims != nil {
		event.UserID = claims.UserID
	}
	audit.LogFromRequest(r, event)
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.InvalidInput("id", "must be a positive integer")
	}
	return id, nil
}
