package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/httputil"
	"github.com/roadwatch/dispatch-server-go/internal/middleware"
	"github.com/roadwatch/dispatch-server-go/internal/service"
)

type Inbox interface {
	List(ctx context.Context, userID int64, limit, offset int) (*service.InboxPage, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
	MarkRead(ctx context.Context, id string, userID int64) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	Delete(ctx context.Context, id string, userID int64) error
}

// NotificationHandler serves the authenticated user's inbox. It expects
// claims in the request context.
type NotificationHandler struct {
	inbox Inbox
}

func NewNotificationHandler(inbox Inbox) *NotificationHandler {
	return &NotificationHandler{inbox: inbox}
}

func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/unread-count", h.UnreadCount)
	r.Post("/read-all", h.MarkAllRead)
	r.Post("/{id}/read", h.MarkRead)
	r.Delete("/{id}", h.Delete)
	return r
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	p, err := ParsePagination(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	page, err := h.inbox.List(r.Context(), userID, p.Limit, p.Offset)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": page.Notifications,
		"total":         page.Total,
		"unreadCount":   page.Unread,
		"limit":         p.Limit,
		"offset":        p.Offset,
		"hasMore":       p.HasMore(page.Total),
	})
}

func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	n, err := h.inbox.UnreadCount(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.inbox.MarkRead(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	n, err := h.inbox.MarkAllRead(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.inbox.Delete(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	claims := middleware.GetClaims(r.Context())
	if claims == nil {
		httputil.WriteError(w, apperrors.Unauthorized("Authentication required"))
		return 0, false
	}
	return claims.UserID, true
}
