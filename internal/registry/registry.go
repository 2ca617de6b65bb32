// Package registry tracks the single live session each user may hold.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/roadwatch/dispatch-server-go/internal/auth"
)

const (
	EventNewNotification = "new_notification"
	EventUnreadCount     = "unread_count"
)

var ErrNoSession = errors.New("no active session")

// Message is one outbound frame.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Transport is the live connection a session pushes through. Send must not
// block on the network; implementations queue the frame.
type Transport interface {
	Send(msg Message) error
	Close() error
}

type Authenticator interface {
	Verify(token string) (*auth.Claims, error)
}

type UnreadCounter interface {
	CountUnread(ctx context.Context, userID int64) (int, error)
}

type Session struct {
	ID          string
	UserID      int64
	Claims      *auth.Claims
	Transport   Transport
	ConnectedAt time.Time
	// ReplacedID is the id of the session this one displaced, if any.
	ReplacedID string
}

type Registry struct {
	gate     Authenticator
	counter  UnreadCounter
	sessions map[int64]*Session
	mu       sync.RWMutex
	onChange func(active int)
}

func New(gate Authenticator, counter UnreadCounter) *Registry {
	return &Registry{
		gate:     gate,
		counter:  counter,
		sessions: make(map[int64]*Session),
	}
}

// OnChange registers a callback receiving the active session count after every
// register or unregister.
func (r *Registry) OnChange(fn func(active int)) {
	r.onChange = fn
}

// Admit verifies credential and registers a session for its user, replacing
// any previous one. On failure nothing is registered and the caller owns
// closing transport.
func (r *Registry) Admit(ctx context.Context, credential string, transport Transport) (*Session, error) {
	claims, err := r.gate.Verify(credential)
	if err != nil {
		return nil, err
	}

	session := r.Register(claims, transport)
	r.PushUnreadCount(ctx, session.UserID)
	return session, nil
}

// Register upserts the session for claims.UserID. The displaced session's
// transport is left to its owner; it is simply no longer addressed.
func (r *Registry) Register(claims *auth.Claims, transport Transport) *Session {
	session := &Session{
		ID:          uuid.NewString(),
		UserID:      claims.UserID,
		Claims:      claims,
		Transport:   transport,
		ConnectedAt: time.Now(),
	}

	r.mu.Lock()
	previous, replaced := r.sessions[session.UserID]
	if replaced {
		session.ReplacedID = previous.ID
	}
	r.sessions[session.UserID] = session
	active := len(r.sessions)
	r.mu.Unlock()

	r.notifyChange(active)

	ev := log.Info().
		Int64("userId", session.UserID).
		Str("sessionId", session.ID).
		Int("activeSessions", active)
	if replaced {
		ev = ev.Str("replacedSessionId", previous.ID)
	}
	ev.Msg("session registered")

	return session
}

// Unregister removes session only while it is still the current one for its
// user. It reports whether anything was removed, so a displaced session's
// late disconnect never tears down its replacement.
func (r *Registry) Unregister(session *Session) bool {
	return r.UnregisterWith(session, nil)
}

// UnregisterWith is Unregister that also runs cleanup, under the registry
// lock, when the session was removed. No other session for the user can be
// registered until cleanup returns.
func (r *Registry) UnregisterWith(session *Session, cleanup func()) bool {
	r.mu.Lock()
	current, ok := r.sessions[session.UserID]
	removed := ok && current.ID == session.ID
	if removed {
		delete(r.sessions, session.UserID)
		if cleanup != nil {
			cleanup()
		}
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if removed {
		r.notifyChange(active)
		log.Info().
			Int64("userId", session.UserID).
			Str("sessionId", session.ID).
			Int("activeSessions", active).
			Msg("session unregistered")
	}
	return removed
}

// WithCurrent runs fn only while session is the user's current one. The
// session cannot be replaced or unregistered while fn runs, so fn must not
// call back into the registry.
func (r *Registry) WithCurrent(session *Session, fn func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, ok := r.sessions[session.UserID]
	if !ok || current.ID != session.ID {
		return false
	}
	fn()
	return true
}

func (r *Registry) Get(userID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

func (r *Registry) IsCurrent(session *Session) bool {
	current, ok := r.Get(session.UserID)
	return ok && current.ID == session.ID
}

// Push sends msg to the user's live session. It returns ErrNoSession when the
// user is not connected; the lock is released before the transport is used.
func (r *Registry) Push(userID int64, msg Message) error {
	session, ok := r.Get(userID)
	if !ok {
		return ErrNoSession
	}
	return session.Transport.Send(msg)
}

// PushUnreadCount reads the user's unread count and pushes it if connected.
func (r *Registry) PushUnreadCount(ctx context.Context, userID int64) {
	if r.counter == nil {
		return
	}
	if _, ok := r.Get(userID); !ok {
		return
	}

	count, err := r.counter.CountUnread(ctx, userID)
	if err != nil {
		log.Error().Err(err).Int64("userId", userID).Msg("failed to count unread notifications")
		return
	}

	err = r.Push(userID, Message{
		Event: EventUnreadCount,
		Data:  map[string]int{"unread_count": count},
	})
	if err != nil && !errors.Is(err, ErrNoSession) {
		log.Warn().Err(err).Int64("userId", userID).Msg("failed to push unread count")
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered transport and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[int64]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Transport.Close(); err != nil {
			log.Debug().Err(err).Str("sessionId", s.ID).Msg("close transport")
		}
	}
	r.notifyChange(0)
}

func (r *Registry) notifyChange(active int) {
	if r.onChange != nil {
		r.onChange(active)
	}
}
