package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roadwatch/dispatch-server-go/internal/auth"
)

type fakeLimiter struct {
	counts map[string]int
	keys   []string
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{counts: make(map[string]int)}
}

func (f *fakeLimiter) Check(_ context.Context, key string, limit int) (bool, int, int64) {
	f.keys = append(f.keys, key)
	f.counts[key]++
	used := f.counts[key]
	if used > limit {
		return false, 0, 1700000000
	}
	return true, limit - used, 1700000000
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("keys authenticated requests by user", func(t *testing.T) {
		limiter := newFakeLimiter()
		handler := NewRateLimitMiddleware(limiter, 5, "api").Handler(ok)

		req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
		req = req.WithContext(WithClaims(req.Context(), &auth.Claims{UserID: 12}))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"api:user:12"}, limiter.keys)
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("keys anonymous requests by ip", func(t *testing.T) {
		limiter := newFakeLimiter()
		handler := NewRateLimitMiddleware(limiter, 5, "ws").Handler(ok)

		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "198.51.100.4:1234"
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, []string{"ws:ip:198.51.100.4:1234"}, limiter.keys)
	})

	t.Run("blocks over limit", func(t *testing.T) {
		limiter := newFakeLimiter()
		handler := NewRateLimitMiddleware(limiter, 2, "api").Handler(ok)

		var last *httptest.ResponseRecorder
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
			req = req.WithContext(WithClaims(req.Context(), &auth.Claims{UserID: 3}))
			last = httptest.NewRecorder()
			handler.ServeHTTP(last, req)
		}

		assert.Equal(t, http.StatusTooManyRequests, last.Code)
		assert.Equal(t, "60", last.Header().Get("Retry-After"))
	})
}

func TestBodyLimitMiddleware(t *testing.T) {
	var readErr error
	handler := NewBodyLimitMiddleware(8).
		WithPrefix("/admin/", 64).
		WithPrefix("/admin/bridge/", 16).
		Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, readErr = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))

	tests := []struct {
		name     string
		path     string
		length   int64
		wantCode int
	}{
		{"inbox body over default", "/v1/notifications/read-all", 9, http.StatusRequestEntityTooLarge},
		{"dispatch body within admin limit", "/admin/dispatch/users", 64, http.StatusOK},
		{"dispatch body over admin limit", "/admin/dispatch/users", 65, http.StatusRequestEntityTooLarge},
		{"longest prefix wins", "/admin/bridge/publish", 17, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(strings.Repeat("x", int(tt.length))))
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}

	t.Run("unknown length is capped while reading", func(t *testing.T) {
		readErr = nil
		req := httptest.NewRequest(http.MethodPost, "/v1/notifications/read-all", strings.NewReader(strings.Repeat("x", 32)))
		req.ContentLength = -1
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		var maxErr *http.MaxBytesError
		assert.ErrorAs(t, readErr, &maxErr)
	})
}
