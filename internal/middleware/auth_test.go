package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadwatch/dispatch-server-go/internal/auth"
	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/httputil"
	"github.com/roadwatch/dispatch-server-go/internal/model"
)

const testSecret = "middleware-test-secret-0123456789abcdef"

func issue(t *testing.T, userID int64, role model.UserRole, ttl time.Duration) string {
	t.Helper()
	token, err := auth.NewGate(testSecret, "", "").Issue(userID, role, ttl)
	require.NoError(t, err)
	return token
}

func expiredToken(t *testing.T, userID int64) string {
	t.Helper()
	claims := &auth.Claims{
		UserID: userID,
		Role:   model.UserRoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAuthMiddleware(t *testing.T) {
	m := NewAuthMiddleware(auth.NewGate(testSecret, "", ""))

	var seen *auth.Claims
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("rejects request without token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, decodeError(t, rec).Code)
	})

	t.Run("rejects malformed token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apperrors.ErrCodeInvalidToken, decodeError(t, rec).Code)
	})

	t.Run("rejects expired token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
		req.Header.Set("Authorization", "Bearer "+expiredToken(t, 7))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apperrors.ErrCodeTokenExpired, decodeError(t, rec).Code)
	})

	t.Run("accepts bearer header", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
		req.Header.Set("Authorization", "Bearer "+issue(t, 7, model.UserRoleUser, time.Hour))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, int64(7), seen.UserID)
	})

	t.Run("accepts query token", func(t *testing.T) {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/ws?token="+issue(t, 9, model.UserRoleUser, time.Hour), nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, int64(9), seen.UserID)
	})
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		claims *auth.Claims
		want   int
	}{
		{"no claims", nil, http.StatusUnauthorized},
		{"regular user", &auth.Claims{UserID: 1, Role: model.UserRoleUser}, http.StatusForbidden},
		{"admin", &auth.Claims{UserID: 2, Role: model.UserRoleAdmin}, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/signs/dispatch", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestExtractToken(t *testing.T) {
	t.Run("header wins over query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
		req.Header.Set("Authorization", "Bearer header")
		assert.Equal(t, "header", ExtractToken(req))
	})

	t.Run("non-bearer header falls back to query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
		req.Header.Set("Authorization", "Basic abc")
		assert.Equal(t, "query", ExtractToken(req))
	})

	t.Run("empty when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		assert.Empty(t, ExtractToken(req))
	})
}
