package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/roadwatch/dispatch-server-go/internal/audit"
	"github.com/roadwatch/dispatch-server-go/internal/auth"
	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/httputil"
)

type contextKey string

const ClaimsContextKey contextKey = "claims"

func GetClaims(ctx context.Context) *auth.Claims {
	if claims, ok := ctx.Value(ClaimsContextKey).(*auth.Claims); ok {
		return claims
	}
	return nil
}

func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey, claims)
}

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.MissingCredential())
			return
		}

		claims, err := m.verifier.Verify(token)
		if err != nil {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": apperrors.AuthReason(err), "path": r.URL.Path},
			})
			httputil.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireAdmin must run after AuthMiddleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := GetClaims(r.Context())
		if claims == nil {
			httputil.WriteError(w, apperrors.Unauthorized("Authentication required"))
			return
		}
		if !claims.IsAdmin() {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventForbidden,
				UserID:  claims.UserID,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			httputil.WriteError(w, apperrors.Forbidden("Admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads a bearer token from the Authorization header, falling
// back to the token query parameter used by browser websocket clients.
func ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return r.URL.Query().Get("token")
}
