// Package auth validates the bearer credential presented when a client opens
// a live connection or calls the REST surface.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/model"
)

const defaultTokenTTL = 24 * time.Hour

type Claims struct {
	UserID int64          `json:"user_id"`
	Role   model.UserRole `json:"role"`
	jwt.RegisteredClaims
}

func (c *Claims) IsAdmin() bool {
	return c.Role == model.UserRoleAdmin
}

type Gate struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewGate(secret, issuer, audience string) *Gate {
	return &Gate{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// Verify checks the token's signature, expiry and, when configured, its
// issuer and audience. Failures are AppErrors classified by AuthReason.
func (g *Gate) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, apperrors.MissingCredential()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}
	if g.audience != "" {
		opts = append(opts, jwt.WithAudience(g.audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.TokenExpired().WithCause(err)
		}
		return nil, apperrors.InvalidToken("Invalid token").WithCause(err)
	}

	if claims.UserID <= 0 {
		return nil, apperrors.InvalidToken("Token has no user id")
	}
	if claims.Role == "" {
		claims.Role = model.UserRoleUser
	}

	return claims, nil
}

// Issue mints a signed token. It is used by the dev token script and tests.
func (g *Gate) Issue(userID int64, role model.UserRole, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := g.now()

	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", userID),
			Issuer:    g.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if g.audience != "" {
		claims.Audience = jwt.ClaimStrings{g.audience}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}
