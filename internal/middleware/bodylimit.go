package middleware

import (
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/httputil"
)

const (
	// Inbox routes take at most a small JSON object.
	DefaultMaxBodySize = 4 << 10
	// Admin dispatch routes carry payloads and explicit user lists.
	DispatchMaxBodySize = 1 << 20
)

type prefixLimit struct {
	prefix  string
	maxSize int64
}

type BodyLimitMiddleware struct {
	maxSize  int64
	prefixes []prefixLimit
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

// WithPrefix applies maxSize to request paths under prefix. The longest
// matching prefix wins.
func (m *BodyLimitMiddleware) WithPrefix(prefix string, maxSize int64) *BodyLimitMiddleware {
	m.prefixes = append(m.prefixes, prefixLimit{prefix: prefix, maxSize: maxSize})
	return m
}

func (m *BodyLimitMiddleware) limitFor(path string) int64 {
	limit, matched := m.maxSize, 0
	for _, p := range m.prefixes {
		if strings.HasPrefix(path, p.prefix) && len(p.prefix) > matched {
			limit, matched = p.maxSize, len(p.prefix)
		}
	}
	return limit
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := m.limitFor(r.URL.Path)
		if r.Body != nil && r.ContentLength > limit {
			httputil.WriteErrorWithStatus(w, http.StatusRequestEntityTooLarge,
				apperrors.ValidationError(fmt.Sprintf("Request body exceeds %d bytes", limit)))
			return
		}

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
