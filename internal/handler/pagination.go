package handler

import (
	"net/http"
	"strconv"

	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit and offset for an inbox page. A missing or
// non-positive limit falls back to DefaultLimit and an oversized one is
// clamped to MaxLimit. Values that are not integers, or a negative offset,
// are rejected.
func ParsePagination(r *http.Request) (PaginationParams, error) {
	q := r.URL.Query()
	p := PaginationParams{Limit: DefaultLimit}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, apperrors.InvalidInput("limit", "must be an integer")
		}
		switch {
		case n > MaxLimit:
			p.Limit = MaxLimit
		case n > 0:
			p.Limit = n
		}
	}

	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, apperrors.InvalidInput("offset", "must be a non-negative integer")
		}
		p.Offset = n
	}

	return p, nil
}

// HasMore reports whether notifications remain past this page.
func (p PaginationParams) HasMore(total int) bool {
	return p.Offset+p.Limit < total
}
