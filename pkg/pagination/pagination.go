// Package pagination reads list windows from requests and wraps list
// results for the review inbox and event listings.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=, clamping both into range.
func FromContext(c echo.Context) Params {
	limit := atoi(c.QueryParam("limit"), DefaultLimit)
	if limit < 0 {
		limit = DefaultLimit
	}
	return Params{
		Limit:  min(limit, MaxLimit),
		Offset: max(atoi(c.QueryParam("offset"), 0), 0),
	}
}

func atoi(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n == 0 {
		return fallback
	}
	return n
}

// Page is one window of a list. Data is never null so a client polling an
// empty inbox gets [].
type Page[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	// NextOffset is set while HasMore is true.
	NextOffset *int `json:"next_offset,omitempty"`
}

func NewPage[T any](items []T, total int, p Params) *Page[T] {
	if items == nil {
		items = []T{}
	}
	page := &Page[T]{
		Data:    items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+len(items) < total,
	}
	if page.HasMore {
		next := p.Offset + len(items)
		page.NextOffset = &next
	}
	return page
}
