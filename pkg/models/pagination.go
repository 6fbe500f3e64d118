package models

// Pagination carries validated list-query parameters. Page is 1-based.
type Pagination struct {
	Page      int    `json:"page"`
	Limit     int    `json:"limit"`
	SortOrder string `json:"sort_order"`
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Normalize clamps page/limit and sort order to safe values.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.SortOrder != "asc" {
		p.SortOrder = "desc"
	}
	return p
}

func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

type PageMeta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasPrev    bool  `json:"has_prev"`
	HasNext    bool  `json:"has_next"`
}

func NewPageMeta(page, limit int, total int64) PageMeta {
	totalPages := 0
	if limit > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	return PageMeta{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasPrev:    page > 1,
		HasNext:    page < totalPages,
	}
}

type Page[T any] struct {
	Items      []T      `json:"items"`
	Pagination PageMeta `json:"pagination"`
}

func NewPage[T any](items []T, page, limit int, total int64) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Pagination: NewPageMeta(page, limit, total)}
}
