package common

import (
	"net/http"
	"strconv"
)

// Pagination holds pagination metadata for list responses.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// Offset returns the row offset of the page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// ParsePagination reads page and limit from the query, capping limit at maxPerPage.
func ParsePagination(r *http.Request, defaultPerPage, maxPerPage int) Pagination {
	q := r.URL.Query()
	p := Pagination{
		Page:    AtoiDefault(q.Get("page"), 1),
		PerPage: AtoiDefault(q.Get("limit"), defaultPerPage),
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = defaultPerPage
	}
	if maxPerPage > 0 && p.PerPage > maxPerPage {
		p.PerPage = maxPerPage
	}
	return p
}

// AtoiDefault converts value to an integer, falling back to def when parsing fails.
func AtoiDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
