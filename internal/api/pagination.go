package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// pageParams reads page (1-based) and limit from the query string.
// Bad or missing values fall back to defaults; limit is capped.
func pageParams(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

// pageMeta is the pagination block returned with list responses.
type pageMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func newPageMeta(page, limit, total int) pageMeta {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return pageMeta{Page: page, Limit: limit, Total: total, TotalPages: pages}
}
