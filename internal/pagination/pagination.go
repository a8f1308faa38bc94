// Package pagination provides pageNum/pageSize pagination utilities.
package pagination

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Params is a parsed page request.
type Params struct {
	PageNum  int `json:"pageNum"`
	PageSize int `json:"pageSize"`
}

// FromQuery parses pageNum/pageSize query params with clamped defaults.
func FromQuery(c *gin.Context) Params {
	p := Params{PageNum: 1, PageSize: DefaultPageSize}
	if v, err := strconv.Atoi(c.Query("pageNum")); err == nil && v > 0 {
		p.PageNum = v
	}
	if v, err := strconv.Atoi(c.Query("pageSize")); err == nil && v > 0 {
		p.PageSize = v
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset returns the SQL offset for the page.
func (p Params) Offset() int {
	return (p.PageNum - 1) * p.PageSize
}

// Page wraps one page of results with the total row count.
type Page[T any] struct {
	Items    []T   `json:"items"`
	Total    int64 `json:"total"`
	PageNum  int   `json:"pageNum"`
	PageSize int   `json:"pageSize"`
}

// NewPage builds a Page, normalizing a nil item slice to empty.
func NewPage[T any](items []T, total int64, p Params) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, Total: total, PageNum: p.PageNum, PageSize: p.PageSize}
}
