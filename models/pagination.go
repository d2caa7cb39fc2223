package models

import (
	"strings"

	"gorm.io/gorm"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 200
)

// Query is the common page/limit/search input of every list endpoint.
type Query struct {
	Page   int    `form:"page" json:"page"`
	Limit  int    `form:"limit" json:"limit"`
	Search string `form:"search" json:"search"`
}

func (q Query) Normalize() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}

func (q Query) Offset() int {
	q = q.Normalize()
	return (q.Page - 1) * q.Limit
}

// Paginate is a gorm scope applying limit/offset.
func Paginate(q Query) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		q = q.Normalize()
		return db.Offset(q.Offset()).Limit(q.Limit)
	}
}

// SearchLike is a gorm scope matching search against any of the given columns.
func SearchLike(search string, columns ...string) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		search = strings.TrimSpace(search)
		if search == "" || len(columns) == 0 {
			return db
		}
		like := "%" + search + "%"
		conds := make([]string, 0, len(columns))
		args := make([]any, 0, len(columns))
		for _, c := range columns {
			conds = append(conds, c+" LIKE ?")
			args = append(args, like)
		}
		return db.Where("("+strings.Join(conds, " OR ")+")", args...)
	}
}

// Page is a single page of results with the unpaged total.
type Page[T any] struct {
	Data  []T   `json:"data"`
	Total int64 `json:"total"`
}
