package option

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/recoup/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type optionFunc func(*gorm.DB) *gorm.DB

func (f optionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

// Condition is a single comparison against a column.
type Condition struct {
	Field string
	Op    Operator
	Value any
}

func ApplyOperator(c Condition) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		if strings.TrimSpace(c.Field) == "" {
			return db
		}
		return db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Op), c.Value)
	})
}

func ApplyPagination(p pagination.Pagination) QueryOption {
	p = p.Normalize()
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Limit(p.Limit).Offset(p.Offset)
	})
}

func WithSortBy(field, direction string) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		field = strings.TrimSpace(field)
		if field == "" {
			return db
		}
		direction = strings.ToLower(strings.TrimSpace(direction))
		if direction != "asc" && direction != "desc" {
			direction = "asc"
		}
		return db.Order(field + " " + direction)
	})
}

func WithLimit(limit int) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}
