package store

import (
	"context"

	"gorm.io/gorm"
)

// Ctx bundles a context.Context with an optional open transaction so
// repository methods can be composed inside a caller's transaction or
// fall back to the repository's own connection.
type Ctx struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func (c Ctx) tx(fallback *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx
	}
	return fallback
}
