// Package dbctx bundles a request-scoped context.Context with an optional
// GORM transaction handle, so repository methods never need two separate
// parameters to decide "inside whose transaction am I running".
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context carries the caller's ctx plus an optional transaction. When Tx
// is nil, repo methods fall back to their own *gorm.DB connection.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Background returns a Context with no transaction and a background
// context.Context, for call sites outside a request (heartbeats, pollers).
func Background() Context {
	return Context{Ctx: context.Background()}
}

// WithTx returns a copy of c bound to tx.
func (c Context) WithTx(tx *gorm.DB) Context {
	c.Tx = tx
	return c
}

func (c Context) Resolve(db *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx
	}
	return db
}
