// Package db
package db

import (
	"database/sql"

	"github.com/amirphl/bridge-trader/internal/settlement"
)

// ErrDuplicateSettlement is returned by CreateRedirect for a local order that already has one.
var ErrDuplicateSettlement = settlement.ErrDuplicateSettlement

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	settlement.Store
}

var (
	_ Storage = (*Default)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
