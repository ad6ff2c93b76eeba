package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/bridge-trader/internal/exchange"
	"github.com/amirphl/bridge-trader/internal/journal"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateSettlement is returned when a redirect already exists for a local order.
	ErrDuplicateSettlement = errors.New("settlement already exists for local order")
	ErrRedirectNotFound    = errors.New("redirect not found")
	// ErrNoTransaction is returned by LockRedirect outside WithinTx.
	ErrNoTransaction = errors.New("redirect lock requires a transaction")
)

// Redirect tracks the hedge of one approving local order on the remote venue.
type Redirect struct {
	ID            int64
	Status        Status
	LocalOrderID  int64
	RemoteOrderID string
	TaskID        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transmission is one withdrawal leg of a settled redirect, one per system. Rows are never
// updated.
type Transmission struct {
	ID             int64
	RedirectID     int64
	Currency       string
	Amount         decimal.Decimal
	System         exchange.System
	Address        string
	WithdrawalID   string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Store persists redirects and their transmissions.
type Store interface {
	journal.Journaler

	CreateRedirect(ctx context.Context, r Redirect) (Redirect, error)
	GetRedirect(ctx context.Context, id int64) (Redirect, error)
	GetRedirectByLocalOrder(ctx context.Context, localOrderID int64) (Redirect, error)
	// LockRedirect reads the redirect and holds its row lock until the surrounding
	// transaction ends.
	LockRedirect(ctx context.Context, id int64) (Redirect, error)
	UpdateRedirect(ctx context.Context, r Redirect) error
	ListRedirects(ctx context.Context, statuses ...Status) ([]Redirect, error)

	SaveTransmission(ctx context.Context, t Transmission) (Transmission, error)
	GetTransmissions(ctx context.Context, redirectID int64) ([]Transmission, error)

	// WithinTx runs fn in one transaction carried by the context passed to fn.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
