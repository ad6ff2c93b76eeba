// Package exchange
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/amirphl/bridge-trader/internal/order"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// System names a venue funds can be withdrawn from.
type System string

const (
	// SystemLocal is the venue we maintain our book on.
	SystemLocal System = "absortium"
	// SystemRemote is the venue whose book we mirror and hedge on.
	SystemRemote System = "poloniex"
)

// ParseSystem validates a system name.
func ParseSystem(name string) (System, error) {
	switch System(name) {
	case SystemLocal, SystemRemote:
		return System(name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSystem, name)
	}
}

// Withdrawal is a withdrawal request accepted by a venue.
type Withdrawal struct {
	ID             string
	Currency       string
	Amount         decimal.Decimal
	Address        string
	IdempotencyKey string
}

// Trade is one fill of a remote order.
type Trade struct {
	OrderID string
	Price   decimal.Decimal
	Amount  decimal.Decimal
	Time    time.Time
}

// RemoteOrder is an order placed on the remote venue.
type RemoteOrder struct {
	ID        string
	Pair      market.Pair
	Side      market.Side
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	Status    string
	CreatedAt time.Time
}

// LocalVenue is the authenticated client of the venue holding our book.
type LocalVenue interface {
	ListOrders(ctx context.Context, filter order.Filter) ([]order.LocalOrder, error)
	GetOrder(ctx context.Context, id int64) (order.LocalOrder, error)
	CreateOrder(ctx context.Context, o order.LocalOrder) (order.LocalOrder, error)
	UpdateOrder(ctx context.Context, id int64, price, amount decimal.Decimal) error
	CancelOrder(ctx context.Context, id int64) error
	ApproveOrder(ctx context.Context, id int64) error
	LockOrder(ctx context.Context, id int64) error
	UnlockOrder(ctx context.Context, id int64) error
	AccountBalance(ctx context.Context, currency string) (market.Balance, error)
	CreateWithdrawal(ctx context.Context, currency string, amount decimal.Decimal, address, idempotencyKey string) (Withdrawal, error)
}

// RemoteVenue is the client of the venue whose book is mirrored.
type RemoteVenue interface {
	Name() string
	OrderBook(ctx context.Context, pair market.Pair, depth int) (market.OrderBook, error)
	PlaceOrder(ctx context.Context, pair market.Pair, side market.Side, price, amount decimal.Decimal) (RemoteOrder, error)
	OrderTrades(ctx context.Context, orderID string) ([]Trade, error)
	Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address, idempotencyKey string) (Withdrawal, error)
}

// FilledAmount sums the amounts of trades.
func FilledAmount(trades []Trade) decimal.Decimal {
	return lo.Reduce(trades, func(filled decimal.Decimal, t Trade, _ int) decimal.Decimal {
		return filled.Add(t.Amount)
	}, decimal.Zero)
}

var (
	_ LocalVenue  = (*LocalClient)(nil)
	_ RemoteVenue = (*WallexExchange)(nil)
	_ RemoteVenue = (*PaperExchange)(nil)
)
