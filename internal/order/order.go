// Package order
package order

import (
	"fmt"

	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/shopspring/decimal"
)

// Status of an order on the local venue.
type Status string

const (
	StatusInit      Status = "init"
	StatusPending   Status = "pending"
	StatusApproving Status = "approving"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Open reports whether the order still rests on the local book and is owned by the reconciler.
func (s Status) Open() bool {
	return s == StatusInit || s == StatusPending
}

// LocalOrder is an order as seen on the local venue. It is read-only to the bot and only
// changes through venue calls.
type LocalOrder struct {
	ID            int64
	Pair          market.Pair
	Side          market.Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Total         decimal.Decimal
	Status        Status
	NeedsApproval bool
}

// FromLevel builds the payload of a new local order mirroring a remote level.
func FromLevel(pair market.Pair, level market.PriceLevel) LocalOrder {
	return LocalOrder{
		Pair:          pair,
		Side:          level.Side,
		Price:         level.Price,
		Amount:        level.Amount,
		Total:         level.Price.Mul(level.Amount),
		NeedsApproval: true,
	}
}

// Level returns the order as a price level.
func (o LocalOrder) Level() market.PriceLevel {
	return market.PriceLevel{Price: o.Price, Amount: o.Amount, Side: o.Side}
}

func (o LocalOrder) String() string {
	return fmt.Sprintf("#%d %s %s %s@%s (%s)", o.ID, o.Pair, o.Side, o.Amount, o.Price, o.Status)
}

// Filter selects local orders when listing them.
type Filter struct {
	Pair     market.Pair
	Side     market.Side
	Statuses []Status
}

// ActionKind is the mutation an Action applies to the local book.
type ActionKind string

const (
	Create   ActionKind = "create"
	Delete   ActionKind = "delete"
	Increase ActionKind = "increase"
	Decrease ActionKind = "decrease"
)

// Priorities: everything that frees balance runs before anything that consumes it.
const (
	PriorityRelease = 0
	PriorityConsume = 1
)

// Priority returns the fixed priority of the kind.
func (k ActionKind) Priority() int {
	switch k {
	case Delete, Decrease:
		return PriorityRelease
	default:
		return PriorityConsume
	}
}

// Action is one planned mutation of the local book, transient to a reconciliation cycle.
// Create payloads carry no ID.
type Action struct {
	Kind     ActionKind
	Priority int
	Order    LocalOrder
}

// NewAction builds an action with the priority of its kind.
func NewAction(kind ActionKind, o LocalOrder) Action {
	return Action{Kind: kind, Priority: kind.Priority(), Order: o}
}

func (a Action) String() string {
	return fmt.Sprintf("%s(p%d) %s", a.Kind, a.Priority, a.Order)
}
