// Package market
package market

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedOrderType is returned for a side label the feed should never send.
var ErrMalformedOrderType = errors.New("malformed order type")

// Side of an order book or an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sides lists both sides in the order the reconciler walks them.
var Sides = []Side{Buy, Sell}

// ParseSide maps the labels used by venues and feeds ("bid", "asks", "buyDepth", ...)
// onto a Side.
func ParseSide(label string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "bid", "bids", "buy", "buydepth":
		return Buy, nil
	case "ask", "asks", "sell", "selldepth":
		return Sell, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrMalformedOrderType, label)
	}
}

// PriceLevel is one (price, amount) entry of one side of a remote order book.
type PriceLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
	Side   Side
}

// PriceKey is the canonical map key for a price; "1.10" and "1.1" share a key.
func PriceKey(p decimal.Decimal) string {
	return p.String()
}

// Pair is a currency pair in "quote_base" form, e.g. "btc_eth" quotes ETH in BTC.
type Pair string

// Quote returns the currency prices are expressed in.
func (p Pair) Quote() string {
	quote, _, _ := strings.Cut(strings.ToLower(string(p)), "_")
	return quote
}

// Base returns the currency amounts are expressed in.
func (p Pair) Base() string {
	_, base, _ := strings.Cut(strings.ToLower(string(p)), "_")
	return base
}

// Validate checks the pair has both currencies.
func (p Pair) Validate() error {
	if p.Quote() == "" || p.Base() == "" {
		return fmt.Errorf("invalid pair %q, expected quote_base", string(p))
	}
	return nil
}

func (p Pair) String() string {
	return strings.ToLower(string(p))
}

// DeltaType tells whether a delta adds/changes a level or removes it.
type DeltaType string

const (
	LevelAdded   DeltaType = "LevelAdded"
	LevelRemoved DeltaType = "LevelRemoved"
)

// Delta is one push notification from the remote venue's order book feed.
// SideLabel is kept raw; it is only turned into a Side by Level.
type Delta struct {
	Type      DeltaType
	Pair      Pair
	SideLabel string
	Price     decimal.Decimal
	Amount    decimal.Decimal
}

// Level converts the delta into a PriceLevel. A removal always carries a zero amount.
func (d Delta) Level() (PriceLevel, error) {
	side, err := ParseSide(d.SideLabel)
	if err != nil {
		return PriceLevel{}, err
	}
	amount := d.Amount
	if d.Type == LevelRemoved {
		amount = decimal.Zero
	}
	return PriceLevel{Price: d.Price, Amount: amount, Side: side}, nil
}

// OrderBook is a remote order book snapshot.
type OrderBook struct {
	Pair      Pair
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// Levels returns the snapshot levels of one side.
func (ob OrderBook) Levels(side Side) []PriceLevel {
	if side == Buy {
		return ob.Bids
	}
	return ob.Asks
}

// Balance represents an asset balance on a venue.
type Balance struct {
	Currency  string
	Available decimal.Decimal
	Locked    decimal.Decimal
}
