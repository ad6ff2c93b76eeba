package reconcile

import (
	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/shopspring/decimal"
)

// DustThreshold is the amount at or below which a remote level is ignored.
var DustThreshold = decimal.RequireFromString("0.001")

// CutOff trims levels, in the order given, to what balance can fund. Dust levels are
// dropped without consuming balance. The first level that does not strictly fit is clamped
// to the remaining balance and ends the output.
func CutOff(balance decimal.Decimal, levels []market.PriceLevel) []market.PriceLevel {
	if balance.IsZero() {
		return []market.PriceLevel{}
	}

	out := make([]market.PriceLevel, 0, len(levels))
	remaining := balance
	for _, level := range levels {
		if level.Amount.LessThanOrEqual(DustThreshold) {
			continue
		}
		if remaining.GreaterThan(level.Amount) {
			out = append(out, level)
			remaining = remaining.Sub(level.Amount)
			continue
		}
		level.Amount = remaining
		out = append(out, level)
		break
	}
	return out
}
