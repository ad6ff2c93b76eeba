// Package reconcile keeps the local book in line with the remote window.
package reconcile

import (
	"sort"

	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/amirphl/bridge-trader/internal/order"
	"github.com/samber/lo"
)

// Plan diffs the local open orders against the (already cut off) remote levels by price and
// returns the actions that bring the local book in line, sorted by priority then price.
// Only one local order per price is representable; the last one wins.
func Plan(pair market.Pair, local []order.LocalOrder, remote []market.PriceLevel) []order.Action {
	byPriceLocal := lo.SliceToMap(local, func(o order.LocalOrder) (string, order.LocalOrder) {
		return market.PriceKey(o.Price), o
	})
	byPriceRemote := lo.SliceToMap(remote, func(l market.PriceLevel) (string, market.PriceLevel) {
		return market.PriceKey(l.Price), l
	})

	actions := make([]order.Action, 0, len(byPriceLocal)+len(byPriceRemote))
	for key, o := range byPriceLocal {
		if _, ok := byPriceRemote[key]; !ok {
			actions = append(actions, order.NewAction(order.Delete, o))
		}
	}
	for key, level := range byPriceRemote {
		o, ok := byPriceLocal[key]
		if !ok {
			actions = append(actions, order.NewAction(order.Create, order.FromLevel(pair, level)))
			continue
		}
		diff := level.Amount.Sub(o.Amount)
		switch diff.Sign() {
		case 1:
			actions = append(actions, order.NewAction(order.Increase, merge(o, level)))
		case -1:
			actions = append(actions, order.NewAction(order.Decrease, merge(o, level)))
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority < actions[j].Priority
		}
		return actions[i].Order.Price.LessThan(actions[j].Order.Price)
	})
	return actions
}

// merge keeps the identity of the local order and takes price and amount from the remote level.
func merge(o order.LocalOrder, level market.PriceLevel) order.LocalOrder {
	o.Price = level.Price
	o.Amount = level.Amount
	o.Total = level.Price.Mul(level.Amount)
	return o
}
