package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/bridge-trader/internal/exchange"
	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/amirphl/bridge-trader/internal/metrics"
	"github.com/amirphl/bridge-trader/internal/order"
	"github.com/amirphl/bridge-trader/internal/utils"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// SettlementSink receives local orders a counterparty has accepted.
type SettlementSink interface {
	Submit(ctx context.Context, approving []order.LocalOrder)
}

// Options configures a Reconciler.
type Options struct {
	Pair         market.Pair
	PollInterval time.Duration
	// BudgetCurrency is the local currency whose balance funds each side. Defaults to the
	// base currency of the pair for both sides.
	BudgetCurrency map[market.Side]string
}

// Reconciler periodically mirrors the remote windows onto the local venue.
type Reconciler struct {
	opts     Options
	book     *market.Book
	venue    exchange.LocalVenue
	executor *Executor
	sink     SettlementSink
}

func NewReconciler(opts Options, book *market.Book, venue exchange.LocalVenue, sink SettlementSink) *Reconciler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BudgetCurrency == nil {
		opts.BudgetCurrency = map[market.Side]string{}
	}
	for _, side := range market.Sides {
		if opts.BudgetCurrency[side] == "" {
			opts.BudgetCurrency[side] = opts.Pair.Base()
		}
	}
	return &Reconciler{
		opts:     opts,
		book:     book,
		venue:    venue,
		executor: NewExecutor(venue),
		sink:     sink,
	}
}

// OpenOrders keeps the orders still resting on the local book.
func OpenOrders(orders []order.LocalOrder) []order.LocalOrder {
	return lo.Filter(orders, func(o order.LocalOrder, _ int) bool {
		return o.Status.Open()
	})
}

// LockedBalance is the amount tied up in our own open orders.
func LockedBalance(orders []order.LocalOrder) decimal.Decimal {
	return lo.Reduce(OpenOrders(orders), func(sum decimal.Decimal, o order.LocalOrder, _ int) decimal.Decimal {
		return sum.Add(o.Amount)
	}, decimal.Zero)
}

// Run polls until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	utils.GetLogger().Infof("Reconciler | Starting for %s every %v", r.opts.Pair, r.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			utils.GetLogger().Info("Reconciler | Stopped")
			return
		case <-ticker.C:
			if err := r.Cycle(ctx); err != nil {
				utils.GetLogger().Errorf("Reconciler | Cycle failed: %v", err)
			}
		}
	}
}

// Cycle runs one reconciliation pass over both sides and hands approving orders to settlement.
func (r *Reconciler) Cycle(ctx context.Context) error {
	orders, err := r.venue.ListOrders(ctx, order.Filter{
		Pair:     r.opts.Pair,
		Statuses: []order.Status{order.StatusInit, order.StatusPending, order.StatusApproving},
	})
	if err != nil {
		return fmt.Errorf("list local orders: %w", err)
	}

	approving := lo.Filter(orders, func(o order.LocalOrder, _ int) bool {
		return o.Status == order.StatusApproving
	})
	if len(approving) > 0 && r.sink != nil {
		r.sink.Submit(ctx, approving)
	}

	open := OpenOrders(orders)
	for _, side := range market.Sides {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sideOrders := lo.Filter(open, func(o order.LocalOrder, _ int) bool { return o.Side == side })
		if _, err := r.reconcileSide(ctx, side, sideOrders); err != nil {
			utils.GetLogger().Errorf("Reconciler | %s side: %v", side, err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileSide(ctx context.Context, side market.Side, local []order.LocalOrder) (Report, error) {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	}()

	currency := r.opts.BudgetCurrency[side]
	balance, err := r.venue.AccountBalance(ctx, currency)
	if err != nil {
		return Report{}, fmt.Errorf("balance %s: %w", currency, err)
	}
	budget := balance.Available.Add(LockedBalance(local))

	window := r.book.Window(side)
	levels := window.Levels()
	metrics.WindowLevels.WithLabelValues(string(side)).Set(float64(len(levels)))

	actions := Plan(r.opts.Pair, local, CutOff(budget, levels))
	if len(actions) == 0 {
		return Report{}, nil
	}
	report := r.executor.Apply(ctx, actions)
	utils.GetLogger().Infof("Reconciler | %s side: budget=%s %s levels=%d actions=%d %s",
		side, budget, currency, len(levels), len(actions), report)
	return report, nil
}

// Drain cancels every open local order of the pair. It is meant to run on shutdown with a
// fresh context since the reconciler's own context is already done by then.
func (r *Reconciler) Drain(ctx context.Context) Report {
	orders, err := r.venue.ListOrders(ctx, order.Filter{
		Pair:     r.opts.Pair,
		Statuses: []order.Status{order.StatusInit, order.StatusPending},
	})
	if err != nil {
		utils.GetLogger().Errorf("Reconciler | Drain could not list orders: %v", err)
		return Report{}
	}
	actions := Plan(r.opts.Pair, OpenOrders(orders), nil)
	report := r.executor.Apply(ctx, actions)
	utils.GetLogger().Infof("Reconciler | Drained %d open orders: %s", len(actions), report)
	return report
}
