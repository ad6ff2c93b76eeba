package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/bridge-trader/internal/exchange"
	"github.com/amirphl/bridge-trader/internal/metrics"
	"github.com/amirphl/bridge-trader/internal/order"
	"github.com/amirphl/bridge-trader/internal/utils"
)

// Report summarizes one executor pass.
type Report struct {
	Applied  int
	Skipped  int // lock held by someone else, or a contained failure
	Rejected int // refused by venue validation
	Aborted  bool
	Dropped  int // actions never attempted after an abort
}

func (r Report) String() string {
	return fmt.Sprintf("applied=%d skipped=%d rejected=%d aborted=%t dropped=%d",
		r.Applied, r.Skipped, r.Rejected, r.Aborted, r.Dropped)
}

// Executor applies planned actions to the local venue.
type Executor struct {
	venue exchange.LocalVenue
}

func NewExecutor(venue exchange.LocalVenue) *Executor {
	return &Executor{venue: venue}
}

// Apply runs actions sequentially in the given order. Per-action failures are contained;
// only an insufficient balance stops the pass.
func (e *Executor) Apply(ctx context.Context, actions []order.Action) Report {
	var report Report
	for i, action := range actions {
		if ctx.Err() != nil {
			report.Dropped += len(actions) - i
			return report
		}

		locked, err := e.apply(ctx, action)
		if err == nil {
			report.Applied++
			metrics.Actions.WithLabelValues(string(action.Kind), "applied").Inc()
			continue
		}

		switch {
		case errors.Is(err, exchange.ErrLockFailure):
			report.Skipped++
			metrics.Actions.WithLabelValues(string(action.Kind), "lock_failure").Inc()

		case errors.Is(err, exchange.ErrValidationRejected):
			report.Rejected++
			metrics.Actions.WithLabelValues(string(action.Kind), "rejected").Inc()
			utils.GetLogger().Warnf("Executor | %s rejected: %v", action, err)
			if locked {
				e.unlock(ctx, action.Order.ID)
			}

		case errors.Is(err, exchange.ErrInsufficientBalance):
			metrics.Actions.WithLabelValues(string(action.Kind), "insufficient_balance").Inc()
			utils.GetLogger().Warnf("Executor | %s: %v, dropping %d remaining actions", action, err, len(actions)-i-1)
			if locked {
				e.unlock(ctx, action.Order.ID)
			}
			report.Aborted = true
			report.Dropped = len(actions) - i - 1
			return report

		default:
			report.Skipped++
			metrics.Actions.WithLabelValues(string(action.Kind), "error").Inc()
			utils.GetLogger().Errorf("Executor | %s failed: %v", action, err)
			if locked {
				e.unlock(ctx, action.Order.ID)
			}
		}
	}
	return report
}

// apply performs one action and reports whether the order was left locked by it.
func (e *Executor) apply(ctx context.Context, action order.Action) (bool, error) {
	o := action.Order
	switch action.Kind {
	case order.Delete:
		if err := e.venue.LockOrder(ctx, o.ID); err != nil {
			return false, err
		}
		// A canceled order needs no unlock.
		if err := e.venue.CancelOrder(ctx, o.ID); err != nil {
			return true, err
		}
		return false, nil

	case order.Increase, order.Decrease:
		if err := e.venue.LockOrder(ctx, o.ID); err != nil {
			return false, err
		}
		if err := e.venue.UpdateOrder(ctx, o.ID, o.Price, o.Amount); err != nil {
			return true, err
		}
		// A failed unlock is only logged; the update stands.
		e.unlock(ctx, o.ID)
		return false, nil

	case order.Create:
		o.NeedsApproval = true
		_, err := e.venue.CreateOrder(ctx, o)
		return false, err

	default:
		return false, fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

func (e *Executor) unlock(ctx context.Context, id int64) {
	if err := e.venue.UnlockOrder(ctx, id); err != nil {
		utils.GetLogger().Errorf("Executor | Failed to unlock order %d: %v", id, err)
	}
}
