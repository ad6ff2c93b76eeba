package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/amirphl/bridge-trader/internal/exchange"
	"github.com/amirphl/bridge-trader/internal/exchange/exchangetest"
	"github.com/amirphl/bridge-trader/internal/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callStrings(calls []exchangetest.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.String())
	}
	return out
}

func TestExecutor_AppliesInOrder(t *testing.T) {
	venue := exchangetest.NewLocalVenue()
	del := venue.Add(localOrder(1, "5", "1"))
	upd := venue.Add(localOrder(2, "3", "4"))

	actions := []order.Action{
		order.NewAction(order.Delete, del),
		order.NewAction(order.Decrease, merge(upd, lvl("2", "3"))),
		order.NewAction(order.Create, order.FromLevel("btc_eth", lvl("1", "7"))),
	}

	report := NewExecutor(venue).Apply(context.Background(), actions)
	assert.Equal(t, Report{Applied: 3}, report)
	assert.Equal(t, []string{"lock(1)", "cancel(1)", "lock(2)", "update(2)", "unlock(2)", "create(0)"}, callStrings(venue.Calls()))

	got, _ := venue.Order(1)
	assert.Equal(t, order.StatusCanceled, got.Status)
	got, _ = venue.Order(2)
	assert.Equal(t, "2", got.Amount.String())
	assert.False(t, venue.IsLocked(2))
	assert.Len(t, venue.Orders(), 3)
}

func TestExecutor_LockFailureSkips(t *testing.T) {
	venue := exchangetest.NewLocalVenue()
	a := venue.Add(localOrder(1, "1", "1"))
	b := venue.Add(localOrder(2, "2", "1"))
	venue.FailOn("lock", 1, fmt.Errorf("held: %w", exchange.ErrLockFailure))

	report := NewExecutor(venue).Apply(context.Background(), []order.Action{
		order.NewAction(order.Delete, a),
		order.NewAction(order.Delete, b),
	})

	assert.Equal(t, Report{Applied: 1, Skipped: 1}, report)
	assert.Equal(t, []string{"lock(1)", "lock(2)", "cancel(2)"}, callStrings(venue.Calls()))
}

func TestExecutor_UnlockFailureAfterUpdateCountsAsApplied(t *testing.T) {
	venue := exchangetest.NewLocalVenue()
	a := venue.Add(localOrder(1, "1", "1"))
	venue.FailOn("unlock", 1, fmt.Errorf("busy: %w", exchange.ErrLockFailure))

	report := NewExecutor(venue).Apply(context.Background(), []order.Action{
		order.NewAction(order.Increase, merge(a, lvl("3", "1"))),
	})

	assert.Equal(t, Report{Applied: 1}, report)
	assert.Equal(t, []string{"lock(1)", "update(1)", "unlock(1)"}, callStrings(venue.Calls()))
	got, _ := venue.Order(1)
	assert.Equal(t, "3", got.Amount.String())
}

func TestExecutor_ValidationUnlocksAndContinues(t *testing.T) {
	venue := exchangetest.NewLocalVenue()
	a := venue.Add(localOrder(1, "1", "1"))
	venue.FailOn("update", 1, exchange.ErrValidationRejected)
	venue.FailOn("create", 0, exchange.ErrValidationRejected)

	report := NewExecutor(venue).Apply(context.Background(), []order.Action{
		order.NewAction(order.Increase, merge(a, lvl("3", "1"))),
		order.NewAction(order.Create, order.FromLevel("btc_eth", lvl("0.0001", "2"))),
		order.NewAction(order.Delete, a),
	})

	assert.Equal(t, Report{Applied: 1, Rejected: 2}, report)
	assert.Equal(t, []string{
		"lock(1)", "update(1)", "unlock(1)",
		"create(0)",
		"lock(1)", "cancel(1)",
	}, callStrings(venue.Calls()))
}

func TestExecutor_InsufficientBalanceAborts(t *testing.T) {
	venue := exchangetest.NewLocalVenue()
	a := venue.Add(localOrder(1, "1", "1"))
	venue.FailOn("update", 1, fmt.Errorf("wrapped: %w", exchange.ErrInsufficientBalance))

	report := NewExecutor(venue).Apply(context.Background(), []order.Action{
		order.NewAction(order.Increase, merge(a, lvl("9", "1"))),
		order.NewAction(order.Create, order.FromLevel("btc_eth", lvl("1", "2"))),
		order.NewAction(order.Create, order.FromLevel("btc_eth", lvl("1", "3"))),
	})

	assert.True(t, report.Aborted)
	assert.Equal(t, 2, report.Dropped)
	assert.Equal(t, []string{"lock(1)", "update(1)", "unlock(1)"}, callStrings(venue.Calls()))
	assert.False(t, venue.IsLocked(1))
}

func TestExecutor_InsufficientBalanceOnCreateNeedsNoUnlock(t *testing.T) {
	venue := exchangetest.NewLocalVenue()
	venue.FailOn("create", 0, exchange.ErrInsufficientBalance)

	report := NewExecutor(venue).Apply(context.Background(), []order.Action{
		order.NewAction(order.Create, order.FromLevel("btc_eth", lvl("1", "2"))),
		order.NewAction(order.Create, order.FromLevel("btc_eth", lvl("1", "3"))),
	})

	assert.True(t, report.Aborted)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, []string{"create(0)"}, callStrings(venue.Calls()))
}

func TestExecutor_OtherErrorsAreContained(t *testing.T) {
	venue := exchangetest.NewLocalVenue()
	a := venue.Add(localOrder(1, "1", "1"))
	b := venue.Add(localOrder(2, "2", "1"))
	venue.FailOn("cancel", 1, fmt.Errorf("%w: timeout", exchange.ErrTransientNetwork))

	report := NewExecutor(venue).Apply(context.Background(), []order.Action{
		order.NewAction(order.Delete, a),
		order.NewAction(order.Delete, b),
	})

	assert.Equal(t, Report{Applied: 1, Skipped: 1}, report)
	assert.Equal(t, []string{"lock(1)", "cancel(1)", "unlock(1)", "lock(2)", "cancel(2)"}, callStrings(venue.Calls()))
}

func TestExecutor_StopsWhenContextDone(t *testing.T) {
	venue := exchangetest.NewLocalVenue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := NewExecutor(venue).Apply(ctx, []order.Action{
		order.NewAction(order.Create, order.FromLevel("btc_eth", lvl("1", "2"))),
	})
	assert.Equal(t, 1, report.Dropped)
	assert.Empty(t, venue.Calls())
}

func TestExecutor_CreateAlwaysNeedsApproval(t *testing.T) {
	venue := exchangetest.NewLocalVenue()
	o := order.FromLevel("btc_eth", lvl("1", "2"))
	o.NeedsApproval = false

	report := NewExecutor(venue).Apply(context.Background(), []order.Action{order.NewAction(order.Create, o)})
	require.Equal(t, 1, report.Applied)
	assert.True(t, venue.Orders()[0].NeedsApproval)
}
