package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/bridge-trader/internal/exchange"
	"github.com/amirphl/bridge-trader/internal/journal"
	"github.com/amirphl/bridge-trader/internal/metrics"
	"github.com/amirphl/bridge-trader/internal/notifier"
	"github.com/amirphl/bridge-trader/internal/order"
	"github.com/amirphl/bridge-trader/internal/utils"
)

// Machine drives redirects through their statuses. Each step holds the redirect's row lock
// for the duration of its effect.
type Machine struct {
	store    Store
	local    exchange.LocalVenue
	remote   exchange.RemoteVenue
	transfer *Transferer
	notifier notifier.Notifier
}

func NewMachine(store Store, local exchange.LocalVenue, remote exchange.RemoteVenue, transfer *Transferer, n notifier.Notifier) *Machine {
	return &Machine{store: store, local: local, remote: remote, transfer: transfer, notifier: n}
}

// Run steps redirect id until its status stops changing or becomes terminal. A single run
// may cascade through several statuses.
func (m *Machine) Run(ctx context.Context, id int64) error {
	for {
		status, changed, err := m.Step(ctx, id)
		if err != nil {
			return err
		}
		if !changed || status.Terminal() {
			return nil
		}
	}
}

// Step performs the effect owed by the redirect's current status and persists the outcome
// in one transaction. It returns the resulting status and whether it changed.
func (m *Machine) Step(ctx context.Context, id int64) (Status, bool, error) {
	var from, to Status
	err := m.store.WithinTx(ctx, func(ctx context.Context) error {
		r, err := m.store.LockRedirect(ctx, id)
		if err != nil {
			return err
		}
		from, to = r.Status, r.Status

		effect := Decide(r.Status)
		if effect == EffectNone {
			return nil
		}

		o, err := m.local.GetOrder(ctx, r.LocalOrderID)
		if err != nil {
			return fmt.Errorf("load local order %d: %w", r.LocalOrderID, err)
		}

		obs, err := m.perform(ctx, &r, o, effect)
		if err != nil {
			return fmt.Errorf("redirect %d %s: %w", r.ID, effect, err)
		}

		to = Transition(r.Status, obs)
		if to == from {
			return nil
		}
		r.Status = to
		r.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateRedirect(ctx, r); err != nil {
			return err
		}
		return m.store.LogEvent(ctx, journal.Event{
			Time:        r.UpdatedAt,
			Type:        journal.TypeTransition,
			Description: fmt.Sprintf("redirect %d %s -> %s", r.ID, from, to),
			Data: map[string]any{
				"redirect_id":     r.ID,
				"local_order_id":  r.LocalOrderID,
				"remote_order_id": r.RemoteOrderID,
				"from":            string(from),
				"to":              string(to),
				"filled":          obs.Filled.String(),
			},
		})
	})
	if err != nil {
		return from, false, err
	}
	if to == from {
		return to, false, nil
	}

	metrics.Settlements.WithLabelValues(string(from), string(to)).Inc()
	utils.GetLogger().Infof("Settlement | Redirect %d %s -> %s", id, from, to)
	if to == StatusCompleted {
		m.notify(fmt.Sprintf("Settlement completed: redirect %d", id))
	}
	return to, true, nil
}

func (m *Machine) perform(ctx context.Context, r *Redirect, o order.LocalOrder, effect Effect) (Observation, error) {
	obs := Observation{Requested: o.Amount}
	switch effect {
	case EffectPlaceRemote:
		placed, err := m.remote.PlaceOrder(ctx, o.Pair, o.Side, o.Price, o.Amount)
		if err != nil {
			return obs, err
		}
		r.RemoteOrderID = placed.ID
		obs.Filled = placed.Filled

	case EffectCheckFill:
		trades, err := m.remote.OrderTrades(ctx, r.RemoteOrderID)
		if err != nil {
			return obs, err
		}
		obs.Filled = exchange.FilledAmount(trades)

	case EffectApproveLocal:
		if err := m.local.ApproveOrder(ctx, o.ID); err != nil {
			return obs, err
		}
		obs.Done = true

	case EffectTransfer:
		for _, leg := range Legs(o) {
			if _, err := m.transfer.Transfer(ctx, leg.Currency, leg.Amount, leg.System, r.ID); err != nil {
				return obs, err
			}
		}
		obs.Done = true
	}
	return obs, nil
}

// Failed journals and reports a redirect whose task gave up.
func (m *Machine) Failed(ctx context.Context, id int64, err error) {
	utils.GetLogger().Errorf("Settlement | Redirect %d gave up: %v", id, err)
	if logErr := m.store.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        journal.TypeFailure,
		Description: err.Error(),
		Data:        map[string]any{"redirect_id": id},
	}); logErr != nil {
		utils.GetLogger().Errorf("Settlement | Failed to journal failure of redirect %d: %v", id, logErr)
	}
	m.notify(fmt.Sprintf("Settlement of redirect %d failed: %v", id, err))
}

func (m *Machine) notify(msg string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.SendWithRetry(msg); err != nil {
		utils.GetLogger().Errorf("Settlement | Notification failed: %v", err)
	}
}
