package settlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/amirphl/bridge-trader/internal/exchange"
	"github.com/amirphl/bridge-trader/internal/journal"
	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/amirphl/bridge-trader/internal/metrics"
	"github.com/amirphl/bridge-trader/internal/order"
	"github.com/amirphl/bridge-trader/internal/utils"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// idempotencyNamespace scopes withdrawal keys so that they do not collide with other
// SHA1-based UUIDs.
var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("bridge-trader/transmission"))

// Leg is one withdrawal owed once a redirect's remote order has filled.
type Leg struct {
	System   string
	Currency string
	Amount   decimal.Decimal
}

// Legs returns the two withdrawals settling o. A sell hands the base amount out of the
// local venue and the quote total out of the remote one; a buy does the opposite.
func Legs(o order.LocalOrder) []Leg {
	base, quote := o.Pair.Base(), o.Pair.Quote()
	if o.Side == market.Buy {
		return []Leg{
			{System: string(exchange.SystemLocal), Currency: quote, Amount: o.Total},
			{System: string(exchange.SystemRemote), Currency: base, Amount: o.Amount},
		}
	}
	return []Leg{
		{System: string(exchange.SystemLocal), Currency: base, Amount: o.Amount},
		{System: string(exchange.SystemRemote), Currency: quote, Amount: o.Total},
	}
}

// IdempotencyKey is the withdrawal key of the leg of redirectID on system. It is stable
// across retries.
func IdempotencyKey(redirectID int64, system exchange.System) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(strconv.FormatInt(redirectID, 10)+"/"+string(system))).String()
}

// Transferer withdraws funds to the counterparty address of each venue and records the
// transmission.
type Transferer struct {
	store     Store
	local     exchange.LocalVenue
	remote    exchange.RemoteVenue
	addresses map[exchange.System]string
}

// NewTransferer builds a Transferer. addresses maps the venue funds leave to the address
// they are sent to.
func NewTransferer(store Store, local exchange.LocalVenue, remote exchange.RemoteVenue, addresses map[exchange.System]string) *Transferer {
	return &Transferer{store: store, local: local, remote: remote, addresses: addresses}
}

// Transfer withdraws amount of currency out of system for redirectID. A leg already in the
// ledger is returned as-is without a second withdrawal.
func (t *Transferer) Transfer(ctx context.Context, currency string, amount decimal.Decimal, systemName string, redirectID int64) (Transmission, error) {
	system, err := exchange.ParseSystem(systemName)
	if err != nil {
		metrics.Transfers.WithLabelValues(systemName, "unknown_system").Inc()
		return Transmission{}, err
	}

	recorded, err := t.store.GetTransmissions(ctx, redirectID)
	if err != nil {
		return Transmission{}, fmt.Errorf("load transmissions of redirect %d: %w", redirectID, err)
	}
	if prev, ok := lo.Find(recorded, func(tr Transmission) bool { return tr.System == system }); ok {
		utils.GetLogger().Infof("Transfer | Redirect %d leg %s already sent (withdrawal %s)", redirectID, system, prev.WithdrawalID)
		return prev, nil
	}

	address := t.addresses[system]
	if address == "" {
		return Transmission{}, fmt.Errorf("no counterparty address configured for %s", system)
	}
	key := IdempotencyKey(redirectID, system)

	var w exchange.Withdrawal
	switch system {
	case exchange.SystemLocal:
		w, err = t.local.CreateWithdrawal(ctx, currency, amount, address, key)
	case exchange.SystemRemote:
		w, err = t.remote.Withdraw(ctx, currency, amount, address, key)
	}
	if err != nil {
		metrics.Transfers.WithLabelValues(string(system), "failed").Inc()
		return Transmission{}, fmt.Errorf("withdraw %s %s from %s: %w", amount, currency, system, err)
	}

	tr, err := t.store.SaveTransmission(ctx, Transmission{
		RedirectID:     redirectID,
		Currency:       currency,
		Amount:         amount,
		System:         system,
		Address:        address,
		WithdrawalID:   w.ID,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return Transmission{}, fmt.Errorf("record transmission of redirect %d: %w", redirectID, err)
	}

	if err := t.store.LogEvent(ctx, journal.Event{
		Time:        tr.CreatedAt,
		Type:        journal.TypeTransmission,
		Description: fmt.Sprintf("sent %s %s from %s", amount, currency, system),
		Data: map[string]any{
			"redirect_id":   redirectID,
			"system":        string(system),
			"currency":      currency,
			"amount":        amount.String(),
			"withdrawal_id": w.ID,
		},
	}); err != nil {
		return Transmission{}, fmt.Errorf("journal transmission: %w", err)
	}

	metrics.Transfers.WithLabelValues(string(system), "sent").Inc()
	return tr, nil
}
