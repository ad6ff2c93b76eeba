package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/amirphl/bridge-trader/internal/notifier"
	"github.com/amirphl/bridge-trader/internal/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperExchange proxies market data to a real remote venue and fakes everything that
// would move money: orders fill immediately at their limit price and withdrawals are
// accepted without being sent.
type PaperExchange struct {
	real     RemoteVenue
	notifier notifier.Notifier

	mu           sync.Mutex
	orderCounter int64
	orders       map[string]RemoteOrder
	withdrawals  map[string]Withdrawal // by idempotency key
}

// NewPaperExchange wraps real. real may be nil when no market data is needed (tests).
func NewPaperExchange(real RemoteVenue, n notifier.Notifier) *PaperExchange {
	return &PaperExchange{
		real:         real,
		notifier:     n,
		orderCounter: 1000,
		orders:       make(map[string]RemoteOrder),
		withdrawals:  make(map[string]Withdrawal),
	}
}

func (m *PaperExchange) Name() string {
	return "paper"
}

// ===== PROXY FUNCTIONS - These call the real venue =====

func (m *PaperExchange) OrderBook(ctx context.Context, pair market.Pair, depth int) (market.OrderBook, error) {
	if m.real == nil {
		return market.OrderBook{Pair: pair, Timestamp: time.Now().UTC()}, nil
	}
	return m.real.OrderBook(ctx, pair, depth)
}

// ===== MOCK FUNCTIONS - These provide mock responses =====

func (m *PaperExchange) PlaceOrder(ctx context.Context, pair market.Pair, side market.Side, price, amount decimal.Decimal) (RemoteOrder, error) {
	if err := ctx.Err(); err != nil {
		return RemoteOrder{}, err
	}
	if !amount.IsPositive() || !price.IsPositive() {
		return RemoteOrder{}, fmt.Errorf("%w: paper order needs positive price and amount", ErrValidationRejected)
	}

	m.mu.Lock()
	m.orderCounter++
	id := fmt.Sprintf("paper_%d_%d", time.Now().Unix(), m.orderCounter)
	o := RemoteOrder{
		ID:        id,
		Pair:      pair,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Filled:    amount,
		Status:    "FILLED",
		CreatedAt: time.Now().UTC(),
	}
	m.orders[id] = o
	m.mu.Unlock()

	utils.GetLogger().Infof("PaperExchange | Paper order filled: OrderID=%s, Pair=%s, Side=%s, Price=%s, Amount=%s",
		id, pair, side, price, amount)
	return o, nil
}

func (m *PaperExchange) OrderTrades(ctx context.Context, orderID string) ([]Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	o, ok := m.orders[orderID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return []Trade{{OrderID: o.ID, Price: o.Price, Amount: o.Filled, Time: o.CreatedAt}}, nil
}

func (m *PaperExchange) Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address, idempotencyKey string) (Withdrawal, error) {
	if err := ctx.Err(); err != nil {
		return Withdrawal{}, err
	}

	m.mu.Lock()
	if w, ok := m.withdrawals[idempotencyKey]; ok && idempotencyKey != "" {
		m.mu.Unlock()
		return w, nil
	}
	w := Withdrawal{
		ID:             uuid.NewString(),
		Currency:       currency,
		Amount:         amount,
		Address:        address,
		IdempotencyKey: idempotencyKey,
	}
	m.withdrawals[idempotencyKey] = w
	m.mu.Unlock()

	utils.GetLogger().Infof("PaperExchange | Paper withdrawal of %s %s to %s", amount, currency, address)
	if m.notifier != nil {
		m.notifier.SendWithRetry(fmt.Sprintf("Paper withdrawal of %s %s to %s", amount, currency, address))
	}
	return w, nil
}

// Withdrawals returns the accepted paper withdrawals.
func (m *PaperExchange) Withdrawals() []Withdrawal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Withdrawal, 0, len(m.withdrawals))
	for _, w := range m.withdrawals {
		out = append(out, w)
	}
	return out
}
