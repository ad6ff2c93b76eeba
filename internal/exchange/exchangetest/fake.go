// Package exchangetest provides in-memory venues for tests.
package exchangetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/amirphl/bridge-trader/internal/exchange"
	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/amirphl/bridge-trader/internal/order"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Call is one recorded venue call, e.g. {"lock", 3}.
type Call struct {
	Method string
	ID     int64
}

func (c Call) String() string { return fmt.Sprintf("%s(%d)", c.Method, c.ID) }

// LocalVenue is an in-memory local venue. Errors can be injected per method and order id;
// id 0 matches any order.
type LocalVenue struct {
	mu          sync.Mutex
	nextID      int64
	orders      map[int64]order.LocalOrder
	locked      map[int64]bool
	balances    map[string]decimal.Decimal
	errs        map[string]error
	calls       []Call
	Withdrawals []exchange.Withdrawal
}

func NewLocalVenue() *LocalVenue {
	return &LocalVenue{
		nextID:   100,
		orders:   make(map[int64]order.LocalOrder),
		locked:   make(map[int64]bool),
		balances: make(map[string]decimal.Decimal),
		errs:     make(map[string]error),
	}
}

// Add stores an order as-is; a zero ID gets a fresh one.
func (v *LocalVenue) Add(o order.LocalOrder) order.LocalOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o.ID == 0 {
		v.nextID++
		o.ID = v.nextID
	}
	v.orders[o.ID] = o
	return o
}

func (v *LocalVenue) SetBalance(currency string, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[currency] = amount
}

// FailOn makes method fail with err for order id (0 for any).
func (v *LocalVenue) FailOn(method string, id int64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errs[errKey(method, id)] = err
}

// Calls returns the recorded calls in order.
func (v *LocalVenue) Calls() []Call {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Call(nil), v.calls...)
}

// Order returns the stored order.
func (v *LocalVenue) Order(id int64) (order.LocalOrder, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[id]
	return o, ok
}

// Orders returns all stored orders sorted by id.
func (v *LocalVenue) Orders() []order.LocalOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := lo.Values(v.orders)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *LocalVenue) IsLocked(id int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.locked[id]
}

func errKey(method string, id int64) string {
	return method + "/" + strconv.FormatInt(id, 10)
}

// record logs the call and returns the injected error, if any. Caller holds mu.
func (v *LocalVenue) record(method string, id int64) error {
	v.calls = append(v.calls, Call{Method: method, ID: id})
	if err, ok := v.errs[errKey(method, id)]; ok {
		return err
	}
	return v.errs[errKey(method, 0)]
}

func (v *LocalVenue) ListOrders(ctx context.Context, filter order.Filter) ([]order.LocalOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("list", 0); err != nil {
		return nil, err
	}
	out := lo.Filter(lo.Values(v.orders), func(o order.LocalOrder, _ int) bool {
		if filter.Pair != "" && o.Pair.String() != filter.Pair.String() {
			return false
		}
		if filter.Side != "" && o.Side != filter.Side {
			return false
		}
		return len(filter.Statuses) == 0 || lo.Contains(filter.Statuses, o.Status)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *LocalVenue) GetOrder(ctx context.Context, id int64) (order.LocalOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("get", id); err != nil {
		return order.LocalOrder{}, err
	}
	o, ok := v.orders[id]
	if !ok {
		return order.LocalOrder{}, fmt.Errorf("%w: %d", exchange.ErrOrderNotFound, id)
	}
	return o, nil
}

func (v *LocalVenue) CreateOrder(ctx context.Context, o order.LocalOrder) (order.LocalOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("create", 0); err != nil {
		return order.LocalOrder{}, err
	}
	v.nextID++
	o.ID = v.nextID
	o.Status = order.StatusInit
	v.orders[o.ID] = o
	return o, nil
}

func (v *LocalVenue) UpdateOrder(ctx context.Context, id int64, price, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("update", id); err != nil {
		return err
	}
	o, ok := v.orders[id]
	if !ok {
		return fmt.Errorf("%w: %d", exchange.ErrOrderNotFound, id)
	}
	o.Price, o.Amount, o.Total = price, amount, price.Mul(amount)
	v.orders[id] = o
	return nil
}

func (v *LocalVenue) CancelOrder(ctx context.Context, id int64) error {
	return v.setStatus("cancel", id, order.StatusCanceled)
}

func (v *LocalVenue) ApproveOrder(ctx context.Context, id int64) error {
	return v.setStatus("approve", id, order.StatusCompleted)
}

func (v *LocalVenue) setStatus(method string, id int64, status order.Status) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record(method, id); err != nil {
		return err
	}
	o, ok := v.orders[id]
	if !ok {
		return fmt.Errorf("%w: %d", exchange.ErrOrderNotFound, id)
	}
	o.Status = status
	v.orders[id] = o
	delete(v.locked, id)
	return nil
}

func (v *LocalVenue) LockOrder(ctx context.Context, id int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("lock", id); err != nil {
		return err
	}
	if v.locked[id] {
		return fmt.Errorf("%w: %d", exchange.ErrLockFailure, id)
	}
	v.locked[id] = true
	return nil
}

func (v *LocalVenue) UnlockOrder(ctx context.Context, id int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("unlock", id); err != nil {
		return err
	}
	delete(v.locked, id)
	return nil
}

func (v *LocalVenue) AccountBalance(ctx context.Context, currency string) (market.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("balance", 0); err != nil {
		return market.Balance{}, err
	}
	return market.Balance{Currency: currency, Available: v.balances[currency]}, nil
}

func (v *LocalVenue) CreateWithdrawal(ctx context.Context, currency string, amount decimal.Decimal, address, idempotencyKey string) (exchange.Withdrawal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("withdraw", 0); err != nil {
		return exchange.Withdrawal{}, err
	}
	w := exchange.Withdrawal{
		ID:             strconv.Itoa(len(v.Withdrawals) + 1),
		Currency:       currency,
		Amount:         amount,
		Address:        address,
		IdempotencyKey: idempotencyKey,
	}
	v.Withdrawals = append(v.Withdrawals, w)
	return w, nil
}

// RemoteVenue is an in-memory remote venue. FillRatio controls how much of an order is filled
// at placement; further fills are added with Fill.
type RemoteVenue struct {
	mu          sync.Mutex
	FillRatio   decimal.Decimal
	Book        market.OrderBook
	orders      map[string]exchange.RemoteOrder
	trades      map[string][]exchange.Trade
	errs        map[string]error
	Withdrawals []exchange.Withdrawal
	Placed      int
}

func NewRemoteVenue() *RemoteVenue {
	return &RemoteVenue{
		FillRatio: decimal.NewFromInt(1),
		orders:    make(map[string]exchange.RemoteOrder),
		trades:    make(map[string][]exchange.Trade),
		errs:      make(map[string]error),
	}
}

// FailOn makes method ("place", "trades", "withdraw", "book") fail with err.
func (r *RemoteVenue) FailOn(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.errs, method)
		return
	}
	r.errs[method] = err
}

// Fill adds a trade to a placed order.
func (r *RemoteVenue) Fill(orderID string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.orders[orderID]
	r.trades[orderID] = append(r.trades[orderID], exchange.Trade{OrderID: orderID, Price: o.Price, Amount: amount})
}

func (r *RemoteVenue) Name() string { return "fake-remote" }

func (r *RemoteVenue) OrderBook(ctx context.Context, pair market.Pair, depth int) (market.OrderBook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs["book"]; err != nil {
		return market.OrderBook{}, err
	}
	ob := r.Book
	ob.Pair = pair
	return ob, nil
}

func (r *RemoteVenue) PlaceOrder(ctx context.Context, pair market.Pair, side market.Side, price, amount decimal.Decimal) (exchange.RemoteOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs["place"]; err != nil {
		return exchange.RemoteOrder{}, err
	}
	r.Placed++
	id := fmt.Sprintf("remote-%d", r.Placed)
	filled := amount.Mul(r.FillRatio)
	o := exchange.RemoteOrder{ID: id, Pair: pair, Side: side, Price: price, Amount: amount, Filled: filled, Status: "NEW"}
	r.orders[id] = o
	if filled.IsPositive() {
		r.trades[id] = []exchange.Trade{{OrderID: id, Price: price, Amount: filled}}
	}
	return o, nil
}

func (r *RemoteVenue) OrderTrades(ctx context.Context, orderID string) ([]exchange.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs["trades"]; err != nil {
		return nil, err
	}
	return append([]exchange.Trade(nil), r.trades[orderID]...), nil
}

func (r *RemoteVenue) Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address, idempotencyKey string) (exchange.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs["withdraw"]; err != nil {
		return exchange.Withdrawal{}, err
	}
	w := exchange.Withdrawal{
		ID:             fmt.Sprintf("w-%d", len(r.Withdrawals)+1),
		Currency:       currency,
		Amount:         amount,
		Address:        address,
		IdempotencyKey: idempotencyKey,
	}
	r.Withdrawals = append(r.Withdrawals, w)
	return w, nil
}

var (
	_ exchange.LocalVenue  = (*LocalVenue)(nil)
	_ exchange.RemoteVenue = (*RemoteVenue)(nil)
)
