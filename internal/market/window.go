package market

import (
	"fmt"
	"sync"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/shopspring/decimal"
)

// DefaultCapacity is the number of remote levels mirrored per side.
const DefaultCapacity = 20

// Window is the bounded view of one side of the remote order book for one pair.
// It always holds the Capacity lowest-priced levels known, for both sides.
type Window struct {
	pair     Pair
	side     Side
	capacity int

	mu     sync.RWMutex
	levels *rbt.Tree // decimal.Decimal price -> PriceLevel
}

// NewWindow creates an empty window. A non-positive capacity falls back to DefaultCapacity.
func NewWindow(pair Pair, side Side, capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		pair:     pair,
		side:     side,
		capacity: capacity,
		levels:   rbt.NewWith(PriceComparator),
	}
}

func (w *Window) Pair() Pair    { return w.pair }
func (w *Window) Side() Side    { return w.side }
func (w *Window) Capacity() int { return w.capacity }

// Apply folds one level update into the window.
func (w *Window) Apply(level PriceLevel) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.apply(level)
	w.truncate()
}

// Reset replaces the content of the window with a snapshot.
func (w *Window) Reset(levels []PriceLevel) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.levels.Clear()
	for _, l := range levels {
		w.apply(l)
	}
	w.truncate()
}

func (w *Window) apply(level PriceLevel) {
	_, found := w.levels.Get(level.Price)
	if !level.Amount.IsPositive() {
		if found {
			w.levels.Remove(level.Price)
		}
		return
	}
	level.Side = w.side
	w.levels.Put(level.Price, level)
}

// truncate drops the highest prices until the window fits its capacity.
func (w *Window) truncate() {
	for w.levels.Size() > w.capacity {
		w.levels.Remove(w.levels.Right().Key)
	}
}

// Levels returns a copy of the window in ascending price order.
func (w *Window) Levels() []PriceLevel {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]PriceLevel, 0, w.levels.Size())
	it := w.levels.Iterator()
	for it.Next() {
		out = append(out, it.Value().(PriceLevel))
	}
	return out
}

// Len returns the number of levels held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.levels.Size()
}

// PriceComparator orders decimal prices ascending.
func PriceComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// Book owns the two windows of one pair.
type Book struct {
	pair    Pair
	windows map[Side]*Window
}

// NewBook creates a buy and a sell window for pair.
func NewBook(pair Pair, capacity int) *Book {
	return &Book{
		pair: pair,
		windows: map[Side]*Window{
			Buy:  NewWindow(pair, Buy, capacity),
			Sell: NewWindow(pair, Sell, capacity),
		},
	}
}

func (b *Book) Pair() Pair { return b.pair }

// Window returns the window of one side.
func (b *Book) Window(side Side) *Window {
	return b.windows[side]
}

// Seed resets both windows from a snapshot.
func (b *Book) Seed(ob OrderBook) {
	for _, side := range Sides {
		b.windows[side].Reset(ob.Levels(side))
	}
}

// ApplyDelta routes a feed delta to the window of its side. Deltas for another pair or
// with an unknown side label are rejected.
func (b *Book) ApplyDelta(d Delta) error {
	if d.Pair.String() != b.pair.String() {
		return fmt.Errorf("delta for pair %s routed to book %s", d.Pair, b.pair)
	}
	level, err := d.Level()
	if err != nil {
		return err
	}
	b.windows[level.Side].Apply(level)
	return nil
}
