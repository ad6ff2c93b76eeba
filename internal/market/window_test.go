package market

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func level(price, amount string) PriceLevel {
	return PriceLevel{
		Price:  decimal.RequireFromString(price),
		Amount: decimal.RequireFromString(amount),
		Side:   Sell,
	}
}

func prices(levels []PriceLevel) []string {
	out := make([]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, l.Price.String())
	}
	return out
}

func TestWindow_Apply(t *testing.T) {
	tests := []struct {
		name     string
		initial  []PriceLevel
		update   PriceLevel
		expected []PriceLevel
	}{
		{
			name:     "insert into empty window",
			update:   level("1", "2"),
			expected: []PriceLevel{level("1", "2")},
		},
		{
			name:     "zero amount for unknown price is a no-op",
			initial:  []PriceLevel{level("1", "2")},
			update:   level("3", "0"),
			expected: []PriceLevel{level("1", "2")},
		},
		{
			name:     "zero amount removes existing price",
			initial:  []PriceLevel{level("1", "2"), level("2", "5")},
			update:   level("2", "0"),
			expected: []PriceLevel{level("1", "2")},
		},
		{
			name:     "positive amount replaces existing amount",
			initial:  []PriceLevel{level("1", "2"), level("2", "5")},
			update:   level("2.0", "7"),
			expected: []PriceLevel{level("1", "2"), level("2", "7")},
		},
		{
			name:     "insert keeps ascending order",
			initial:  []PriceLevel{level("1", "2"), level("3", "5")},
			update:   level("2", "1"),
			expected: []PriceLevel{level("1", "2"), level("2", "1"), level("3", "5")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWindow("btc_eth", Sell, DefaultCapacity)
			w.Reset(tt.initial)
			w.Apply(tt.update)

			got := w.Levels()
			require.Len(t, got, len(tt.expected))
			for i := range tt.expected {
				assert.True(t, tt.expected[i].Price.Equal(got[i].Price), "price at %d", i)
				assert.True(t, tt.expected[i].Amount.Equal(got[i].Amount), "amount at %d", i)
				assert.Equal(t, Sell, got[i].Side)
			}
		})
	}
}

func TestWindow_CapacityKeepsLowestPrices(t *testing.T) {
	for _, side := range Sides {
		t.Run(string(side), func(t *testing.T) {
			w := NewWindow("btc_eth", side, 3)
			assert.Equal(t, 3, w.Capacity())
			for _, p := range []string{"5", "1", "4", "2", "3", "0.5"} {
				w.Apply(level(p, "1"))
				assert.LessOrEqual(t, w.Len(), 3)
			}
			assert.Equal(t, []string{"0.5", "1", "2"}, prices(w.Levels()))
		})
	}
}

func TestNewWindow_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, NewWindow("btc_eth", Buy, 0).Capacity())
}

func TestWindow_SortedAfterEveryDelta(t *testing.T) {
	w := NewWindow("btc_eth", Buy, DefaultCapacity)
	updates := []PriceLevel{}
	for i := 40; i > 0; i-- {
		amount := "1"
		if i%7 == 0 {
			amount = "0"
		}
		updates = append(updates, level(fmt.Sprintf("%d.%d", i%13, i), amount))
	}

	for _, u := range updates {
		w.Apply(u)
		got := w.Levels()
		assert.LessOrEqual(t, len(got), DefaultCapacity)
		seen := map[string]bool{}
		for i := range got {
			assert.False(t, seen[PriceKey(got[i].Price)], "duplicate price %s", got[i].Price)
			seen[PriceKey(got[i].Price)] = true
			assert.True(t, got[i].Amount.IsPositive())
			if i > 0 {
				assert.True(t, got[i-1].Price.LessThan(got[i].Price), "not ascending at %d", i)
			}
		}
	}
}

func TestWindow_LevelsIsACopy(t *testing.T) {
	w := NewWindow("btc_eth", Sell, DefaultCapacity)
	w.Apply(level("1", "1"))

	got := w.Levels()
	got[0].Amount = decimal.NewFromInt(100)

	assert.True(t, w.Levels()[0].Amount.Equal(decimal.NewFromInt(1)))
}

func TestBook_ApplyDelta(t *testing.T) {
	b := NewBook("BTC_ETH", DefaultCapacity)

	require.NoError(t, b.ApplyDelta(Delta{
		Type: LevelAdded, Pair: "btc_eth", SideLabel: "bids",
		Price: decimal.RequireFromString("0.02"), Amount: decimal.RequireFromString("3"),
	}))
	require.NoError(t, b.ApplyDelta(Delta{
		Type: LevelAdded, Pair: "btc_eth", SideLabel: "ask",
		Price: decimal.RequireFromString("0.03"), Amount: decimal.RequireFromString("1"),
	}))
	assert.Equal(t, 1, b.Window(Buy).Len())
	assert.Equal(t, 1, b.Window(Sell).Len())

	require.NoError(t, b.ApplyDelta(Delta{
		Type: LevelRemoved, Pair: "btc_eth", SideLabel: "bid",
		Price: decimal.RequireFromString("0.020"), Amount: decimal.RequireFromString("3"),
	}))
	assert.Equal(t, 0, b.Window(Buy).Len())

	err := b.ApplyDelta(Delta{Type: LevelAdded, Pair: "btc_eth", SideLabel: "middle"})
	assert.ErrorIs(t, err, ErrMalformedOrderType)

	err = b.ApplyDelta(Delta{Type: LevelAdded, Pair: "btc_xmr", SideLabel: "bid"})
	assert.Error(t, err)
}

func TestBook_Seed(t *testing.T) {
	b := NewBook("btc_eth", 2)
	b.Window(Sell).Apply(level("9", "9"))

	b.Seed(OrderBook{
		Pair: "btc_eth",
		Bids: []PriceLevel{level("1", "1"), level("2", "1"), level("3", "1")},
		Asks: []PriceLevel{level("4", "1")},
	})

	assert.Equal(t, []string{"1", "2"}, prices(b.Window(Buy).Levels()))
	assert.Equal(t, []string{"4"}, prices(b.Window(Sell).Levels()))
	assert.Equal(t, Buy, b.Window(Buy).Levels()[0].Side)
}

func TestParseSide(t *testing.T) {
	for _, label := range []string{"bid", "bids", "BUY", "buyDepth"} {
		side, err := ParseSide(label)
		require.NoError(t, err)
		assert.Equal(t, Buy, side)
	}
	for _, label := range []string{"ask", "asks", "sell", "sellDepth"} {
		side, err := ParseSide(label)
		require.NoError(t, err)
		assert.Equal(t, Sell, side)
	}
	_, err := ParseSide("spread")
	assert.ErrorIs(t, err, ErrMalformedOrderType)
}

func TestPair(t *testing.T) {
	p := Pair("BTC_ETH")
	assert.Equal(t, "btc", p.Quote())
	assert.Equal(t, "eth", p.Base())
	assert.NoError(t, p.Validate())
	assert.Error(t, Pair("btceth").Validate())
}
