package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/amirphl/bridge-trader/internal/order"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T, handler http.HandlerFunc) *LocalClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewLocalClient(LocalOptions{BaseURL: srv.URL, APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestLocalClient_SignsRequests(t *testing.T) {
	var gotBody []byte
	c := newTestLocal(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)

		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write(gotBody)
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("ABSORTIUM-ACCESS-SIGN"))
		assert.Equal(t, "key", r.Header.Get("ABSORTIUM-ACCESS-KEY"))
		assert.Equal(t, "1700000000", r.Header.Get("ABSORTIUM-ACCESS-TIMESTAMP"))
		assert.Equal(t, DefaultLocalAPIVersion, r.Header.Get("ABSORTIUM-VERSION"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/orders/", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]any{
			"pk": 7, "pair": "btc_eth", "type": "sell", "price": "0.02", "amount": "3",
			"total": "0.06", "status": "init", "need_approve": true,
		})
	})

	created, err := c.CreateOrder(context.Background(), order.FromLevel("btc_eth", market.PriceLevel{
		Price: decimal.RequireFromString("0.02"), Amount: decimal.RequireFromString("3"), Side: market.Sell,
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(7), created.ID)
	assert.Equal(t, market.Sell, created.Side)
	assert.Equal(t, order.StatusInit, created.Status)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, true, sent["need_approve"])
	assert.Equal(t, "sell", sent["type"])
}

func TestLocalClient_UpdateNeverSendsTotal(t *testing.T) {
	c := newTestLocal(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/orders/12/", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "total")
		assert.Equal(t, "0.5", body["price"])
		assert.Equal(t, "2", body["amount"])
		w.WriteHeader(http.StatusOK)
	})

	err := c.UpdateOrder(context.Background(), 12, decimal.RequireFromString("0.5"), decimal.RequireFromString("2"))
	require.NoError(t, err)
}

func TestLocalClient_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"lock conflict", http.StatusConflict, `{"detail":"locked"}`, ErrLockFailure},
		{"lock code", http.StatusBadRequest, `{"code":"lock_failure"}`, ErrLockFailure},
		{"validation", http.StatusBadRequest, `{"detail":"bad price"}`, ErrValidationRejected},
		{"not enough money code", http.StatusBadRequest, `{"code":"not_enough_money"}`, ErrInsufficientBalance},
		{"payment required", http.StatusPaymentRequired, ``, ErrInsufficientBalance},
		{"not found", http.StatusNotFound, ``, ErrOrderNotFound},
		{"server error", http.StatusBadGateway, `oops`, ErrTransientNetwork},
		{"rate limited", http.StatusTooManyRequests, ``, ErrTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestLocal(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			err := c.LockOrder(context.Background(), 1)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLocalClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c, err := NewLocalClient(LocalOptions{BaseURL: srv.URL, APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)
	srv.Close()

	err = c.CancelOrder(context.Background(), 3)
	assert.ErrorIs(t, err, ErrTransientNetwork)
	assert.True(t, IsTransient(err))
}

func TestLocalClient_ListOrdersAndBalance(t *testing.T) {
	c := newTestLocal(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/orders/":
			assert.Equal(t, "btc_eth", r.URL.Query().Get("pair"))
			assert.Equal(t, []string{"init", "pending"}, r.URL.Query()["status"])
			io.WriteString(w, `[
				{"pk":1,"pair":"btc_eth","type":"buy","price":"0.01","amount":"2","total":"0.02","status":"init","need_approve":true},
				{"pk":2,"pair":"btc_eth","type":"weird","price":"0.01","amount":"2","total":"0.02","status":"init"}
			]`)
		case "/api/accounts/":
			io.WriteString(w, `[{"currency":"btc","amount":"1.5","locked":"0.1"},{"currency":"eth","amount":"10"}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	orders, err := c.ListOrders(context.Background(), order.Filter{
		Pair: "btc_eth", Statuses: []order.Status{order.StatusInit, order.StatusPending},
	})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(1), orders[0].ID)
	assert.Equal(t, market.Buy, orders[0].Side)

	bal, err := c.AccountBalance(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(10)))

	bal, err = c.AccountBalance(context.Background(), "xmr")
	require.NoError(t, err)
	assert.True(t, bal.Available.IsZero())
}

func TestLocalClient_WithdrawalCarriesIdempotencyKey(t *testing.T) {
	c := newTestLocal(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/withdrawals/", r.URL.Path)
		assert.Equal(t, "leg-key", r.Header.Get("Idempotency-Key"))
		io.WriteString(w, `{"pk":99,"currency":"eth","amount":"1","address":"0xabc"}`)
	})

	wd, err := c.CreateWithdrawal(context.Background(), "ETH", decimal.NewFromInt(1), "0xabc", "leg-key")
	require.NoError(t, err)
	assert.Equal(t, "99", wd.ID)
	assert.Equal(t, "eth", wd.Currency)
}

func TestNewLocalClient_RequiresCredentials(t *testing.T) {
	_, err := NewLocalClient(LocalOptions{BaseURL: "http://localhost", APISecret: "s"})
	assert.Error(t, err)
	_, err = NewLocalClient(LocalOptions{BaseURL: "http://localhost", APIKey: "k"})
	assert.Error(t, err)
}
