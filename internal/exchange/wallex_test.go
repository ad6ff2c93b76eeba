package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wallex "github.com/wallexchange/wallex-go"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func statusTransport(status int) roundTripFunc {
	return func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader(`{}`)),
			Header:     make(http.Header),
			Request:    r,
		}, nil
	}
}

func TestClassifyWallexErr(t *testing.T) {
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"transport failure", fmt.Errorf("place order: %w", &wallex.Error{Message: "request failed", Cause: dial}), ErrTransientNetwork},
		{"server error", fmt.Errorf("order x: %w", wallex.ErrUnknown), ErrTransientNetwork},
		{"not found", fmt.Errorf("order x: %w", wallex.ErrNotFound), ErrOrderNotFound},
		{"bad request", wallex.ErrBadRequest, ErrValidationRejected},
		{"plain net error", dial, ErrTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyWallexErr(tt.err), tt.want)
		})
	}

	for _, err := range []error{wallex.ErrUnauthorized, wallex.ErrForbidden, wallex.ErrMissingAPIKey} {
		assert.False(t, IsTransient(classifyWallexErr(err)), "%v", err)
	}
}

func TestWallexExchange_NetworkFailuresAreTransient(t *testing.T) {
	t.Setenv("WALLEX_API_KEY", "key")
	price, amount := decimal.RequireFromString("0.05"), decimal.NewFromInt(3)

	tests := []struct {
		name      string
		transport http.RoundTripper
		want      error
		transient bool
	}{
		{"dial error", roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
		}), ErrTransientNetwork, true},
		{"bad gateway", statusTransport(http.StatusBadGateway), ErrTransientNetwork, true},
		{"bad request", statusTransport(http.StatusBadRequest), ErrValidationRejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWallexExchange(WallexOptions{APIKey: "key", HTTPClient: &http.Client{Transport: tt.transport}}, nil)

			_, err := w.PlaceOrder(context.Background(), "btc_eth", market.Sell, price, amount)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.transient, IsTransient(err))

			_, err = w.OrderTrades(context.Background(), "remote-1")
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestWallexExchange_OrderTradesNotFound(t *testing.T) {
	t.Setenv("WALLEX_API_KEY", "key")
	w := NewWallexExchange(WallexOptions{APIKey: "key", HTTPClient: &http.Client{Transport: statusTransport(http.StatusNotFound)}}, nil)

	_, err := w.OrderTrades(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.False(t, IsTransient(err))
}

func TestNewWallexExchange_SendsConfiguredAPIKey(t *testing.T) {
	t.Setenv("WALLEX_API_KEY", "")
	var got string
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got = r.Header.Get("x-api-key")
		return statusTransport(http.StatusBadRequest)(r)
	})
	w := NewWallexExchange(WallexOptions{APIKey: "from-config", HTTPClient: &http.Client{Transport: transport}}, nil)

	_, err := w.OrderTrades(context.Background(), "remote-1")
	assert.ErrorIs(t, err, ErrValidationRejected)
	assert.Equal(t, "from-config", got)
	assert.Equal(t, "from-config", os.Getenv("WALLEX_API_KEY"))
}
