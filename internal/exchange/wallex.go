package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/amirphl/bridge-trader/internal/notifier"
	"github.com/amirphl/bridge-trader/internal/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	wallex "github.com/wallexchange/wallex-go"
)

const DefaultWallexWithdrawURL = "https://api.wallex.ir/v1/account/crypto-withdrawal"

// WallexOptions configures WallexExchange.
type WallexOptions struct {
	APIKey      string
	WithdrawURL string
	HTTPClient  *http.Client
}

// WallexExchange is the remote venue adapter.
type WallexExchange struct {
	client      *wallex.Client
	notifier    notifier.Notifier
	apiKey      string
	withdrawURL string
	http        *http.Client
}

func NewWallexExchange(opts WallexOptions, n notifier.Notifier) *WallexExchange {
	if opts.WithdrawURL == "" {
		opts.WithdrawURL = DefaultWallexWithdrawURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	// wallex.New only takes the key from WALLEX_API_KEY, and only when APIKey is left empty.
	if opts.APIKey != "" && os.Getenv("WALLEX_API_KEY") != opts.APIKey {
		os.Setenv("WALLEX_API_KEY", opts.APIKey)
	}
	return &WallexExchange{
		client:      wallex.New(wallex.ClientOptions{HTTPClient: hc}),
		notifier:    n,
		apiKey:      opts.APIKey,
		withdrawURL: opts.WithdrawURL,
		http:        hc,
	}
}

func (w *WallexExchange) Name() string {
	return "wallex"
}

// Symbol converts a quote_base pair into the venue symbol, e.g. btc_eth -> ETHBTC.
func Symbol(pair market.Pair) string {
	return strings.ToUpper(pair.Base() + pair.Quote())
}

// retry runs fn with exponential backoff, at most attempts times, logging every failure.
// Errors that are not network related are returned at once.
func retry(ctx context.Context, attempts uint64, delay time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.MaxInterval = 5 * time.Minute
	policy := backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx)

	op := func() error {
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		utils.GetLogger().Warnf("Exchange | Wallex call failed: %v. Backing off for %v", err, next)
	}
	return backoff.RetryNotify(op, policy, notify)
}

// classifyWallexErr maps wallex-go errors onto the error taxonomy. Transport and decode
// failures arrive as a *wallex.Error with a Cause, 5xx as ErrUnknown, and neither unwraps.
func classifyWallexErr(err error) error {
	var werr *wallex.Error
	if !errors.As(err, &werr) {
		return classifyNetErr(err)
	}
	switch {
	case werr.Cause != nil, werr == wallex.ErrUnknown:
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	case werr == wallex.ErrNotFound:
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case werr == wallex.ErrBadRequest:
		return fmt.Errorf("%w: %v", ErrValidationRejected, err)
	}
	return err
}

func parseNumber(n wallex.Number) decimal.Decimal {
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseNumberPtr(n *wallex.Number) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	return parseNumber(*n)
}

func toLevels(orders []*wallex.MarketOrder, side market.Side, depth int) []market.PriceLevel {
	levels := make([]market.PriceLevel, 0, len(orders))
	for _, o := range orders {
		if o == nil {
			continue
		}
		levels = append(levels, market.PriceLevel{
			Price:  parseNumber(o.Price),
			Amount: parseNumber(o.Quantity),
			Side:   side,
		})
		if depth > 0 && len(levels) == depth {
			break
		}
	}
	return levels
}

// OrderBook fetches a depth snapshot of pair.
func (w *WallexExchange) OrderBook(ctx context.Context, pair market.Pair, depth int) (market.OrderBook, error) {
	var asks, bids []*wallex.MarketOrder
	err := retry(ctx, 3, 2*time.Second, func() error {
		var err error
		asks, bids, err = w.client.MarketOrders(Symbol(pair))
		if err != nil {
			return classifyWallexErr(fmt.Errorf("fetching orderbook: %w", err))
		}
		return nil
	})
	if err != nil {
		return market.OrderBook{}, fmt.Errorf("orderbook %s failed: %w", pair, err)
	}
	return market.OrderBook{
		Pair:      pair,
		Bids:      toLevels(bids, market.Buy, depth),
		Asks:      toLevels(asks, market.Sell, depth),
		Timestamp: time.Now().UTC(),
	}, nil
}

// PlaceOrder submits a limit order. It is never retried here; the settlement runner owns retries.
func (w *WallexExchange) PlaceOrder(ctx context.Context, pair market.Pair, side market.Side, price, amount decimal.Decimal) (RemoteOrder, error) {
	if err := ctx.Err(); err != nil {
		return RemoteOrder{}, err
	}
	params := &wallex.OrderParams{
		Symbol:   Symbol(pair),
		Type:     "LIMIT",
		Side:     strings.ToUpper(string(side)),
		Price:    wallex.Number(price.String()),
		Quantity: wallex.Number(amount.String()),
	}
	resp, err := w.client.PlaceOrder(params)
	if err != nil {
		utils.GetLogger().Errorf("Exchange | %s PlaceOrder %s %s %s@%s failed: %v", w.Name(), pair, side, amount, price, err)
		if w.notifier != nil {
			w.notifier.SendWithRetry(fmt.Sprintf("Remote order %s %s %s@%s failed: %v", pair, side, amount, price, err))
		}
		return RemoteOrder{}, classifyWallexErr(fmt.Errorf("place order: %w", err))
	}
	return RemoteOrder{
		ID:        resp.ClientOrderID,
		Pair:      pair,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Filled:    parseNumberPtr(resp.ExecutedQty),
		Status:    strings.ToUpper(resp.Status),
		CreatedAt: resp.CreatedAt.UTC(),
	}, nil
}

// OrderTrades reports the executed part of an order as a single aggregated trade.
func (w *WallexExchange) OrderTrades(ctx context.Context, orderID string) ([]Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := w.client.Order(orderID)
	if err != nil {
		return nil, classifyWallexErr(fmt.Errorf("order %s: %w", orderID, err))
	}
	filled := parseNumberPtr(resp.ExecutedQty)
	if !filled.IsPositive() {
		return nil, nil
	}
	return []Trade{{
		OrderID: orderID,
		Price:   parseNumberPtr(resp.ExecutedPrice),
		Amount:  filled,
		Time:    resp.CreatedAt.UTC(),
	}}, nil
}

// Balances returns the remote account balances keyed by lowercase currency.
func (w *WallexExchange) Balances(ctx context.Context) (map[string]market.Balance, error) {
	var wallexBalances map[string]*wallex.Balance
	err := retry(ctx, 3, 2*time.Second, func() error {
		var err error
		wallexBalances, err = w.client.Balances()
		if err != nil {
			return classifyWallexErr(fmt.Errorf("fetching balances: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("balances failed: %w", err)
	}

	balances := make(map[string]market.Balance, len(wallexBalances))
	for asset, wb := range wallexBalances {
		if wb == nil {
			continue
		}
		currency := strings.ToLower(asset)
		balances[currency] = market.Balance{
			Currency:  currency,
			Available: parseNumber(wb.Value),
			Locked:    parseNumber(wb.Locked),
		}
	}
	return balances, nil
}

type wallexWithdrawRequest struct {
	Coin     string          `json:"coin"`
	Value    decimal.Decimal `json:"value"`
	Address  string          `json:"wallet_address"`
	ClientID string          `json:"client_id"`
}

type wallexWithdrawResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Result  struct {
		ID any `json:"id"`
	} `json:"result"`
}

// Withdraw sends funds from the remote account to address.
func (w *WallexExchange) Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address, idempotencyKey string) (Withdrawal, error) {
	body, err := json.Marshal(wallexWithdrawRequest{
		Coin:     strings.ToUpper(currency),
		Value:    amount,
		Address:  address,
		ClientID: idempotencyKey,
	})
	if err != nil {
		return Withdrawal{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.withdrawURL, bytes.NewReader(body))
	if err != nil {
		return Withdrawal{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", w.apiKey)

	resp, err := w.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Withdrawal{}, ctxErr
		}
		return Withdrawal{}, classifyNetErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("%w: read body: %v", ErrTransientNetwork, err)
	}
	if resp.StatusCode >= 300 {
		return Withdrawal{}, classifyStatus(resp.StatusCode, data)
	}

	var out wallexWithdrawResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Withdrawal{}, fmt.Errorf("decode withdrawal response: %w", err)
	}
	if !out.Success {
		return Withdrawal{}, fmt.Errorf("%w: %s", ErrValidationRejected, out.Message)
	}
	return Withdrawal{
		ID:             fmt.Sprint(out.Result.ID),
		Currency:       strings.ToLower(currency),
		Amount:         amount,
		Address:        address,
		IdempotencyKey: idempotencyKey,
	}, nil
}
