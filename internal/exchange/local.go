package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/amirphl/bridge-trader/internal/order"
	"github.com/amirphl/bridge-trader/internal/utils"
	"github.com/shopspring/decimal"
)

const (
	DefaultLocalAPIVersion = "2016-07-17"

	headerVersion   = "ABSORTIUM-VERSION"
	headerKey       = "ABSORTIUM-ACCESS-KEY"
	headerSign      = "ABSORTIUM-ACCESS-SIGN"
	headerTimestamp = "ABSORTIUM-ACCESS-TIMESTAMP"
	headerIdemKey   = "Idempotency-Key"
)

// LocalOptions configures LocalClient.
type LocalOptions struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	APIVersion string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// LocalClient talks to the local venue over its HMAC-signed REST API.
type LocalClient struct {
	base    *url.URL
	key     string
	secret  []byte
	version string
	http    *http.Client
	now     func() time.Time
}

func NewLocalClient(opts LocalOptions) (*LocalClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("missing local venue api key")
	}
	if opts.APISecret == "" {
		return nil, errors.New("missing local venue api secret")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid local venue url %q: %w", opts.BaseURL, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultLocalAPIVersion
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &LocalClient{
		base:    base,
		key:     opts.APIKey,
		secret:  []byte(opts.APISecret),
		version: opts.APIVersion,
		http:    hc,
		now:     time.Now,
	}, nil
}

// localOrder is the wire form of an order.
type localOrder struct {
	PK          int64           `json:"pk,omitempty"`
	Pair        string          `json:"pair"`
	Type        string          `json:"type"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Total       decimal.Decimal `json:"total"`
	Status      string          `json:"status,omitempty"`
	NeedApprove bool            `json:"need_approve"`
}

func (o localOrder) toOrder() (order.LocalOrder, error) {
	side, err := market.ParseSide(o.Type)
	if err != nil {
		return order.LocalOrder{}, err
	}
	return order.LocalOrder{
		ID:            o.PK,
		Pair:          market.Pair(o.Pair),
		Side:          side,
		Price:         o.Price,
		Amount:        o.Amount,
		Total:         o.Total,
		Status:        order.Status(o.Status),
		NeedsApproval: o.NeedApprove,
	}, nil
}

type localAccount struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Locked   decimal.Decimal `json:"locked"`
}

type localWithdrawal struct {
	PK       int64           `json:"pk,omitempty"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Address  string          `json:"address"`
}

type apiError struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (c *LocalClient) ListOrders(ctx context.Context, filter order.Filter) ([]order.LocalOrder, error) {
	q := url.Values{}
	if filter.Pair != "" {
		q.Set("pair", filter.Pair.String())
	}
	if filter.Side != "" {
		q.Set("type", string(filter.Side))
	}
	for _, s := range filter.Statuses {
		q.Add("status", string(s))
	}

	var wire []localOrder
	if err := c.do(ctx, http.MethodGet, q, nil, "", &wire, "api", "orders"); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]order.LocalOrder, 0, len(wire))
	for _, w := range wire {
		o, err := w.toOrder()
		if err != nil {
			utils.GetLogger().Warnf("LocalVenue | Skipping order %d: %v", w.PK, err)
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (c *LocalClient) GetOrder(ctx context.Context, id int64) (order.LocalOrder, error) {
	var wire localOrder
	if err := c.do(ctx, http.MethodGet, nil, nil, "", &wire, "api", "orders", strconv.FormatInt(id, 10)); err != nil {
		return order.LocalOrder{}, fmt.Errorf("get order %d: %w", id, err)
	}
	return wire.toOrder()
}

func (c *LocalClient) CreateOrder(ctx context.Context, o order.LocalOrder) (order.LocalOrder, error) {
	payload := localOrder{
		Pair:        o.Pair.String(),
		Type:        string(o.Side),
		Price:       o.Price,
		Amount:      o.Amount,
		Total:       o.Total,
		NeedApprove: o.NeedsApproval,
	}
	var wire localOrder
	if err := c.do(ctx, http.MethodPost, nil, payload, "", &wire, "api", "orders"); err != nil {
		return order.LocalOrder{}, fmt.Errorf("create order %s: %w", o, err)
	}
	return wire.toOrder()
}

// UpdateOrder changes price and amount. The total is left for the venue to derive.
func (c *LocalClient) UpdateOrder(ctx context.Context, id int64, price, amount decimal.Decimal) error {
	payload := map[string]decimal.Decimal{"price": price, "amount": amount}
	if err := c.do(ctx, http.MethodPut, nil, payload, "", nil, "api", "orders", strconv.FormatInt(id, 10)); err != nil {
		return fmt.Errorf("update order %d: %w", id, err)
	}
	return nil
}

func (c *LocalClient) CancelOrder(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodDelete, nil, nil, "", nil, "api", "orders", strconv.FormatInt(id, 10)); err != nil {
		return fmt.Errorf("cancel order %d: %w", id, err)
	}
	return nil
}

func (c *LocalClient) ApproveOrder(ctx context.Context, id int64) error {
	return c.orderCommand(ctx, id, "approve")
}

func (c *LocalClient) LockOrder(ctx context.Context, id int64) error {
	return c.orderCommand(ctx, id, "lock")
}

func (c *LocalClient) UnlockOrder(ctx context.Context, id int64) error {
	return c.orderCommand(ctx, id, "unlock")
}

func (c *LocalClient) orderCommand(ctx context.Context, id int64, command string) error {
	if err := c.do(ctx, http.MethodPost, nil, nil, "", nil, "api", "orders", strconv.FormatInt(id, 10), command); err != nil {
		return fmt.Errorf("%s order %d: %w", command, id, err)
	}
	return nil
}

func (c *LocalClient) AccountBalance(ctx context.Context, currency string) (market.Balance, error) {
	var accounts []localAccount
	if err := c.do(ctx, http.MethodGet, nil, nil, "", &accounts, "api", "accounts"); err != nil {
		return market.Balance{}, fmt.Errorf("account balance %s: %w", currency, err)
	}
	for _, a := range accounts {
		if strings.EqualFold(a.Currency, currency) {
			return market.Balance{Currency: strings.ToLower(a.Currency), Available: a.Amount, Locked: a.Locked}, nil
		}
	}
	// No account yet means nothing to spend.
	return market.Balance{Currency: strings.ToLower(currency), Available: decimal.Zero, Locked: decimal.Zero}, nil
}

func (c *LocalClient) CreateWithdrawal(ctx context.Context, currency string, amount decimal.Decimal, address, idempotencyKey string) (Withdrawal, error) {
	payload := localWithdrawal{Currency: strings.ToLower(currency), Amount: amount, Address: address}
	var wire localWithdrawal
	if err := c.do(ctx, http.MethodPost, nil, payload, idempotencyKey, &wire, "api", "withdrawals"); err != nil {
		return Withdrawal{}, fmt.Errorf("withdraw %s %s: %w", amount, currency, err)
	}
	return Withdrawal{
		ID:             strconv.FormatInt(wire.PK, 10),
		Currency:       strings.ToLower(currency),
		Amount:         amount,
		Address:        address,
		IdempotencyKey: idempotencyKey,
	}, nil
}

func (c *LocalClient) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	ref := &url.URL{Path: strings.Join(escaped, "/") + "/"}
	return c.base.ResolveReference(ref).String()
}

// sign returns the hex HMAC-SHA256 of the request body.
func (c *LocalClient) sign(body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *LocalClient) do(ctx context.Context, method string, query url.Values, payload any, idempotencyKey string, out any, path ...string) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: encode payload: %v", ErrValidationRejected, err)
		}
	}

	endpoint := c.endpoint(path...)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerVersion, c.version)
	req.Header.Set(headerKey, c.key)
	req.Header.Set(headerSign, c.sign(body))
	req.Header.Set(headerTimestamp, strconv.FormatInt(c.now().Unix(), 10))
	if idempotencyKey != "" {
		req.Header.Set(headerIdemKey, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransientNetwork, err)
	}
	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
	}
	return nil
}

func classifyNetErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	return err
}

// classifyStatus maps a non-2xx response onto the error taxonomy.
func classifyStatus(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	detail := apiErr.Detail
	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}

	switch {
	case apiErr.Code == "not_enough_money" || status == http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, detail)
	case apiErr.Code == "lock_failure" || status == http.StatusConflict || status == http.StatusLocked:
		return fmt.Errorf("%w: %s", ErrLockFailure, detail)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrOrderNotFound, detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransientNetwork, status, detail)
	case status >= 400:
		return fmt.Errorf("%w: %s", ErrValidationRejected, detail)
	default:
		return fmt.Errorf("unexpected status %d: %s", status, detail)
	}
}
