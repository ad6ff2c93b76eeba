package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/amirphl/bridge-trader/internal/metrics"
	"github.com/amirphl/bridge-trader/internal/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// DefaultSocketURL is the Socket.IO endpoint of the remote venue.
const DefaultSocketURL = "wss://api.wallex.ir/socket.io/?EIO=4&transport=websocket"

// StalePingAfter is how long a connected watcher may go without a server ping.
const StalePingAfter = 90 * time.Second

// ConnectionState represents the state of the websocket connection
// (for health checks and monitoring)
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// DepthSink consumes the deltas a watcher derives from the feed.
type DepthSink interface {
	ApplyDelta(d market.Delta) error
}

// DepthEntry is one row of a depth push. Price arrives either as a string or a number.
type DepthEntry struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Sum      decimal.Decimal `json:"sum"`
}

// DecodeDepth parses a depth payload into levels keyed by price. The venue sends either an
// array of entries or an object of entries.
func DecodeDepth(data []byte) (map[string]DepthEntry, error) {
	var list []DepthEntry
	if err := json.Unmarshal(data, &list); err != nil {
		var obj map[string]DepthEntry
		if objErr := json.Unmarshal(data, &obj); objErr != nil {
			return nil, fmt.Errorf("decode depth: %w", err)
		}
		list = make([]DepthEntry, 0, len(obj))
		for _, e := range obj {
			list = append(list, e)
		}
	}
	out := make(map[string]DepthEntry, len(list))
	for _, e := range list {
		out[market.PriceKey(e.Price)] = e
	}
	return out, nil
}

// DiffDepth turns two successive depth snapshots into deltas: vanished prices become
// LevelRemoved, new prices and changed quantities become LevelAdded. Output is sorted by
// price so that replays are deterministic.
func DiffDepth(pair market.Pair, sideLabel string, prev, next map[string]DepthEntry) []market.Delta {
	var deltas []market.Delta
	for key, old := range prev {
		if _, ok := next[key]; !ok {
			deltas = append(deltas, market.Delta{
				Type: market.LevelRemoved, Pair: pair, SideLabel: sideLabel,
				Price: old.Price, Amount: decimal.Zero,
			})
		}
	}
	for key, cur := range next {
		if old, ok := prev[key]; ok && old.Quantity.Equal(cur.Quantity) {
			continue
		}
		deltas = append(deltas, market.Delta{
			Type: market.LevelAdded, Pair: pair, SideLabel: sideLabel,
			Price: cur.Price, Amount: cur.Quantity,
		})
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Price.LessThan(deltas[j].Price) })
	return deltas
}

// parseBroadcast extracts the payload of a Socket.IO "Broadcaster" event for channel.
func parseBroadcast(msg, channel string) ([]byte, bool) {
	if !strings.HasPrefix(msg, "42") {
		return nil, false
	}
	var event []json.RawMessage
	if err := json.Unmarshal([]byte(msg[2:]), &event); err != nil || len(event) < 3 {
		return nil, false
	}
	var name, ch string
	if json.Unmarshal(event[0], &name) != nil || json.Unmarshal(event[1], &ch) != nil {
		return nil, false
	}
	if name != "Broadcaster" || ch != channel {
		return nil, false
	}
	return event[2], true
}

func subscribeMessage(channel string) []byte {
	payload, _ := json.Marshal(map[string]string{"channel": channel})
	return []byte(fmt.Sprintf(`42["subscribe",%s]`, payload))
}

// DepthWatcher streams one side of the remote book and feeds the resulting deltas into a sink.
type DepthWatcher struct {
	sink      DepthSink
	pair      market.Pair
	side      market.Side
	depthType string // "buyDepth" or "sellDepth"
	socketURL string

	mu        sync.RWMutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	closed    bool
	healthErr error
	connState ConnectionState
	lastPing  time.Time

	last map[string]DepthEntry // only touched by the read loop
}

func NewDepthWatcher(sink DepthSink, pair market.Pair, side market.Side, socketURL string) *DepthWatcher {
	if socketURL == "" {
		socketURL = DefaultSocketURL
	}
	depthType := "sellDepth"
	if side == market.Buy {
		depthType = "buyDepth"
	}
	return &DepthWatcher{
		sink:      sink,
		pair:      pair,
		side:      side,
		depthType: depthType,
		socketURL: socketURL,
		connState: Disconnected,
	}
}

// Channel is the venue channel the watcher subscribes to, e.g. ETHBTC@buyDepth.
func (w *DepthWatcher) Channel() string {
	return fmt.Sprintf("%s@%s", Symbol(w.pair), w.depthType)
}

// Prime sets the snapshot deltas are computed against, typically the REST snapshot used to
// seed the window.
func (w *DepthWatcher) Prime(levels []market.PriceLevel) {
	w.last = make(map[string]DepthEntry, len(levels))
	for _, l := range levels {
		w.last[market.PriceKey(l.Price)] = DepthEntry{Price: l.Price, Quantity: l.Amount}
	}
}

// IsConnected returns true if the websocket is currently connected
func (w *DepthWatcher) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connState == Connected
}

// Health returns the last health error (if any). A connected socket that has not seen a
// server ping for StalePingAfter is reported as stale.
func (w *DepthWatcher) Health() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.healthErr != nil {
		return w.healthErr
	}
	if w.connState == Connected {
		if since := time.Since(w.lastPing); since > StalePingAfter {
			return fmt.Errorf("%s: no ping for %v", w.Channel(), since.Truncate(time.Second))
		}
	}
	return nil
}

// Close closes the websocket connection and cancels the context
func (w *DepthWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.conn != nil {
		w.conn.Close()
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.closed = true
	w.connState = Disconnected
	w.logState("Closed connection for %s", w.Channel())
}

func (w *DepthWatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(ctx)
}

func (w *DepthWatcher) run(ctx context.Context) {
	defer w.setClosed()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(b, ctx)

	for {
		err := w.connectAndStream(ctx, b)
		if ctx.Err() != nil {
			w.logState("Context cancelled, stopping depth watcher")
			return
		}
		w.setHealthErr(err)
		w.setConnState(Reconnecting)
		metrics.WatcherReconnects.WithLabelValues(string(w.side)).Inc()

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			return
		}
		w.logState("Disconnected, retrying in %v: %v", delay, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *DepthWatcher) connectAndStream(ctx context.Context, b backoff.BackOff) error {
	w.setConnState(Connecting)

	u, err := url.Parse(w.socketURL)
	if err != nil {
		return err
	}
	c, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	w.setConn(c)
	w.setConnState(Connected)
	w.setHealthErr(nil)
	w.setLastPing(time.Now())
	b.Reset()
	w.logState("Connection established for %s", w.Channel())
	defer func() {
		c.Close()
		w.setConn(nil)
		w.setConnState(Disconnected)
	}()

	// Close the socket when ctx ends so the blocking read returns.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	channel := w.Channel()
	if err := c.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		return err
	}
	if err := c.WriteMessage(websocket.TextMessage, subscribeMessage(channel)); err != nil {
		return err
	}

	handshakeComplete := false
	for {
		c.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}
		msg := string(message)
		switch {
		case msg == "2":
			w.setLastPing(time.Now())
			if err := c.WriteMessage(websocket.TextMessage, []byte("3")); err != nil {
				return err
			}
		case strings.HasPrefix(msg, "40") && !handshakeComplete:
			handshakeComplete = true
			if err := c.WriteMessage(websocket.TextMessage, subscribeMessage(channel)); err != nil {
				return err
			}
			w.logState("Resubscribed to %s", channel)
		default:
			payload, ok := parseBroadcast(msg, channel)
			if !ok {
				continue
			}
			if err := w.handleDepth(payload); err != nil {
				w.logState("Failed to apply depth for %s: %v", channel, err)
			}
		}
	}
}

// handleDepth diffs the pushed snapshot against the previous one and applies the deltas.
func (w *DepthWatcher) handleDepth(payload []byte) error {
	next, err := DecodeDepth(payload)
	if err != nil {
		metrics.DeltasApplied.WithLabelValues(string(w.side), "malformed").Inc()
		return err
	}
	for _, d := range DiffDepth(w.pair, w.depthType, w.last, next) {
		if err := w.sink.ApplyDelta(d); err != nil {
			// An unknown side label is fatal for that message only.
			metrics.DeltasApplied.WithLabelValues(string(w.side), "dropped").Inc()
			w.logState("Dropping delta %s %s: %v", d.Type, d.Price, err)
			continue
		}
		metrics.DeltasApplied.WithLabelValues(string(w.side), "applied").Inc()
	}
	w.last = next
	return nil
}

func (w *DepthWatcher) setConn(c *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = c
}

func (w *DepthWatcher) setConnState(state ConnectionState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connState = state
}

func (w *DepthWatcher) setHealthErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthErr = err
}

func (w *DepthWatcher) setLastPing(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPing = t
}

func (w *DepthWatcher) setClosed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.connState = Disconnected
}

func (w *DepthWatcher) logState(format string, args ...interface{}) {
	utils.GetLogger().Infof("DepthWatcher | "+format, args...)
}
