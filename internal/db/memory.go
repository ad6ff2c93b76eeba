package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/bridge-trader/internal/journal"
	"github.com/amirphl/bridge-trader/internal/settlement"
	"github.com/samber/lo"
)

// MemoryStorage keeps everything in maps. It is used in paper mode without a database and
// in tests. Transactions are serialized and rolled back by restoring a snapshot.
type MemoryStorage struct {
	// txMu is held for the whole of a transaction and for every write outside one.
	txMu sync.Mutex
	mu   sync.RWMutex

	redirects      map[int64]settlement.Redirect
	byLocalOrder   map[int64]int64
	nextRedirectID int64

	transmissions      []settlement.Transmission
	nextTransmissionID int64

	// Events (append-only)
	events []journal.Event
}

type memTxKey struct{}

type memSnapshot struct {
	redirects          map[int64]settlement.Redirect
	byLocalOrder       map[int64]int64
	nextRedirectID     int64
	transmissions      []settlement.Transmission
	nextTransmissionID int64
	events             []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		redirects:    make(map[int64]settlement.Redirect),
		byLocalOrder: make(map[int64]int64),
		events:       make([]journal.Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func inMemTx(ctx context.Context) bool {
	_, ok := ctx.Value(memTxKey{}).(bool)
	return ok
}

// WithinTx runs fn exclusively. If fn fails every write it made is undone.
func (m *MemoryStorage) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inMemTx(ctx) {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// write runs fn under the write lock, joining the caller's transaction if any.
func (m *MemoryStorage) write(ctx context.Context, fn func() error) error {
	if !inMemTx(ctx) {
		m.txMu.Lock()
		defer m.txMu.Unlock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

func (m *MemoryStorage) snapshot() memSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memSnapshot{
		redirects:          lo.Assign(m.redirects),
		byLocalOrder:       lo.Assign(m.byLocalOrder),
		nextRedirectID:     m.nextRedirectID,
		transmissions:      append([]settlement.Transmission(nil), m.transmissions...),
		nextTransmissionID: m.nextTransmissionID,
		events:             append([]journal.Event(nil), m.events...),
	}
}

func (m *MemoryStorage) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirects = s.redirects
	m.byLocalOrder = s.byLocalOrder
	m.nextRedirectID = s.nextRedirectID
	m.transmissions = s.transmissions
	m.nextTransmissionID = s.nextTransmissionID
	m.events = s.events
}

// -------- Redirects --------

func (m *MemoryStorage) CreateRedirect(ctx context.Context, r settlement.Redirect) (settlement.Redirect, error) {
	err := m.write(ctx, func() error {
		if _, exists := m.byLocalOrder[r.LocalOrderID]; exists {
			return fmt.Errorf("%w: local order %d", ErrDuplicateSettlement, r.LocalOrderID)
		}
		now := time.Now().UTC()
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = r.CreatedAt
		}
		if r.Status == "" {
			r.Status = settlement.StatusInit
		}
		m.nextRedirectID++
		r.ID = m.nextRedirectID
		m.redirects[r.ID] = r
		m.byLocalOrder[r.LocalOrderID] = r.ID
		return nil
	})
	if err != nil {
		return settlement.Redirect{}, err
	}
	return r, nil
}

func (m *MemoryStorage) GetRedirect(ctx context.Context, id int64) (settlement.Redirect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.redirects[id]
	if !ok {
		return settlement.Redirect{}, fmt.Errorf("%w: %d", settlement.ErrRedirectNotFound, id)
	}
	return r, nil
}

func (m *MemoryStorage) GetRedirectByLocalOrder(ctx context.Context, localOrderID int64) (settlement.Redirect, error) {
	m.mu.RLock()
	id, ok := m.byLocalOrder[localOrderID]
	m.mu.RUnlock()
	if !ok {
		return settlement.Redirect{}, fmt.Errorf("%w: local order %d", settlement.ErrRedirectNotFound, localOrderID)
	}
	return m.GetRedirect(ctx, id)
}

// LockRedirect only reads; the transaction itself already excludes other writers.
func (m *MemoryStorage) LockRedirect(ctx context.Context, id int64) (settlement.Redirect, error) {
	if !inMemTx(ctx) {
		return settlement.Redirect{}, settlement.ErrNoTransaction
	}
	return m.GetRedirect(ctx, id)
}

func (m *MemoryStorage) UpdateRedirect(ctx context.Context, r settlement.Redirect) error {
	return m.write(ctx, func() error {
		prev, ok := m.redirects[r.ID]
		if !ok {
			return fmt.Errorf("%w: %d", settlement.ErrRedirectNotFound, r.ID)
		}
		// local order and creation time are immutable
		r.LocalOrderID = prev.LocalOrderID
		r.CreatedAt = prev.CreatedAt
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = time.Now().UTC()
		}
		m.redirects[r.ID] = r
		return nil
	})
}

func (m *MemoryStorage) ListRedirects(ctx context.Context, statuses ...settlement.Status) ([]settlement.Redirect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Filter(lo.Values(m.redirects), func(r settlement.Redirect, _ int) bool {
		return len(statuses) == 0 || lo.Contains(statuses, r.Status)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -------- Transmissions --------

func (m *MemoryStorage) SaveTransmission(ctx context.Context, t settlement.Transmission) (settlement.Transmission, error) {
	err := m.write(ctx, func() error {
		if _, ok := m.redirects[t.RedirectID]; !ok {
			return fmt.Errorf("%w: %d", settlement.ErrRedirectNotFound, t.RedirectID)
		}
		if lo.ContainsBy(m.transmissions, func(prev settlement.Transmission) bool {
			return prev.IdempotencyKey == t.IdempotencyKey
		}) {
			return fmt.Errorf("transmission %s already recorded", t.IdempotencyKey)
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		m.nextTransmissionID++
		t.ID = m.nextTransmissionID
		m.transmissions = append(m.transmissions, t)
		return nil
	})
	if err != nil {
		return settlement.Transmission{}, err
	}
	return t, nil
}

func (m *MemoryStorage) GetTransmissions(ctx context.Context, redirectID int64) ([]settlement.Transmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Filter(m.transmissions, func(t settlement.Transmission, _ int) bool {
		return t.RedirectID == redirectID
	}), nil
}

// -------- Journaler --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	return m.write(ctx, func() error {
		event.Time = event.Time.UTC()
		m.events = append(m.events, event)
		return nil
	})
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Filter(m.events, func(e journal.Event, _ int) bool {
		return e.Type == eventType && !e.Time.Before(start) && !e.Time.After(end)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
