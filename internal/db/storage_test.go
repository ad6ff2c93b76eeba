package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amirphl/bridge-trader/internal/exchange"
	"github.com/amirphl/bridge-trader/internal/journal"
	"github.com/amirphl/bridge-trader/internal/settlement"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStorageSuite exercises the behaviour every Storage must share.
func runStorageSuite(t *testing.T, newStorage func(t *testing.T) Storage) {
	t.Run("create and get redirect", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		r, err := s.CreateRedirect(ctx, settlement.Redirect{LocalOrderID: 11, TaskID: "task-1"})
		require.NoError(t, err)
		assert.NotZero(t, r.ID)
		assert.Equal(t, settlement.StatusInit, r.Status)

		got, err := s.GetRedirect(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(11), got.LocalOrderID)
		assert.Equal(t, "task-1", got.TaskID)
		assert.Equal(t, settlement.StatusInit, got.Status)
	})

	t.Run("duplicate redirect", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		first, err := s.CreateRedirect(ctx, settlement.Redirect{LocalOrderID: 5})
		require.NoError(t, err)
		_, err = s.CreateRedirect(ctx, settlement.Redirect{LocalOrderID: 5})
		assert.ErrorIs(t, err, ErrDuplicateSettlement)

		existing, err := s.GetRedirectByLocalOrder(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, first.ID, existing.ID)

		all, err := s.ListRedirects(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("missing redirect", func(t *testing.T) {
		s := newStorage(t)
		_, err := s.GetRedirect(context.Background(), 404)
		assert.ErrorIs(t, err, settlement.ErrRedirectNotFound)
		_, err = s.GetRedirectByLocalOrder(context.Background(), 404)
		assert.ErrorIs(t, err, settlement.ErrRedirectNotFound)
		err = s.UpdateRedirect(context.Background(), settlement.Redirect{ID: 404, Status: settlement.StatusPending})
		assert.ErrorIs(t, err, settlement.ErrRedirectNotFound)
	})

	t.Run("lock requires transaction", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		r, err := s.CreateRedirect(ctx, settlement.Redirect{LocalOrderID: 1})
		require.NoError(t, err)

		_, err = s.LockRedirect(ctx, r.ID)
		assert.ErrorIs(t, err, settlement.ErrNoTransaction)

		err = s.WithinTx(ctx, func(ctx context.Context) error {
			locked, err := s.LockRedirect(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, r.ID, locked.ID)
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("update and list by status", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		a, err := s.CreateRedirect(ctx, settlement.Redirect{LocalOrderID: 1})
		require.NoError(t, err)
		b, err := s.CreateRedirect(ctx, settlement.Redirect{LocalOrderID: 2})
		require.NoError(t, err)

		b.Status = settlement.StatusCompleted
		b.RemoteOrderID = "remote-9"
		require.NoError(t, s.UpdateRedirect(ctx, b))

		active, err := s.ListRedirects(ctx, settlement.ActiveStatuses...)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, a.ID, active[0].ID)

		got, err := s.GetRedirect(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, "remote-9", got.RemoteOrderID)
		assert.Equal(t, settlement.StatusCompleted, got.Status)
	})

	t.Run("rollback undoes writes", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		r, err := s.CreateRedirect(ctx, settlement.Redirect{LocalOrderID: 1})
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.WithinTx(ctx, func(ctx context.Context) error {
			locked, err := s.LockRedirect(ctx, r.ID)
			require.NoError(t, err)
			locked.Status = settlement.StatusTransmission
			require.NoError(t, s.UpdateRedirect(ctx, locked))
			_, err = s.SaveTransmission(ctx, settlement.Transmission{
				RedirectID: r.ID, Currency: "eth", Amount: decimal.NewFromInt(1),
				System: exchange.SystemLocal, Address: "addr", IdempotencyKey: "k1",
			})
			require.NoError(t, err)
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetRedirect(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusInit, got.Status)
		trs, err := s.GetTransmissions(ctx, r.ID)
		require.NoError(t, err)
		assert.Empty(t, trs)
	})

	t.Run("transmissions", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		r, err := s.CreateRedirect(ctx, settlement.Redirect{LocalOrderID: 1})
		require.NoError(t, err)

		saved, err := s.SaveTransmission(ctx, settlement.Transmission{
			RedirectID:     r.ID,
			Currency:       "btc",
			Amount:         decimal.RequireFromString("0.125"),
			System:         exchange.SystemRemote,
			Address:        "addr-remote",
			WithdrawalID:   "w-1",
			IdempotencyKey: "k-remote",
		})
		require.NoError(t, err)
		assert.NotZero(t, saved.ID)

		trs, err := s.GetTransmissions(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, trs, 1)
		assert.True(t, trs[0].Amount.Equal(decimal.RequireFromString("0.125")))
		assert.Equal(t, exchange.SystemRemote, trs[0].System)
		assert.Equal(t, "w-1", trs[0].WithdrawalID)

		_, err = s.SaveTransmission(ctx, settlement.Transmission{
			RedirectID: r.ID, Currency: "btc", Amount: decimal.NewFromInt(1),
			System: exchange.SystemRemote, Address: "addr-remote", IdempotencyKey: "k-remote",
		})
		assert.Error(t, err)
	})

	t.Run("events", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		for i, typ := range []string{journal.TypeTransition, journal.TypeTransmission, journal.TypeTransition} {
			require.NoError(t, s.LogEvent(ctx, journal.Event{
				Time:        base.Add(time.Duration(i) * time.Minute),
				Type:        typ,
				Description: "step",
				Data:        map[string]any{"n": float64(i)},
			}))
		}

		events, err := s.GetEvents(ctx, journal.TypeTransition, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, float64(0), events[0].Data["n"])
		assert.Equal(t, float64(2), events[1].Data["n"])
		assert.True(t, base.Add(2*time.Minute).Equal(events[1].Time))
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage { return NewMemory() })
}
