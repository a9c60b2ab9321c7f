package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivlab/perpengine/internal/domain"
)

func openRecord(user string, entry time.Time) domain.TradeRecord {
	return domain.TradeRecord{
		UserID:     user,
		Strategy:   "razor",
		Instrument: "BTC_USDC-PERPETUAL",
		Side:       domain.SideBuy,
		EntryPrice: 95000,
		Amount:     0.001,
		StopLoss:   94525,
		TakeProfit: 95950,
		EntryTime:  entry,
	}
}

func TestTradeStoreRecordOpenRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewTradeStore()

	id, err := s.RecordOpen(ctx, openRecord("u1", time.Now()))
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = s.RecordOpen(ctx, openRecord("u1", time.Now()))
	assert.ErrorIs(t, err, domain.ErrOpenTradeExists)

	// A different user on the same instrument is unaffected.
	_, err = s.RecordOpen(ctx, openRecord("u2", time.Now()))
	assert.NoError(t, err)
}

func TestTradeStoreRecordClose(t *testing.T) {
	ctx := context.Background()
	s := NewTradeStore()

	id, err := s.RecordOpen(ctx, openRecord("u1", time.Now()))
	require.NoError(t, err)

	close := domain.TradeClose{
		ExitPrice:  95950,
		ExitTime:   time.Now().UTC(),
		ExitReason: domain.ExitTakeProfit,
		Pnl:        0.95,
		PnlPercent: 0.01,
	}
	require.NoError(t, s.RecordClose(ctx, id, close))

	// Closing frees the open slot for the key.
	_, err = s.RecordOpen(ctx, openRecord("u1", time.Now()))
	assert.NoError(t, err)

	assert.ErrorIs(t, s.RecordClose(ctx, id, close), domain.ErrAlreadyClosed)
	assert.ErrorIs(t, s.RecordClose(ctx, 999, close), domain.ErrNotFound)

	rows, err := s.Query(ctx, domain.TradeFilter{UserID: "u1", Status: domain.TradeStatusClosed})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ExitReason)
	assert.Equal(t, domain.ExitTakeProfit, *rows[0].ExitReason)
	assert.Equal(t, 95950.0, *rows[0].ExitPrice)
}

func TestTradeStoreQueryFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	s := NewTradeStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := openRecord("u1", base.Add(time.Duration(i)*time.Hour))
		rec.Strategy = "razor"
		id, err := s.RecordOpen(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, s.RecordClose(ctx, id, domain.TradeClose{
			ExitPrice: 95000, ExitTime: base.Add(time.Duration(i)*time.Hour + time.Minute),
			ExitReason: domain.ExitManual,
		}))
	}

	rows, err := s.Query(ctx, domain.TradeFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	// Newest first.
	assert.True(t, rows[0].EntryTime.After(rows[4].EntryTime))

	rows, err = s.Query(ctx, domain.TradeFilter{UserID: "u1", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = s.Query(ctx, domain.TradeFilter{UserID: "other"})
	require.NoError(t, err)
	assert.Empty(t, rows)

	since := base.Add(3 * time.Hour)
	rows, err = s.Query(ctx, domain.TradeFilter{UserID: "u1", Since: &since})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestTradeStoreStats(t *testing.T) {
	ctx := context.Background()
	s := NewTradeStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	closeWith := func(i int, pnl float64, reason domain.ExitReason) {
		rec := openRecord("u1", base.Add(time.Duration(i)*time.Hour))
		id, err := s.RecordOpen(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, s.RecordClose(ctx, id, domain.TradeClose{
			ExitPrice:  95000,
			ExitTime:   base.Add(time.Duration(i)*time.Hour + time.Minute),
			ExitReason: reason,
			Pnl:        pnl,
			PnlPercent: pnl / 100,
		}))
	}

	closeWith(0, 2.0, domain.ExitTakeProfit)
	closeWith(1, -1.0, domain.ExitStopLoss)
	closeWith(2, 0.5, domain.ExitTakeProfit)
	closeWith(3, -0.25, domain.ExitManual)

	st, err := s.Stats(ctx, domain.TradeFilter{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, int64(4), st.Trades)
	assert.InDelta(t, 0.5, st.WinRate, 1e-9)
	assert.InDelta(t, 1.25, st.TotalPnl, 1e-9)
	assert.InDelta(t, 0.3125, st.AvgPnl, 1e-9)
	assert.InDelta(t, 2.0, st.Best, 1e-9)
	assert.InDelta(t, -1.0, st.Worst, 1e-9)
	assert.Equal(t, int64(1), st.SlHits)
	assert.Equal(t, int64(2), st.TpHits)
}

func TestTradeStoreRetroactiveSync(t *testing.T) {
	ctx := context.Background()
	s := NewTradeStore()

	id, err := s.RetroactiveSync(ctx, openRecord("u1", time.Now()))
	require.NoError(t, err)
	assert.Positive(t, id)

	// The adopted row occupies the open slot like any other open trade.
	_, err = s.RecordOpen(ctx, openRecord("u1", time.Now()))
	assert.ErrorIs(t, err, domain.ErrOpenTradeExists)
}

func TestTradeStoreArchiveWindow(t *testing.T) {
	ctx := context.Background()
	s := NewTradeStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec := openRecord("u1", base.Add(time.Duration(i)*time.Hour))
		id, err := s.RecordOpen(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, s.RecordClose(ctx, id, domain.TradeClose{
			ExitPrice: 95000,
			ExitTime:  base.Add(time.Duration(i) * 24 * time.Hour),
		}))
	}

	cutoff := base.Add(36 * time.Hour)
	old, err := s.ListClosedBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, old, 2)
	// Oldest first.
	assert.True(t, old[0].ExitTime.Before(*old[1].ExitTime))

	n, err := s.DeleteClosedBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := s.Query(ctx, domain.TradeFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
