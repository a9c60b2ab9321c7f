package bracket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivlab/perpengine/internal/broker/paper"
	"github.com/derivlab/perpengine/internal/domain"
)

var btcPerp = domain.Instrument{
	Name:           "BTC_USDC-PERPETUAL",
	Currency:       "USDC",
	TickSize:       0.5,
	MinTradeAmount: 0.001,
	ContractSize:   0.001,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bracketRequest(label string) Request {
	return Request{
		Instrument: btcPerp.Name,
		Side:       domain.SideBuy,
		Amount:     0.0012,
		EntryType:  domain.OrderTypeMarket,
		StopPrice:  94525.3,
		TakePrice:  95950.2,
		Label:      label,
	}
}

func TestPlaceBracketLinked(t *testing.T) {
	ctx := context.Background()
	b := paper.New([]domain.Instrument{btcPerp})
	b.PushTick(btcPerp.Name, 95000, time.Now())

	o := New(b, time.Second, discardLogger())
	res, err := o.PlaceBracket(ctx, bracketRequest(o.NextLabel()))
	require.NoError(t, err)

	assert.NotEmpty(t, res.EntryID)
	assert.NotEmpty(t, res.SlID)
	assert.NotEmpty(t, res.TpID)
	assert.Equal(t, 95000.0, res.FilledPrice)

	orders, err := b.OpenOrders(ctx, btcPerp.Name)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, ord := range orders {
		assert.True(t, ord.ReduceOnly)
		assert.Equal(t, domain.SideSell, ord.Side)
		assert.Equal(t, 0.001, ord.Amount)
		switch ord.Type {
		case domain.OrderTypeStopMarket:
			assert.Equal(t, 94525.5, ord.TriggerPrice)
			assert.True(t, strings.HasSuffix(ord.Label, "_sl"))
		case domain.OrderTypeLimit:
			assert.Equal(t, 95950.0, ord.Price)
			assert.True(t, strings.HasSuffix(ord.Label, "_tp"))
		default:
			t.Fatalf("unexpected order type %s", ord.Type)
		}
	}
}

func TestPlaceBracketSequential(t *testing.T) {
	ctx := context.Background()
	b := paper.New([]domain.Instrument{btcPerp}, paper.WithoutOTOCO())
	b.PushTick(btcPerp.Name, 95000, time.Now())

	o := New(b, time.Second, discardLogger())
	res, err := o.PlaceBracket(ctx, bracketRequest(o.NextLabel()))
	require.NoError(t, err)

	assert.NotEmpty(t, res.EntryID)
	assert.NotEmpty(t, res.SlID)
	assert.NotEmpty(t, res.TpID)

	orders, err := b.OpenOrders(ctx, btcPerp.Name)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestPlaceBracketSequentialRollsBackOnTakeProfitFailure(t *testing.T) {
	ctx := context.Background()
	b := paper.New([]domain.Instrument{btcPerp}, paper.WithoutOTOCO())
	b.PushTick(btcPerp.Name, 95000, time.Now())

	b.PlaceHook = func(req domain.OrderRequest) error {
		if strings.HasSuffix(req.Label, "_tp") {
			return domain.NewBrokerError(domain.BrokerRejected, "place_order", "margin check failed", nil)
		}
		return nil
	}

	o := New(b, time.Second, discardLogger())
	_, err := o.PlaceBracket(ctx, bracketRequest(o.NextLabel()))
	require.Error(t, err)

	var rb *domain.RolledBackError
	require.ErrorAs(t, err, &rb)
	assert.Error(t, rb.Cause)
	assert.Empty(t, rb.Remnants)

	// The stop leg was cancelled during rollback; nothing rests on the book.
	orders, listErr := b.OpenOrders(ctx, btcPerp.Name)
	require.NoError(t, listErr)
	assert.Empty(t, orders)
}

func TestPlaceBracketRollbackReportsRemnants(t *testing.T) {
	ctx := context.Background()
	b := paper.New([]domain.Instrument{btcPerp}, paper.WithoutOTOCO())
	b.PushTick(btcPerp.Name, 95000, time.Now())

	b.PlaceHook = func(req domain.OrderRequest) error {
		if strings.HasSuffix(req.Label, "_tp") {
			return domain.NewBrokerError(domain.BrokerRejected, "place_order", "margin check failed", nil)
		}
		return nil
	}
	// Cancellation of the stop leg also fails, so its ID must surface for the
	// reaper.
	b.CancelHook = func(orderID string) error {
		return domain.NewBrokerError(domain.BrokerTimeout, "cancel_order", "timeout", nil)
	}

	o := New(b, time.Second, discardLogger())
	_, err := o.PlaceBracket(ctx, bracketRequest(o.NextLabel()))

	var rb *domain.RolledBackError
	require.ErrorAs(t, err, &rb)
	assert.NotEmpty(t, rb.Remnants)
}

func TestPlaceBracketEntryFailure(t *testing.T) {
	ctx := context.Background()
	b := paper.New([]domain.Instrument{btcPerp}, paper.WithoutOTOCO())
	b.PushTick(btcPerp.Name, 95000, time.Now())

	b.PlaceHook = func(req domain.OrderRequest) error {
		return domain.NewBrokerError(domain.BrokerRejected, "place_order", "account blocked", nil)
	}

	o := New(b, time.Second, discardLogger())
	_, err := o.PlaceBracket(ctx, bracketRequest(o.NextLabel()))
	require.Error(t, err)

	// Nothing was placed, so a plain error comes back rather than a rollback.
	var rb *domain.RolledBackError
	assert.False(t, errors.As(err, &rb))
}

func TestPlaceBracketRejectsCollapsedProtectiveLevels(t *testing.T) {
	ctx := context.Background()
	b := paper.New([]domain.Instrument{btcPerp})
	b.PushTick(btcPerp.Name, 95000, time.Now())

	o := New(b, time.Second, discardLogger())
	req := bracketRequest(o.NextLabel())
	req.EntryType = domain.OrderTypeLimit
	req.EntryPrice = 95000
	req.TakePrice = 95000.1 // rounds onto the entry

	_, err := o.PlaceBracket(ctx, req)
	require.Error(t, err)

	var be *domain.BrokerError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, domain.BrokerRejected, be.Kind)
}

func TestNextLabel(t *testing.T) {
	b := paper.New([]domain.Instrument{btcPerp})
	o := New(b, time.Second, discardLogger())

	first, second := o.NextLabel(), o.NextLabel()
	assert.True(t, strings.HasPrefix(first, "bkt_"))
	assert.NotEqual(t, first, second)
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		price, tick, want float64
	}{
		{94525.3, 0.5, 94525.5},
		{95950.2, 0.5, 95950.0},
		{100.026, 0.05, 100.05},
		{100, 0, 100},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, RoundToTick(tt.price, tt.tick), 1e-9)
	}
}

func TestRoundAmount(t *testing.T) {
	tests := []struct {
		amount, min, want float64
	}{
		{0.0012, 0.001, 0.001},
		{0.0017, 0.001, 0.002},
		{0.0004, 0.001, 0.001}, // clamped up to the minimum
		{1.23, 0, 1.23},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, RoundAmount(tt.amount, tt.min), 1e-9)
	}
}
