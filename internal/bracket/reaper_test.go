package bracket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivlab/perpengine/internal/broker/paper"
	"github.com/derivlab/perpengine/internal/domain"
)

type fakeSource struct {
	targets []SweepTarget
	live    map[string]struct{}
}

func (f *fakeSource) SweepTargets() []SweepTarget       { return f.targets }
func (f *fakeSource) LiveOrderIDs() map[string]struct{} { return f.live }

func restProtective(t *testing.T, b *paper.Broker, label string) string {
	t.Helper()
	res, err := b.PlaceOrder(context.Background(), domain.OrderRequest{
		Instrument:   btcPerp.Name,
		Side:         domain.SideSell,
		Type:         domain.OrderTypeStopMarket,
		Amount:       0.001,
		TriggerPrice: 94000,
		Trigger:      domain.TriggerMarkPrice,
		ReduceOnly:   true,
		Label:        label,
	})
	require.NoError(t, err)
	return res.OrderID
}

func TestReaperCancelsOrphanProtectiveOrders(t *testing.T) {
	ctx := context.Background()
	b := paper.New([]domain.Instrument{btcPerp})
	b.PushTick(btcPerp.Name, 95000, time.Now())

	// Flat account, so every unclaimed reduce-only order is an orphan.
	orphan := restProtective(t, b, "bkt_dead_1_sl")
	claimed := restProtective(t, b, "bkt_live_2_sl")

	src := &fakeSource{
		targets: []SweepTarget{{Broker: b, Instrument: btcPerp.Name, Currency: btcPerp.Currency}},
		live:    map[string]struct{}{claimed: {}},
	}

	NewReaper(src, time.Minute, discardLogger()).Sweep(ctx)

	orders, err := b.OpenOrders(ctx, btcPerp.Name)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, claimed, orders[0].OrderID)
	assert.NotEqual(t, orphan, orders[0].OrderID)
}

func TestReaperSparesProtectiveOrdersWithOpenPosition(t *testing.T) {
	ctx := context.Background()
	b := paper.New([]domain.Instrument{btcPerp})
	b.PushTick(btcPerp.Name, 95000, time.Now())

	// An open long makes the unclaimed stop legitimate.
	_, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Instrument: btcPerp.Name,
		Side:       domain.SideBuy,
		Type:       domain.OrderTypeMarket,
		Amount:     0.001,
	})
	require.NoError(t, err)
	restProtective(t, b, "bkt_pos_3_sl")

	src := &fakeSource{
		targets: []SweepTarget{{Broker: b, Instrument: btcPerp.Name, Currency: btcPerp.Currency}},
		live:    map[string]struct{}{},
	}

	NewReaper(src, time.Minute, discardLogger()).Sweep(ctx)

	orders, err := b.OpenOrders(ctx, btcPerp.Name)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestReaperIgnoresNonReduceOnlyOrders(t *testing.T) {
	ctx := context.Background()
	b := paper.New([]domain.Instrument{btcPerp})
	b.PushTick(btcPerp.Name, 95000, time.Now())

	// A plain resting limit order is not the reaper's business.
	_, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Instrument: btcPerp.Name,
		Side:       domain.SideBuy,
		Type:       domain.OrderTypeLimit,
		Amount:     0.001,
		Price:      90000,
	})
	require.NoError(t, err)

	src := &fakeSource{
		targets: []SweepTarget{{Broker: b, Instrument: btcPerp.Name, Currency: btcPerp.Currency}},
		live:    map[string]struct{}{},
	}

	NewReaper(src, time.Minute, discardLogger()).Sweep(ctx)

	orders, err := b.OpenOrders(ctx, btcPerp.Name)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}
