package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputePnl(t *testing.T) {
	tests := []struct {
		name    string
		side    OrderSide
		entry   float64
		exit    float64
		amount  float64
		wantPnl float64
		wantPct float64
	}{
		{
			name:    "long profit",
			side:    SideBuy,
			entry:   100,
			exit:    110,
			amount:  2,
			wantPnl: 20,
			wantPct: 0.1,
		},
		{
			name:    "long loss",
			side:    SideBuy,
			entry:   100,
			exit:    95,
			amount:  1,
			wantPnl: -5,
			wantPct: -0.05,
		},
		{
			name:    "short profit",
			side:    SideSell,
			entry:   100,
			exit:    90,
			amount:  1,
			wantPnl: 10,
			wantPct: 0.1,
		},
		{
			name:    "short loss",
			side:    SideSell,
			entry:   100,
			exit:    105,
			amount:  2,
			wantPnl: -10,
			wantPct: -0.05,
		},
		{
			name:    "zero entry yields zero percent",
			side:    SideBuy,
			entry:   0,
			exit:    10,
			amount:  1,
			wantPnl: 10,
			wantPct: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pnl, pct := ComputePnl(tt.side, tt.entry, tt.exit, tt.amount)
			assert.InDelta(t, tt.wantPnl, pnl, 1e-9)
			assert.InDelta(t, tt.wantPct, pct, 1e-9)
		})
	}
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		name string
		exit float64
		sl   float64
		tp   float64
		want ExitReason
	}{
		{"take profit hit", 95950, 94525, 95950, ExitTakeProfit},
		{"stop loss hit", 94530, 94525, 95950, ExitStopLoss},
		{"nearer take profit", 95900, 94525, 95950, ExitTakeProfit},
		{"nearer stop loss", 94600, 94525, 95950, ExitStopLoss},
		{"equidistant is manual", 105, 100, 110, ExitManual},
		{"missing stop is manual", 95950, 0, 95950, ExitManual},
		{"missing take is manual", 94525, 94525, 0, ExitManual},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyExit(tt.exit, tt.sl, tt.tp))
		})
	}
}

func TestOrderSideOpposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestPositionAbsSize(t *testing.T) {
	assert.Equal(t, 1.5, Position{Size: -1.5}.AbsSize())
	assert.Equal(t, 1.5, Position{Size: 1.5}.AbsSize())
}

func TestSignalEntrySide(t *testing.T) {
	assert.Equal(t, SideBuy, Signal{Direction: DirectionLong}.EntrySide())
	assert.Equal(t, SideSell, Signal{Direction: DirectionShort}.EntrySide())
	assert.True(t, Signal{}.None())
	assert.True(t, Signal{Direction: DirectionNone}.None())
	assert.False(t, Signal{Direction: DirectionLong}.None())
}

func TestIsTransientBrokerError(t *testing.T) {
	assert.True(t, IsTransientBrokerError(NewBrokerError(BrokerTimeout, "op", "", nil)))
	assert.True(t, IsTransientBrokerError(NewBrokerError(BrokerRateLimited, "op", "", nil)))
	assert.True(t, IsTransientBrokerError(NewBrokerError(BrokerDisconnected, "op", "", nil)))
	assert.False(t, IsTransientBrokerError(NewBrokerError(BrokerRejected, "op", "", nil)))
	assert.False(t, IsTransientBrokerError(ErrNotFound))
}
