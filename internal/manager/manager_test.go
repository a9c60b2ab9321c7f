package manager

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivlab/perpengine/internal/broker"
	"github.com/derivlab/perpengine/internal/broker/paper"
	"github.com/derivlab/perpengine/internal/domain"
	"github.com/derivlab/perpengine/internal/store/memory"
	"github.com/derivlab/perpengine/internal/strategy"
)

var btcPerp = domain.Instrument{
	Name:           "BTC_USDC-PERPETUAL",
	Currency:       "USDC",
	TickSize:       0.5,
	MinTradeAmount: 0.001,
	ContractSize:   0.001,
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: make(map[string]float64)}
}

func (f *fakePrices) SetLastPrice(_ context.Context, instrument string, price float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[instrument] = price
	return nil
}

func (f *fakePrices) LastPrice(_ context.Context, instrument string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[instrument]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return p, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func razorJSON(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"trade_size":          100.0,
		"stop_loss_percent":   0.5,
		"take_profit_percent": 1.0,
		"cooldown_minutes":    5,
		"max_daily_trades":    150,
		"fast_period":         2,
		"slow_period":         4,
		"rsi_period":          3,
	})
	require.NoError(t, err)
	return raw
}

// minimalRazorJSON omits the engine-default fields so Start has to merge them.
func minimalRazorJSON(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"trade_size":          100.0,
		"stop_loss_percent":   0.5,
		"take_profit_percent": 1.0,
		"fast_period":         2,
		"slow_period":         4,
		"rsi_period":          3,
	})
	require.NoError(t, err)
	return raw
}

type fixture struct {
	mgr     *Manager
	store   *memory.StrategyStore
	ledger  *memory.TradeStore
	brokers *broker.Registry
	paper   *paper.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   memory.NewStrategyStore(),
		ledger:  memory.NewTradeStore(),
		brokers: broker.NewRegistry(),
		paper:   paper.New([]domain.Instrument{btcPerp}),
	}
	f.brokers.Register("u1", "paper", "paper", f.paper)

	f.mgr = New(Config{
		HeartbeatInterval:      20 * time.Millisecond,
		StopGrace:              time.Second,
		BracketStepTimeout:     time.Second,
		QueryTimeout:           time.Second,
		ResumeRecordTimeout:    5 * time.Second,
		DefaultCooldownMinutes: 5,
		DefaultMaxDailyTrades:  150,
	}, Deps{
		Store:      f.store,
		Ledger:     f.ledger,
		Prices:     newFakePrices(),
		Brokers:    f.brokers,
		Strategies: strategy.NewRegistry(),
		Logger:     discardLogger(),
	})
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.mgr.Shutdown(shutdownCtx)
	})
	return f
}

func startRequest() StartRequest {
	return StartRequest{
		Strategy:    "razor",
		Instrument:  btcPerp.Name,
		Broker:      "paper",
		Environment: "paper",
	}
}

func instanceKey() domain.InstanceKey {
	return domain.InstanceKey{
		UserID:      "u1",
		Strategy:    "razor",
		Instrument:  btcPerp.Name,
		Broker:      "paper",
		Environment: "paper",
	}
}

func TestManagerStartAndStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := startRequest()
	req.Config = minimalRazorJSON(t)
	require.NoError(t, f.mgr.Start(ctx, "u1", req))
	assert.Equal(t, 1, f.mgr.Running())

	rec, err := f.store.FindByKey(ctx, instanceKey())
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyActive, rec.Status)
	assert.True(t, rec.AutoReconnect)
	assert.Equal(t, domain.ActionManualStart, rec.LastAction)

	// The engine defaults were folded into the stored config.
	var stored map[string]any
	require.NoError(t, json.Unmarshal(rec.Config, &stored))
	assert.EqualValues(t, 5, stored["cooldown_minutes"])
	assert.EqualValues(t, 150, stored["max_daily_trades"])

	require.NoError(t, f.mgr.Stop(ctx, "u1", StopRequest{
		Strategy:    "razor",
		Instrument:  btcPerp.Name,
		Broker:      "paper",
		Environment: "paper",
	}))
	assert.Equal(t, 0, f.mgr.Running())

	rec, err = f.store.FindByKey(ctx, instanceKey())
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyStopped, rec.Status)
	assert.False(t, rec.AutoReconnect)
	assert.Equal(t, domain.ActionManualStop, rec.LastAction)
	require.NotNil(t, rec.DisconnectedAt)
}

func TestManagerConcurrentStartSameKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := startRequest()
	req.Config = razorJSON(t)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.mgr.Start(ctx, "u1", req)
		}()
	}
	wg.Wait()
	close(errs)

	var ok, already int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, domain.ErrAlreadyRunning):
			already++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, already)
	assert.Equal(t, 1, f.mgr.Running())
}

func TestManagerStartValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := startRequest()
	req.Strategy = ""
	assert.ErrorIs(t, f.mgr.Start(ctx, "u1", req), domain.ErrInvalidConfig)

	req = startRequest()
	assert.ErrorIs(t, f.mgr.Start(ctx, "", req), domain.ErrInvalidConfig)

	// Unknown strategy surfaces the registry error and leaves nothing running.
	req = startRequest()
	req.Strategy = "mjolnir"
	assert.ErrorIs(t, f.mgr.Start(ctx, "u1", req), domain.ErrUnknownStrategy)
	assert.Equal(t, 0, f.mgr.Running())
}

func TestManagerStartDefaultsBroker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.brokers.Register("u1", "deribit", "testnet", f.paper)

	req := startRequest()
	req.Broker = ""
	req.Environment = "testnet"
	req.Config = razorJSON(t)
	require.NoError(t, f.mgr.Start(ctx, "u1", req))

	key := instanceKey()
	key.Broker = "deribit"
	key.Environment = "testnet"
	rec, err := f.store.FindByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "deribit", rec.Key.Broker)

	// Stop resolves the same instance with the broker left unset.
	require.NoError(t, f.mgr.Stop(ctx, "u1", StopRequest{
		Strategy:    "razor",
		Instrument:  btcPerp.Name,
		Environment: "testnet",
	}))
	assert.Equal(t, 0, f.mgr.Running())
}

func TestManagerStartWithoutBrokerSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := startRequest()
	req.Config = razorJSON(t)
	err := f.mgr.Start(ctx, "u2", req) // no client registered for u2
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestManagerInitializeResumesActiveRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.Upsert(ctx, domain.StrategyRecord{
		Key:           instanceKey(),
		Config:        razorJSON(t),
		Status:        domain.StrategyActive,
		AutoReconnect: true,
		LastAction:    domain.ActionManualStart,
	}))

	summary := f.mgr.Initialize(ctx)
	assert.Equal(t, ResumeSummary{Resumed: 1}, summary)
	assert.Equal(t, 1, f.mgr.Running())

	rec, err := f.store.FindByKey(ctx, instanceKey())
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyActive, rec.Status)
	assert.Equal(t, domain.ActionAutoResume, rec.LastAction)
	require.NotNil(t, rec.LastHeartbeat)
	resumedAt := *rec.LastHeartbeat

	// The resumed executor keeps heartbeating.
	require.Eventually(t, func() bool {
		cur, err := f.store.FindByKey(ctx, instanceKey())
		return err == nil && cur.LastHeartbeat != nil && cur.LastHeartbeat.After(resumedAt)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManagerInitializeSkipsManuallyStoppedRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.Upsert(ctx, domain.StrategyRecord{
		Key:           instanceKey(),
		Config:        razorJSON(t),
		Status:        domain.StrategyStopped,
		AutoReconnect: false,
		LastAction:    domain.ActionManualStop,
	}))

	summary := f.mgr.Initialize(ctx)
	assert.Equal(t, ResumeSummary{}, summary)
	assert.Equal(t, 0, f.mgr.Running())

	rec, err := f.store.FindByKey(ctx, instanceKey())
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyStopped, rec.Status)
}

func TestManagerInitializeSkipsWhenBrokerMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	key := instanceKey()
	key.UserID = "u2" // no broker session registered
	require.NoError(t, f.store.Upsert(ctx, domain.StrategyRecord{
		Key:           key,
		Config:        razorJSON(t),
		Status:        domain.StrategyActive,
		AutoReconnect: true,
	}))

	summary := f.mgr.Initialize(ctx)
	assert.Equal(t, ResumeSummary{Skipped: 1}, summary)
	assert.Equal(t, 0, f.mgr.Running())

	rec, err := f.store.FindByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyPaused, rec.Status)
	assert.Equal(t, domain.ActionAutoResumeSkipped, rec.LastAction)
	// Intent survives: the record still wants to reconnect next boot.
	assert.True(t, rec.AutoReconnect)
}

func TestManagerStatusForUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := startRequest()
	req.Config = razorJSON(t)
	require.NoError(t, f.mgr.Start(ctx, "u1", req))

	statuses, err := f.mgr.StatusForUser(ctx, "u1", "", "")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Live)
	assert.NotEmpty(t, statuses[0].State)

	statuses, err = f.mgr.StatusForUser(ctx, "u1", "deribit", "")
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestManagerShutdownStopsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := startRequest()
	req.Config = razorJSON(t)
	require.NoError(t, f.mgr.Start(ctx, "u1", req))
	require.Equal(t, 1, f.mgr.Running())

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	f.mgr.Shutdown(shutdownCtx)
	assert.Equal(t, 0, f.mgr.Running())
}
