package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivlab/perpengine/internal/broker"
	"github.com/derivlab/perpengine/internal/broker/paper"
	"github.com/derivlab/perpengine/internal/domain"
	"github.com/derivlab/perpengine/internal/manager"
	"github.com/derivlab/perpengine/internal/server/handler"
	"github.com/derivlab/perpengine/internal/service"
	"github.com/derivlab/perpengine/internal/store/memory"
	"github.com/derivlab/perpengine/internal/strategy"
)

const testAPIKey = "test-key"

var btcPerp = domain.Instrument{
	Name:           "BTC_USDC-PERPETUAL",
	Currency:       "USDC",
	TickSize:       0.5,
	MinTradeAmount: 0.001,
	ContractSize:   0.001,
}

type staticPrices struct{}

func (staticPrices) SetLastPrice(context.Context, string, float64, time.Time) error { return nil }
func (staticPrices) LastPrice(context.Context, string) (float64, error) {
	return 0, domain.ErrNotFound
}

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T) (*Server, *memory.TradeStore) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := memory.NewTradeStore()
	brokers := broker.NewRegistry()
	brokers.Register("u1", "paper", "paper", paper.New([]domain.Instrument{btcPerp}))
	strategies := strategy.NewRegistry()

	mgr := manager.New(manager.Config{
		HeartbeatInterval:      time.Second,
		StopGrace:              time.Second,
		BracketStepTimeout:     time.Second,
		QueryTimeout:           time.Second,
		ResumeRecordTimeout:    5 * time.Second,
		DefaultCooldownMinutes: 5,
		DefaultMaxDailyTrades:  150,
	}, manager.Deps{
		Store:      memory.NewStrategyStore(),
		Ledger:     ledger,
		Prices:     staticPrices{},
		Brokers:    brokers,
		Strategies: strategies,
		Logger:     logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	srv := New(Config{
		Port:   0,
		APIKey: testAPIKey,
	}, Handlers{
		Health:   handler.NewHealthHandler(map[string]handler.Pinger{"ledger": okPinger{}}),
		Strategy: handler.NewStrategyHandler(service.NewStrategyService(mgr, strategies, logger)),
		Trade:    handler.NewTradeHandler(service.NewTradeService(ledger, logger)),
	}, nil, logger)

	return srv, ledger
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("X-API-Key", testAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	// No API key: health stays reachable for liveness probes.
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthDegraded(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{Port: 0}, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": okPinger{err: errors.New("connection refused")},
		}),
	}, nil, logger)

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/users/u1/trades", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAvailableStrategies(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/api/strategies/available", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Strategies []string `json:"strategies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"razor", "thor"}, body.Strategies)
}

func TestStrategyLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	start := `{
		"strategy": "razor",
		"instrument": "BTC_USDC-PERPETUAL",
		"broker": "paper",
		"environment": "paper",
		"config": {"trade_size": 100, "stop_loss_percent": 0.5, "take_profit_percent": 1.0, "fast_period": 2, "slow_period": 4, "rsi_period": 3}
	}`
	rec := doRequest(srv, http.MethodPost, "/api/users/u1/strategies/start", start)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Starting the same instance again conflicts.
	rec = doRequest(srv, http.MethodPost, "/api/users/u1/strategies/start", start)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/api/users/u1/strategies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count      int `json:"count"`
		Strategies []struct {
			Strategy string `json:"strategy"`
			Status   string `json:"status"`
			Live     bool   `json:"live"`
		} `json:"strategies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "razor", list.Strategies[0].Strategy)
	assert.Equal(t, "active", list.Strategies[0].Status)
	assert.True(t, list.Strategies[0].Live)

	stop := `{
		"strategy": "razor",
		"instrument": "BTC_USDC-PERPETUAL",
		"broker": "paper",
		"environment": "paper"
	}`
	rec = doRequest(srv, http.MethodPost, "/api/users/u1/strategies/stop", stop)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(srv, http.MethodGet, "/api/users/u1/strategies", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "stopped", list.Strategies[0].Status)
	assert.False(t, list.Strategies[0].Live)
}

func TestStartRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("malformed json", func(t *testing.T) {
		rec := doRequest(srv, http.MethodPost, "/api/users/u1/strategies/start", `{"strategy":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := doRequest(srv, http.MethodPost, "/api/users/u1/strategies/start", `{"strategy":"razor","bogus":1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		rec := doRequest(srv, http.MethodPost, "/api/users/u1/strategies/start", `{
			"strategy": "mjolnir",
			"instrument": "BTC_USDC-PERPETUAL",
			"broker": "paper",
			"environment": "paper"
		}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no broker session", func(t *testing.T) {
		rec := doRequest(srv, http.MethodPost, "/api/users/u2/strategies/start", `{
			"strategy": "razor",
			"instrument": "BTC_USDC-PERPETUAL",
			"broker": "paper",
			"environment": "paper",
			"config": {"trade_size": 100, "stop_loss_percent": 0.5, "take_profit_percent": 1.0}
		}`)
		assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	})
}

func TestTradeEndpoints(t *testing.T) {
	srv, ledger := newTestServer(t)
	ctx := context.Background()

	entry := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	id, err := ledger.RecordOpen(ctx, domain.TradeRecord{
		UserID:     "u1",
		Strategy:   "razor",
		Instrument: btcPerp.Name,
		Side:       domain.SideBuy,
		EntryPrice: 95000,
		Amount:     0.001,
		StopLoss:   94525,
		TakeProfit: 95950,
		EntryTime:  entry,
	})
	require.NoError(t, err)
	require.NoError(t, ledger.RecordClose(ctx, id, domain.TradeClose{
		ExitPrice:  95950,
		ExitTime:   entry.Add(time.Hour),
		ExitReason: domain.ExitTakeProfit,
		Pnl:        0.95,
		PnlPercent: 0.01,
	}))

	rec := doRequest(srv, http.MethodGet, "/api/users/u1/trades", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trades struct {
		Count  int `json:"count"`
		Trades []struct {
			Instrument string   `json:"instrument"`
			Status     string   `json:"status"`
			ExitReason *string  `json:"exit_reason"`
			Pnl        *float64 `json:"pnl"`
		} `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Equal(t, 1, trades.Count)
	assert.Equal(t, "closed", trades.Trades[0].Status)
	require.NotNil(t, trades.Trades[0].ExitReason)
	assert.Equal(t, "tp_hit", *trades.Trades[0].ExitReason)

	// Only the closed row exists, so the open filter returns nothing.
	rec = doRequest(srv, http.MethodGet, "/api/users/u1/trades?status=open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	assert.Equal(t, 0, trades.Count)

	// Another user sees nothing.
	rec = doRequest(srv, http.MethodGet, "/api/users/u2/trades", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	assert.Equal(t, 0, trades.Count)

	rec = doRequest(srv, http.MethodGet, "/api/users/u1/trades/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Trades  int64   `json:"trades"`
		WinRate float64 `json:"win_rate"`
		TpHits  int64   `json:"tp_hits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Trades)
	assert.Equal(t, 1.0, stats.WinRate)
	assert.Equal(t, int64(1), stats.TpHits)
}

