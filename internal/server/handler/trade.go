package handler

import (
	"net/http"
	"time"

	"github.com/derivlab/perpengine/internal/domain"
	"github.com/derivlab/perpengine/internal/service"
)

// TradeHandler serves the trade-history endpoints.
type TradeHandler struct {
	trades *service.TradeService
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades *service.TradeService) *TradeHandler {
	return &TradeHandler{trades: trades}
}

type tradeResponse struct {
	ID           int64      `json:"id"`
	Strategy     string     `json:"strategy"`
	Instrument   string     `json:"instrument"`
	Side         string     `json:"side"`
	EntryOrderID string     `json:"entry_order_id,omitempty"`
	EntryPrice   float64    `json:"entry_price"`
	Amount       float64    `json:"amount"`
	StopLoss     float64    `json:"stop_loss"`
	TakeProfit   float64    `json:"take_profit"`
	EntryTime    time.Time  `json:"entry_time"`
	Status       string     `json:"status"`
	ExitPrice    *float64   `json:"exit_price,omitempty"`
	ExitTime     *time.Time `json:"exit_time,omitempty"`
	Pnl          *float64   `json:"pnl,omitempty"`
	PnlPercent   *float64   `json:"pnl_percent,omitempty"`
	ExitReason   *string    `json:"exit_reason,omitempty"`
}

type tradeStatsResponse struct {
	Trades   int64   `json:"trades"`
	WinRate  float64 `json:"win_rate"`
	TotalPnl float64 `json:"total_pnl"`
	AvgPnl   float64 `json:"avg_pnl"`
	Best     float64 `json:"best"`
	Worst    float64 `json:"worst"`
	SlHits   int64   `json:"sl_hits"`
	TpHits   int64   `json:"tp_hits"`
}

// List handles GET /api/users/{user}/trades.
func (h *TradeHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	filter := parseTradeFilter(r)

	trades, err := h.trades.Query(r.Context(), userID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, toTradeResponse(t))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"trades": out,
		"count":  len(out),
	})
}

// Stats handles GET /api/users/{user}/trades/stats.
func (h *TradeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	filter := parseTradeFilter(r)

	stats, err := h.trades.Stats(r.Context(), userID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tradeStatsResponse{
		Trades:   stats.Trades,
		WinRate:  stats.WinRate,
		TotalPnl: stats.TotalPnl,
		AvgPnl:   stats.AvgPnl,
		Best:     stats.Best,
		Worst:    stats.Worst,
		SlHits:   stats.SlHits,
		TpHits:   stats.TpHits,
	})
}

func toTradeResponse(t domain.TradeRecord) tradeResponse {
	resp := tradeResponse{
		ID:           t.ID,
		Strategy:     t.Strategy,
		Instrument:   t.Instrument,
		Side:         string(t.Side),
		EntryOrderID: t.EntryOrderID,
		EntryPrice:   t.EntryPrice,
		Amount:       t.Amount,
		StopLoss:     t.StopLoss,
		TakeProfit:   t.TakeProfit,
		EntryTime:    t.EntryTime,
		Status:       string(t.Status),
		ExitPrice:    t.ExitPrice,
		ExitTime:     t.ExitTime,
		Pnl:          t.Pnl,
		PnlPercent:   t.PnlPercent,
	}
	if t.ExitReason != nil {
		reason := string(*t.ExitReason)
		resp.ExitReason = &reason
	}
	return resp
}
