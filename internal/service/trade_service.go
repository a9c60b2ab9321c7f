package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/derivlab/perpengine/internal/domain"
)

// maxQueryLimit caps one trade-history page.
const maxQueryLimit = 500

// TradeService exposes the trade ledger to the outer surfaces.
type TradeService struct {
	ledger domain.TradeLedger
	logger *slog.Logger
}

// NewTradeService creates a TradeService.
func NewTradeService(ledger domain.TradeLedger, logger *slog.Logger) *TradeService {
	return &TradeService{
		ledger: ledger,
		logger: logger.With(slog.String("component", "trade_service")),
	}
}

// Query returns the user's trade history, newest first.
func (s *TradeService) Query(ctx context.Context, userID string, f domain.TradeFilter) ([]domain.TradeRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("trade_service: %w: user id is required", domain.ErrInvalidConfig)
	}
	f.UserID = userID
	if f.Limit <= 0 || f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}

	trades, err := s.ledger.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("trade_service: query: %w", err)
	}
	return trades, nil
}

// Stats aggregates the user's closed trades.
func (s *TradeService) Stats(ctx context.Context, userID string, f domain.TradeFilter) (domain.TradeStats, error) {
	if userID == "" {
		return domain.TradeStats{}, fmt.Errorf("trade_service: %w: user id is required", domain.ErrInvalidConfig)
	}
	f.UserID = userID
	f.Status = domain.TradeStatusClosed

	stats, err := s.ledger.Stats(ctx, f)
	if err != nil {
		return domain.TradeStats{}, fmt.Errorf("trade_service: stats: %w", err)
	}
	return stats, nil
}
