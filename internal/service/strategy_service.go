// Package service is the facade the outer surfaces (HTTP handlers, CLI) talk
// to. It validates input, delegates to the manager and the ledger, and keeps
// transport concerns out of the core.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/derivlab/perpengine/internal/domain"
	"github.com/derivlab/perpengine/internal/manager"
	"github.com/derivlab/perpengine/internal/strategy"
)

// StrategyService exposes the strategy lifecycle.
type StrategyService struct {
	mgr        *manager.Manager
	strategies *strategy.Registry
	logger     *slog.Logger
}

// NewStrategyService creates a StrategyService.
func NewStrategyService(mgr *manager.Manager, strategies *strategy.Registry, logger *slog.Logger) *StrategyService {
	return &StrategyService{
		mgr:        mgr,
		strategies: strategies,
		logger:     logger.With(slog.String("component", "strategy_service")),
	}
}

// Start launches a strategy instance for the user.
func (s *StrategyService) Start(ctx context.Context, userID string, req manager.StartRequest) error {
	if err := s.mgr.Start(ctx, userID, req); err != nil {
		return fmt.Errorf("strategy_service: start: %w", err)
	}
	s.logger.InfoContext(ctx, "strategy start accepted",
		slog.String("user_id", userID),
		slog.String("strategy", req.Strategy),
		slog.String("instrument", req.Instrument),
	)
	return nil
}

// Stop gracefully stops a strategy instance and disables auto-resume for it.
func (s *StrategyService) Stop(ctx context.Context, userID string, req manager.StopRequest) error {
	if err := s.mgr.Stop(ctx, userID, req); err != nil {
		return fmt.Errorf("strategy_service: stop: %w", err)
	}
	s.logger.InfoContext(ctx, "strategy stop accepted",
		slog.String("user_id", userID),
		slog.String("strategy", req.Strategy),
		slog.String("instrument", req.Instrument),
	)
	return nil
}

// List returns the user's strategy records merged with live state, optionally
// filtered by broker and environment.
func (s *StrategyService) List(ctx context.Context, userID, broker, environment string) ([]manager.InstanceStatus, error) {
	if userID == "" {
		return nil, fmt.Errorf("strategy_service: %w: user id is required", domain.ErrInvalidConfig)
	}
	out, err := s.mgr.StatusForUser(ctx, userID, broker, environment)
	if err != nil {
		return nil, fmt.Errorf("strategy_service: list: %w", err)
	}
	return out, nil
}

// Available returns the registered strategy names.
func (s *StrategyService) Available() []string {
	return s.strategies.List()
}
