package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/derivlab/perpengine/internal/bracket"
	"github.com/derivlab/perpengine/internal/domain"
	"github.com/derivlab/perpengine/internal/executor"
)

// The manager is the executors' supervisor: heartbeats and errors flow up
// here and become repository writes. Callbacks run on executor goroutines, so
// each write gets its own bounded context.

var _ executor.Supervisor = (*Manager)(nil)

// ReportHeartbeat stamps last_heartbeat for a live instance.
func (m *Manager) ReportHeartbeat(key domain.InstanceKey) {
	ctx, cancel := context.WithTimeout(m.baseCtx, m.cfg.QueryTimeout)
	defer cancel()

	if err := m.deps.Store.UpdateHeartbeat(ctx, key, time.Now().UTC()); err != nil {
		m.log.Warn("heartbeat write failed",
			slog.String("instance", key.String()),
			slog.String("error", err.Error()))
	}
}

// ReportError records a recoverable executor error. The record stays active;
// only the error message and counter change.
func (m *Manager) ReportError(key domain.InstanceKey, err error) {
	ctx, cancel := context.WithTimeout(m.baseCtx, m.cfg.QueryTimeout)
	defer cancel()

	msg := err.Error()
	werr := m.deps.Store.UpdateStatus(ctx, key, domain.StatusPatch{
		ErrorMessage:    &msg,
		IncrementErrors: true,
	})
	if werr != nil {
		m.log.Warn("error report write failed",
			slog.String("instance", key.String()),
			slog.String("error", werr.Error()))
	}
}

// ReportTerminal marks the record as dead after an unexpected executor exit.
// AutoReconnect is left untouched so a restart may retry the instance.
func (m *Manager) ReportTerminal(key domain.InstanceKey, err error) {
	ctx, cancel := context.WithTimeout(m.baseCtx, m.cfg.QueryTimeout)
	defer cancel()

	msg := err.Error()
	werr := m.deps.Store.UpdateStatus(ctx, key, domain.StatusPatch{
		Status:          domain.StrategyError,
		LastAction:      domain.ActionExecutionError,
		ErrorMessage:    &msg,
		IncrementErrors: true,
	})
	if werr != nil {
		m.log.Error("terminal report write failed",
			slog.String("instance", key.String()),
			slog.String("error", werr.Error()))
	}
}

// The manager also feeds the orphan reaper: what to sweep and which orders
// belong to live brackets.

var _ bracket.Source = (*Manager)(nil)

// SweepTargets lists one (broker, instrument) pair per live instance.
func (m *Manager) SweepTargets() []bracket.SweepTarget {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := make([]bracket.SweepTarget, 0, len(m.live))
	for key, inst := range m.live {
		ins := inst.exec.InstrumentInfo()
		if ins.Currency == "" {
			continue // not ready yet
		}
		targets = append(targets, bracket.SweepTarget{
			Broker:     inst.broker,
			Instrument: key.Instrument,
			Currency:   ins.Currency,
		})
	}
	return targets
}

// LiveOrderIDs is the union of order IDs claimed by open brackets.
func (m *Manager) LiveOrderIDs() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := make(map[string]struct{})
	for _, inst := range m.live {
		for _, id := range inst.exec.LiveOrderIDs() {
			live[id] = struct{}{}
		}
	}
	return live
}
