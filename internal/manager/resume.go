package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/derivlab/perpengine/internal/domain"
)

// ResumeSummary counts the outcomes of one Initialize pass.
type ResumeSummary struct {
	Resumed int
	Skipped int
	Failed  int
}

// Initialize performs boot-time auto-resume: every record persisted as
// active with autoReconnect=true is restarted, sequentially and in repository
// order, so the boot-time broker burst stays bounded and per-user connection
// attempts stay ordered. It never returns an error; the service must come up
// even when every resume fails.
func (m *Manager) Initialize(ctx context.Context) ResumeSummary {
	var summary ResumeSummary

	records, err := m.deps.Store.FindAllToResume(ctx)
	if err != nil {
		m.log.Error("auto-resume query failed", slog.String("error", err.Error()))
		return summary
	}

	for _, rec := range records {
		switch m.resumeOne(ctx, rec) {
		case resumeOK:
			summary.Resumed++
		case resumeSkipped:
			summary.Skipped++
		case resumeFailed:
			summary.Failed++
		}
	}

	m.log.Info("auto-resume complete",
		slog.Int("resumed", summary.Resumed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
	)
	if m.deps.Notifier != nil && len(records) > 0 {
		_ = m.deps.Notifier.Notify(ctx, "auto_resume_summary", "Auto-resume complete",
			fmt.Sprintf("resumed=%d skipped=%d failed=%d",
				summary.Resumed, summary.Skipped, summary.Failed))
	}
	return summary
}

type resumeOutcome int

const (
	resumeOK resumeOutcome = iota
	resumeSkipped
	resumeFailed
)

// resumeOne restarts one record, bounded by ResumeRecordTimeout. Errors never
// propagate; they are written to the record.
func (m *Manager) resumeOne(ctx context.Context, rec domain.StrategyRecord) resumeOutcome {
	key := rec.Key
	log := m.log.With(slog.String("instance", key.String()))

	recCtx, cancel := context.WithTimeout(ctx, m.cfg.ResumeRecordTimeout)
	defer cancel()

	client, err := m.deps.Brokers.Get(key.UserID, key.Broker, key.Environment)
	if err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			log.Info("auto-resume skipped, broker not connected")
			m.patchResume(recCtx, key, domain.StatusPatch{
				Status:     domain.StrategyPaused,
				LastAction: domain.ActionAutoResumeSkipped,
			})
			return resumeSkipped
		}
		log.Error("auto-resume broker lookup failed", slog.String("error", err.Error()))
		m.failResume(recCtx, key, err)
		return resumeFailed
	}

	m.mu.Lock()
	if _, running := m.live[key]; running {
		m.mu.Unlock()
		log.Warn("live instance already exists at boot, skipping")
		return resumeSkipped
	}

	strat, err := m.deps.Strategies.Build(key.Strategy, rec.Config, m.deps.Logger)
	if err != nil {
		m.mu.Unlock()
		log.Error("auto-resume strategy build failed", slog.String("error", err.Error()))
		m.failResume(recCtx, key, err)
		return resumeFailed
	}

	inst := m.launch(key, strat, client)
	m.mu.Unlock()

	if err := inst.exec.WaitReady(recCtx); err != nil {
		inst.cancel()
		m.mu.Lock()
		if current, ok := m.live[key]; ok && current == inst {
			delete(m.live, key)
		}
		m.mu.Unlock()
		log.Error("auto-resume failed", slog.String("error", err.Error()))
		m.failResume(recCtx, key, err)
		return resumeFailed
	}

	now := time.Now().UTC()
	m.patchResume(recCtx, key, domain.StatusPatch{
		Status:      domain.StrategyActive,
		LastAction:  domain.ActionAutoResume,
		ConnectedAt: &now,
		ResetErrors: true,
	})
	if err := m.deps.Store.UpdateHeartbeat(recCtx, key, now); err != nil {
		log.Warn("resume heartbeat write failed", slog.String("error", err.Error()))
	}
	log.Info("strategy auto-resumed")
	return resumeOK
}

// failResume writes the auto_resume_failed outcome.
func (m *Manager) failResume(ctx context.Context, key domain.InstanceKey, cause error) {
	msg := cause.Error()
	m.patchResume(ctx, key, domain.StatusPatch{
		Status:          domain.StrategyError,
		LastAction:      domain.ActionAutoResumeFailed,
		ErrorMessage:    &msg,
		IncrementErrors: true,
	})
}

// patchResume writes a resume outcome, falling back to a fresh context when
// the per-record budget is already spent.
func (m *Manager) patchResume(ctx context.Context, key domain.InstanceKey, patch domain.StatusPatch) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(m.baseCtx, m.cfg.QueryTimeout)
		defer cancel()
	}
	if err := m.deps.Store.UpdateStatus(ctx, key, patch); err != nil {
		m.log.Error("resume status write failed",
			slog.String("instance", key.String()),
			slog.String("error", err.Error()))
	}
}
