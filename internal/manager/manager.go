// Package manager owns the process-wide map of running strategy instances.
// It enforces per-key uniqueness, persists lifecycle status, relays executor
// heartbeats to the repository and performs boot-time auto-resume.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/derivlab/perpengine/internal/bracket"
	"github.com/derivlab/perpengine/internal/broker"
	"github.com/derivlab/perpengine/internal/domain"
	"github.com/derivlab/perpengine/internal/executor"
	"github.com/derivlab/perpengine/internal/strategy"
)

// Config carries the engine-wide tunables the manager passes to executors.
type Config struct {
	HeartbeatInterval   time.Duration
	StopGrace           time.Duration
	BracketStepTimeout  time.Duration
	QueryTimeout        time.Duration
	ResumeRecordTimeout time.Duration

	// Defaults merged into instance configs that omit them.
	DefaultCooldownMinutes int
	DefaultMaxDailyTrades  int
}

// Deps are the manager's collaborators.
type Deps struct {
	Store      domain.StrategyStore
	Ledger     domain.TradeLedger
	Prices     domain.PriceCache
	Brokers    *broker.Registry
	Strategies *strategy.Registry
	Notifier   executor.Notifier // optional
	Logger     *slog.Logger
}

// defaultBroker fills in requests that leave the broker unset.
const defaultBroker = "deribit"

// StartRequest names the strategy instance a user wants to run. Config is the
// opaque per-instance configuration handed to the strategy factory.
type StartRequest struct {
	Strategy    string
	Instrument  string
	Broker      string
	Environment string
	Config      json.RawMessage
}

// StopRequest identifies the instance to stop.
type StopRequest struct {
	Strategy    string
	Instrument  string
	Broker      string
	Environment string
}

// InstanceStatus is one repository record merged with the live executor view.
type InstanceStatus struct {
	Record domain.StrategyRecord
	Live   bool
	State  executor.State
}

// instance pairs a running executor with its cancellation handle.
type instance struct {
	exec   *executor.Executor
	cancel context.CancelFunc
	broker domain.BrokerClient
}

// Manager is the per-user strategy lifecycle manager. All live-map mutations
// are serialised by mu; concurrent Starts for the same key produce exactly
// one success and one ErrAlreadyRunning.
type Manager struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu   sync.Mutex
	live map[domain.InstanceKey]*instance

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New constructs a Manager. Instances it launches outlive the caller's
// request contexts; Shutdown tears them down.
func New(cfg Config, deps Deps) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 3 * time.Second
	}
	if cfg.ResumeRecordTimeout <= 0 {
		cfg.ResumeRecordTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		log:        deps.Logger.With(slog.String("component", "manager")),
		live:       make(map[domain.InstanceKey]*instance),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Start launches a strategy instance for the user. It is idempotent-by-key:
// a second Start for a running key fails with ErrAlreadyRunning. The record
// is upserted as active with autoReconnect=true before the loop starts.
func (m *Manager) Start(ctx context.Context, userID string, req StartRequest) error {
	if req.Broker == "" {
		req.Broker = defaultBroker
	}
	if err := validateRequest(userID, req.Strategy, req.Instrument, req.Broker, req.Environment); err != nil {
		return err
	}
	key := domain.InstanceKey{
		UserID:      userID,
		Strategy:    req.Strategy,
		Instrument:  req.Instrument,
		Broker:      req.Broker,
		Environment: req.Environment,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.live[key]; running {
		return fmt.Errorf("manager: %s: %w", key, domain.ErrAlreadyRunning)
	}

	client, err := m.deps.Brokers.Get(userID, req.Broker, req.Environment)
	if err != nil {
		return err
	}

	merged, err := m.mergeDefaults(req.Config)
	if err != nil {
		return err
	}
	strat, err := m.deps.Strategies.Build(req.Strategy, merged, m.deps.Logger)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := domain.StrategyRecord{
		Key:           key,
		Config:        merged,
		Status:        domain.StrategyActive,
		AutoReconnect: true,
		LastAction:    domain.ActionManualStart,
		ConnectedAt:   &now,
		LastHeartbeat: &now,
	}
	if err := m.deps.Store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("manager: persist start %s: %w", key, err)
	}

	inst := m.launch(key, strat, client)

	readyCtx, cancel := context.WithTimeout(ctx, m.cfg.ResumeRecordTimeout)
	err = inst.exec.WaitReady(readyCtx)
	cancel()
	if err != nil {
		inst.cancel()
		delete(m.live, key)
		return fmt.Errorf("manager: start %s: %w", key, err)
	}

	m.log.Info("strategy started", slog.String("instance", key.String()))
	return nil
}

// launch creates the executor and its goroutine and inserts it into the live
// map. Caller holds mu.
func (m *Manager) launch(key domain.InstanceKey, strat strategy.Strategy, client domain.BrokerClient) *instance {
	orch := bracket.New(client, m.cfg.BracketStepTimeout, m.deps.Logger)
	exec := executor.New(executor.Config{
		Key:               key,
		Strategy:          strat,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		StopGrace:         m.cfg.StopGrace,
		QueryTimeout:      m.cfg.QueryTimeout,
	}, executor.Deps{
		Broker:     client,
		Ledger:     m.deps.Ledger,
		Prices:     m.deps.Prices,
		Bracket:    orch,
		Supervisor: m,
		Notifier:   m.deps.Notifier,
		Logger:     m.deps.Logger,
	})

	runCtx, cancel := context.WithCancel(m.baseCtx)
	inst := &instance{exec: exec, cancel: cancel, broker: client}
	m.live[key] = inst

	go func() {
		err := exec.Run(runCtx)
		cancel()
		m.onExit(key, inst, err)
	}()
	return inst
}

// onExit removes a finished instance from the live map, unless a replacement
// was already installed under the same key.
func (m *Manager) onExit(key domain.InstanceKey, inst *instance, err error) {
	m.mu.Lock()
	if current, ok := m.live[key]; ok && current == inst {
		delete(m.live, key)
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Error("executor exited with error",
			slog.String("instance", key.String()),
			slog.String("error", err.Error()))
		return
	}
	m.log.Info("executor exited", slog.String("instance", key.String()))
}

// Stop gracefully stops a running instance and records manual stop. A stop
// for a key with no live instance still patches the record, so a stopped
// strategy never auto-resumes.
func (m *Manager) Stop(ctx context.Context, userID string, req StopRequest) error {
	if req.Broker == "" {
		req.Broker = defaultBroker
	}
	if err := validateRequest(userID, req.Strategy, req.Instrument, req.Broker, req.Environment); err != nil {
		return err
	}
	key := domain.InstanceKey{
		UserID:      userID,
		Strategy:    req.Strategy,
		Instrument:  req.Instrument,
		Broker:      req.Broker,
		Environment: req.Environment,
	}

	m.mu.Lock()
	inst := m.live[key]
	delete(m.live, key)
	m.mu.Unlock()

	if inst != nil {
		m.stopInstance(inst)
	}

	now := time.Now().UTC()
	off := false
	err := m.deps.Store.UpdateStatus(ctx, key, domain.StatusPatch{
		Status:         domain.StrategyStopped,
		LastAction:     domain.ActionManualStop,
		AutoReconnect:  &off,
		DisconnectedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("manager: persist stop %s: %w", key, err)
	}
	m.log.Info("strategy stopped", slog.String("instance", key.String()))
	return nil
}

// stopInstance signals the executor and waits for it, bounded by the stop
// grace plus a margin for the final broker calls.
func (m *Manager) stopInstance(inst *instance) {
	inst.exec.Stop()
	wait := m.cfg.StopGrace + 5*time.Second
	select {
	case <-inst.exec.Done():
	case <-time.After(wait):
		m.log.Warn("executor did not stop within grace, cancelling",
			slog.String("instance", inst.exec.Key().String()))
	}
	inst.cancel()
}

// StatusForUser returns the user's repository records, optionally filtered by
// broker and environment, merged with the live executor state.
func (m *Manager) StatusForUser(ctx context.Context, userID, brokerName, environment string) ([]InstanceStatus, error) {
	recs, err := m.deps.Store.FindByUser(ctx, userID, brokerName, environment)
	if err != nil {
		return nil, fmt.Errorf("manager: status for %s: %w", userID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]InstanceStatus, 0, len(recs))
	for _, rec := range recs {
		st := InstanceStatus{Record: rec}
		if inst, ok := m.live[rec.Key]; ok {
			st.Live = true
			st.State = inst.exec.State()
		}
		out = append(out, st)
	}
	return out, nil
}

// Running returns the number of live instances.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Shutdown stops every live instance, gracefully when time allows.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.live))
	for key, inst := range m.live {
		insts = append(insts, inst)
		delete(m.live, key)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range insts {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			m.stopInstance(inst)
		}(inst)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	m.baseCancel()
}

// mergeDefaults folds the engine-wide cooldown and daily-limit defaults into
// an instance config that omits them.
func (m *Manager) mergeDefaults(raw json.RawMessage) (json.RawMessage, error) {
	cfg := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
		}
	}
	if _, ok := cfg["cooldown_minutes"]; !ok {
		cfg["cooldown_minutes"] = m.cfg.DefaultCooldownMinutes
	}
	if _, ok := cfg["max_daily_trades"]; !ok {
		cfg["max_daily_trades"] = m.cfg.DefaultMaxDailyTrades
	}
	merged, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	return merged, nil
}

func validateRequest(userID, strategyName, instrument, brokerName, environment string) error {
	switch {
	case userID == "":
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidConfig)
	case strategyName == "":
		return fmt.Errorf("%w: strategy is required", domain.ErrInvalidConfig)
	case instrument == "":
		return fmt.Errorf("%w: instrument is required", domain.ErrInvalidConfig)
	case brokerName == "":
		return fmt.Errorf("%w: broker is required", domain.ErrInvalidConfig)
	case environment == "":
		return fmt.Errorf("%w: environment is required", domain.ErrInvalidConfig)
	}
	return nil
}
