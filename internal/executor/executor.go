// Package executor runs one strategy instance as a serialised event loop: a
// single goroutine consumes ticker events, heartbeat timers and the stop
// signal, so every state transition happens on one goroutine and ticker T_n is
// fully processed before T_{n+1} begins.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/derivlab/perpengine/internal/bracket"
	"github.com/derivlab/perpengine/internal/domain"
	"github.com/derivlab/perpengine/internal/strategy"
)

// State is the executor's in-memory lifecycle state. It is distinct from the
// persisted StrategyStatus: a record stays "active" while the executor moves
// between analyzing, signal_detected and position_open.
type State string

const (
	StateInitializing   State = "initializing"
	StateAnalyzing      State = "analyzing"
	StateSignalDetected State = "signal_detected"
	StatePositionOpen   State = "position_open"
	StateStopped        State = "stopped"
	StateError          State = "error"
)

// Supervisor receives lifecycle callbacks from the executor. The strategy
// manager implements it; heartbeats become repository writes and terminal
// errors become status transitions.
type Supervisor interface {
	ReportHeartbeat(key domain.InstanceKey)
	ReportError(key domain.InstanceKey, err error)
	ReportTerminal(key domain.InstanceKey, err error)
}

// Notifier is the slice of the notification system the executor uses.
// *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

const (
	// cooldownLogEvery throttles the "cooling down" log line.
	cooldownLogEvery = 30 * time.Second
	// errorCooldown is the fallback cooldown after a failed entry, so a
	// persistent broker error cannot become a tight placement loop.
	errorCooldown = time.Minute
	// eventBuffer bounds the tick queue; ticks beyond it are dropped, which
	// is safe because each tick carries the full latest price.
	eventBuffer = 256
	// stopPollInterval paces the graceful-close wait.
	stopPollInterval = 500 * time.Millisecond
)

// Config carries the static parameters of one executor instance.
type Config struct {
	Key               domain.InstanceKey
	Strategy          strategy.Strategy
	HeartbeatInterval time.Duration
	StopGrace         time.Duration
	QueryTimeout      time.Duration
}

// Deps are the collaborators the executor drives.
type Deps struct {
	Broker     domain.BrokerClient
	Ledger     domain.TradeLedger
	Prices     domain.PriceCache
	Bracket    *bracket.Orchestrator
	Supervisor Supervisor
	Notifier   Notifier // optional
	Logger     *slog.Logger
}

// openTrade is the loop-local view of the ledger row currently open.
type openTrade struct {
	id         int64
	side       domain.OrderSide
	entryPrice float64
	amount     float64
	stopLoss   float64
	takeProfit float64
	label      string
	result     bracket.Result
}

// Executor is one running strategy instance. All mutable fields below deps are
// owned by the Run goroutine; external callers interact only through Stop and
// the read-only accessors.
type Executor struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	events  chan domain.TickerEvent
	dropped atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	ready    chan error

	// Mirrors of loop-owned state for concurrent readers (status queries,
	// the orphan reaper).
	stateView  atomic.Value // State
	insView    atomic.Value // domain.Instrument
	liveOrders atomic.Value // []string

	// Loop-owned. Never touched outside the Run goroutine.
	state           State
	instrument      domain.Instrument
	candles         *strategy.CandleBuilder
	lastPrice       float64
	lastPriceAt     time.Time
	trade           *openTrade
	cooldownUntil   time.Time
	lastCooldownLog time.Time
	lastLimitLog    time.Time
	dailyCount      int
	dailyDate       time.Time
}

// New constructs an executor. Run must be called exactly once.
func New(cfg Config, deps Deps) *Executor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 3 * time.Second
	}
	e := &Executor{
		cfg:  cfg,
		deps: deps,
		log: deps.Logger.With(
			slog.String("component", "executor"),
			slog.String("instance", cfg.Key.String()),
		),
		events: make(chan domain.TickerEvent, eventBuffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		ready:  make(chan error, 1),
	}
	e.setState(StateInitializing)
	e.liveOrders.Store([]string(nil))
	return e
}

// State returns the current lifecycle state. Safe for concurrent use.
func (e *Executor) State() State {
	return e.stateView.Load().(State)
}

// Key returns the composite instance key.
func (e *Executor) Key() domain.InstanceKey { return e.cfg.Key }

// InstrumentInfo returns the contract parameters. Zero before readiness.
func (e *Executor) InstrumentInfo() domain.Instrument {
	ins, _ := e.insView.Load().(domain.Instrument)
	return ins
}

// LiveOrderIDs returns the order IDs of the bracket currently open, if any.
// The orphan reaper uses it to tell live protective orders from orphans.
func (e *Executor) LiveOrderIDs() []string {
	ids, _ := e.liveOrders.Load().([]string)
	return ids
}

// WaitReady blocks until the executor finished initialising (nil) or died
// during startup (the startup error). The manager bounds it with a deadline.
func (e *Executor) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-e.ready:
		return err
	}
}

// Stop requests a graceful shutdown and returns immediately. The Run goroutine
// finishes the in-flight tick, performs a bounded graceful close if a position
// is open, and exits.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Done is closed when the Run goroutine has exited.
func (e *Executor) Done() <-chan struct{} { return e.doneCh }

func (e *Executor) setState(s State) {
	e.state = s
	e.stateView.Store(s)
}

// setTrade installs (or clears) the open trade and publishes its order IDs
// for the reaper's live set.
func (e *Executor) setTrade(t *openTrade) {
	e.trade = t
	if t == nil {
		e.liveOrders.Store([]string(nil))
		return
	}
	var ids []string
	for _, id := range []string{t.result.EntryID, t.result.SlID, t.result.TpID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	e.liveOrders.Store(ids)
}

// Run executes the event loop until Stop is called or ctx is cancelled. A
// returned error means the executor died unexpectedly; clean stops return nil.
func (e *Executor) Run(ctx context.Context) error {
	defer close(e.doneCh)

	if err := e.initialize(ctx); err != nil {
		e.setState(StateError)
		e.ready <- err
		e.deps.Supervisor.ReportTerminal(e.cfg.Key, err)
		return err
	}

	unsubscribe, err := e.deps.Broker.SubscribeTicker(ctx, e.cfg.Key.Instrument, func(ev domain.TickerEvent) {
		select {
		case e.events <- ev:
		default:
			e.dropped.Add(1)
		}
	})
	if err != nil {
		err = fmt.Errorf("executor: subscribe %s: %w", e.cfg.Key.Instrument, err)
		e.setState(StateError)
		e.ready <- err
		e.deps.Supervisor.ReportTerminal(e.cfg.Key, err)
		return err
	}
	defer unsubscribe()
	e.ready <- nil

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	e.log.Info("executor started",
		slog.String("state", string(e.state)),
		slog.Int("warmup_candles", e.cfg.Strategy.WarmupCandles()),
	)

	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx)
			return nil
		case <-e.stopCh:
			e.shutdown(ctx)
			return nil
		case <-heartbeat.C:
			e.deps.Supervisor.ReportHeartbeat(e.cfg.Key)
			if n := e.dropped.Swap(0); n > 0 {
				e.log.Debug("ticker backlog dropped", slog.Uint64("count", n))
			}
		case ev := <-e.events:
			e.handleTick(ctx, ev)
		}
	}
}

// initialize fetches contract parameters, builds the candle aggregator and
// adopts any open ledger trade left by a previous process.
func (e *Executor) initialize(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	ins, err := e.deps.Broker.Instrument(callCtx, e.cfg.Key.Instrument)
	cancel()
	if err != nil {
		return fmt.Errorf("executor: instrument %s: %w", e.cfg.Key.Instrument, err)
	}
	e.instrument = ins
	e.insView.Store(ins)

	risk := e.cfg.Strategy.Risk()
	interval := time.Duration(risk.CandleSeconds) * time.Second
	keep := e.cfg.Strategy.WarmupCandles() * 4
	if keep < 64 {
		keep = 64
	}
	e.candles = strategy.NewCandleBuilder(interval, keep)

	if err := e.adoptOpenTrade(ctx); err != nil {
		return err
	}
	if err := e.restoreDailyState(ctx); err != nil {
		return err
	}
	if e.trade == nil {
		e.setState(StateAnalyzing)
	}
	return nil
}

// restoreDailyState rebuilds the daily-trade counter and the entry cooldown
// from the ledger, so a restart cannot reset the daily cap and let a
// crash-looping process trade past it.
func (e *Executor) restoreDailyState(ctx context.Context) error {
	day := time.Now().UTC().Truncate(24 * time.Hour)
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	rows, err := e.deps.Ledger.Query(callCtx, domain.TradeFilter{
		UserID:     e.cfg.Key.UserID,
		Strategy:   e.cfg.Key.Strategy,
		Instrument: e.cfg.Key.Instrument,
		Since:      &day,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("executor: daily-count lookup: %w", err)
	}

	e.dailyDate = day
	e.dailyCount = len(rows)
	if len(rows) == 0 {
		return nil
	}

	// Rows come newest first; the latest entry also re-arms the cooldown.
	cooldown := time.Duration(e.cfg.Strategy.Risk().CooldownMinutes) * time.Minute
	e.cooldownUntil = rows[0].EntryTime.Add(cooldown)
	e.log.Info("daily trade state restored",
		slog.Int("count", e.dailyCount),
		slog.Time("cooldown_until", e.cooldownUntil),
	)
	return nil
}

// adoptOpenTrade picks up an open ledger row from before a restart. If the
// broker still holds the position the executor resumes monitoring it;
// otherwise the row is closed at the best known price.
func (e *Executor) adoptOpenTrade(ctx context.Context) error {
	rows, err := e.deps.Ledger.Query(ctx, domain.TradeFilter{
		UserID:     e.cfg.Key.UserID,
		Strategy:   e.cfg.Key.Strategy,
		Instrument: e.cfg.Key.Instrument,
		Status:     domain.TradeStatusOpen,
		Limit:      1,
	})
	if err != nil {
		return fmt.Errorf("executor: open-trade lookup: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	rec := rows[0]
	e.setTrade(&openTrade{
		id:         rec.ID,
		side:       rec.Side,
		entryPrice: rec.EntryPrice,
		amount:     rec.Amount,
		stopLoss:   rec.StopLoss,
		takeProfit: rec.TakeProfit,
		result: bracket.Result{
			EntryID: rec.EntryOrderID,
			SlID:    rec.SlOrderID,
			TpID:    rec.TpOrderID,
		},
	})

	size, err := e.positionSize(ctx)
	if err != nil {
		// Cannot tell yet; keep the trade and let the tick loop settle it.
		e.log.Warn("position probe failed during adopt", slog.String("error", err.Error()))
		e.setState(StatePositionOpen)
		return nil
	}
	if size != 0 {
		e.setState(StatePositionOpen)
		e.log.Info("resumed with open position",
			slog.Int64("trade_id", rec.ID),
			slog.Float64("size", size),
		)
		return nil
	}

	// Position closed while we were away: settle at the cached price.
	exit, perr := e.deps.Prices.LastPrice(ctx, e.cfg.Key.Instrument)
	if perr != nil {
		exit = rec.EntryPrice
	}
	e.closeTrade(ctx, exit)
	return nil
}

// positionSize returns the absolute size of this instrument's broker position.
func (e *Executor) positionSize(ctx context.Context) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	positions, err := e.deps.Broker.Positions(callCtx, e.instrument.Currency)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Instrument == e.cfg.Key.Instrument && p.Size != 0 {
			return p.AbsSize(), nil
		}
	}
	return 0, nil
}

// shutdown finishes the instance: graceful close when a position is open,
// then terminal state.
func (e *Executor) shutdown(ctx context.Context) {
	if e.state == StatePositionOpen && e.trade != nil {
		e.gracefulClose(ctx)
	}
	e.setState(StateStopped)
	e.log.Info("executor stopped", slog.Uint64("dropped_ticks", e.dropped.Load()))
}

// gracefulClose flattens the open position with a reduce-only market order and
// waits up to StopGrace for it to disappear, settling the ledger row. If the
// grace expires the stop proceeds; reconciliation repairs the residue.
func (e *Executor) gracefulClose(ctx context.Context) {
	// ctx may already be cancelled when the whole process is going down.
	base := context.WithoutCancel(ctx)
	deadline, cancel := context.WithTimeout(base, e.cfg.StopGrace)
	defer cancel()

	exitSide := e.trade.side.Opposite()
	_, err := e.deps.Broker.PlaceOrder(deadline, domain.OrderRequest{
		Instrument: e.cfg.Key.Instrument,
		Side:       exitSide,
		Type:       domain.OrderTypeMarket,
		Amount:     e.trade.amount,
		ReduceOnly: true,
		Label:      e.trade.label + "_close",
	})
	if err != nil {
		e.log.Error("graceful market-close failed, relying on protective orders",
			slog.String("error", err.Error()))
	}

	for {
		size, err := e.positionSize(deadline)
		if err == nil && size == 0 {
			if cerr := e.deps.Broker.CancelAllByInstrument(deadline, e.cfg.Key.Instrument); cerr != nil {
				e.log.Warn("cancel-all during stop failed", slog.String("error", cerr.Error()))
			}
			exit := e.lastPrice
			if exit == 0 {
				exit = e.trade.entryPrice
			}
			e.closeTrade(deadline, exit)
			return
		}

		timer := time.NewTimer(stopPollInterval)
		select {
		case <-deadline.Done():
			timer.Stop()
			e.log.Warn("graceful close grace expired, leaving position to reconciliation",
				slog.Int64("trade_id", e.trade.id))
			return
		case <-timer.C:
		}
	}
}

// notify emits a notification when a notifier is wired. Failures are already
// logged by the notifier itself.
func (e *Executor) notify(ctx context.Context, event, title, message string) {
	if e.deps.Notifier == nil {
		return
	}
	_ = e.deps.Notifier.Notify(ctx, event, title, message)
}

// transient reports whether err is a broker error worth retrying on the next
// tick rather than escalating.
func transient(err error) bool {
	if domain.IsTransientBrokerError(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
