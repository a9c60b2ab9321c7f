package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/derivlab/perpengine/internal/domain"
)

// TradeStore implements domain.TradeLedger using PostgreSQL. The partial
// unique index on open rows enforces the one-open-position rule at the
// database level, so concurrent openers race safely.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, user_id, strategy, instrument, side,
	entry_order_id, sl_order_id, tp_order_id,
	entry_price, amount, stop_loss, take_profit, entry_time, status,
	exit_price, exit_time, pnl, pnl_percent, exit_reason`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var exitReason *string
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.Strategy, &t.Instrument, &t.Side,
			&t.EntryOrderID, &t.SlOrderID, &t.TpOrderID,
			&t.EntryPrice, &t.Amount, &t.StopLoss, &t.TakeProfit,
			&t.EntryTime, &t.Status,
			&t.ExitPrice, &t.ExitTime, &t.Pnl, &t.PnlPercent, &exitReason,
		); err != nil {
			return nil, err
		}
		if exitReason != nil {
			r := domain.ExitReason(*exitReason)
			t.ExitReason = &r
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// uniqueViolation is the PostgreSQL error code raised when the single-open
// partial index rejects a second open row.
const uniqueViolation = "23505"

func (s *TradeStore) insertOpen(ctx context.Context, rec domain.TradeRecord) (int64, error) {
	const query = `
		INSERT INTO trades (
			user_id, strategy, instrument, side,
			entry_order_id, sl_order_id, tp_order_id,
			entry_price, amount, stop_loss, take_profit,
			entry_time, status
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11,
			$12, 'open'
		) RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		rec.UserID, rec.Strategy, rec.Instrument, rec.Side,
		rec.EntryOrderID, rec.SlOrderID, rec.TpOrderID,
		rec.EntryPrice, rec.Amount, rec.StopLoss, rec.TakeProfit,
		rec.EntryTime,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, domain.ErrOpenTradeExists
		}
		return 0, fmt.Errorf("postgres: insert trade: %w", err)
	}
	return id, nil
}

// RecordOpen inserts an open trade row, rejecting with ErrOpenTradeExists when
// an open row already exists for the same (user, strategy, instrument).
func (s *TradeStore) RecordOpen(ctx context.Context, rec domain.TradeRecord) (int64, error) {
	return s.insertOpen(ctx, rec)
}

// RecordClose marks an open trade closed with exit details.
func (s *TradeStore) RecordClose(ctx context.Context, id int64, close domain.TradeClose) error {
	const query = `
		UPDATE trades SET
			status = 'closed',
			exit_price = $2, exit_time = $3, exit_reason = $4,
			pnl = $5, pnl_percent = $6
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id,
		close.ExitPrice, close.ExitTime, string(close.ExitReason),
		close.Pnl, close.PnlPercent,
	)
	if err != nil {
		return fmt.Errorf("postgres: close trade %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing updated: distinguish missing from already closed.
	var status string
	err = s.pool.QueryRow(ctx, "SELECT status FROM trades WHERE id = $1", id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: check trade %d: %w", id, err)
	}
	return domain.ErrAlreadyClosed
}

// Query returns ledger rows matching the filter, newest first.
func (s *TradeStore) Query(ctx context.Context, f domain.TradeFilter) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE 1=1`
	var args []any
	argIdx := 1

	add := func(clause string, v any) {
		query += fmt.Sprintf(" AND "+clause, argIdx)
		args = append(args, v)
		argIdx++
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Strategy != "" {
		add("strategy = $%d", f.Strategy)
	}
	if f.Instrument != "" {
		add("instrument = $%d", f.Instrument)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Since != nil {
		add("entry_time >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("entry_time <= $%d", *f.Until)
	}

	query += " ORDER BY entry_time DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// Stats aggregates closed trades matching the filter.
func (s *TradeStore) Stats(ctx context.Context, f domain.TradeFilter) (domain.TradeStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(pnl), 0),
			COALESCE(AVG(pnl), 0),
			COALESCE(MAX(pnl), 0),
			COALESCE(MIN(pnl), 0),
			COALESCE(SUM(CASE WHEN exit_reason = 'sl_hit' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN exit_reason = 'tp_hit' THEN 1 ELSE 0 END), 0)
		FROM trades WHERE status = 'closed'`
	var args []any
	argIdx := 1

	add := func(clause string, v any) {
		query += fmt.Sprintf(" AND "+clause, argIdx)
		args = append(args, v)
		argIdx++
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Strategy != "" {
		add("strategy = $%d", f.Strategy)
	}
	if f.Instrument != "" {
		add("instrument = $%d", f.Instrument)
	}
	if f.Since != nil {
		add("entry_time >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("entry_time <= $%d", *f.Until)
	}

	var st domain.TradeStats
	var wins int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&st.Trades, &wins, &st.TotalPnl, &st.AvgPnl,
		&st.Best, &st.Worst, &st.SlHits, &st.TpHits,
	)
	if err != nil {
		return domain.TradeStats{}, fmt.Errorf("postgres: trade stats: %w", err)
	}
	if st.Trades > 0 {
		st.WinRate = float64(wins) / float64(st.Trades)
	}
	return st, nil
}

// RetroactiveSync records a broker position whose opening this process did not
// witness. Same insert path as RecordOpen; the single-open index still
// applies.
func (s *TradeStore) RetroactiveSync(ctx context.Context, rec domain.TradeRecord) (int64, error) {
	return s.insertOpen(ctx, rec)
}

// ListClosedBefore returns closed trades with exit_time strictly before the
// given time, oldest first. Used by the archiver.
func (s *TradeStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE status = 'closed' AND exit_time < $1 ORDER BY exit_time ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed trades before: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// DeleteClosedBefore deletes closed trades with exit_time before the given
// time. Returns the number deleted.
func (s *TradeStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trades WHERE status = 'closed' AND exit_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}
