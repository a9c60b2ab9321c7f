package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/derivlab/perpengine/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore backed by the given connection pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategySelectCols = `user_id, strategy, instrument, broker, environment,
	config, status, auto_reconnect, last_action,
	connected_at, last_heartbeat, disconnected_at,
	error_message, error_count, updated_at`

func scanStrategyRows(rows pgx.Rows) ([]domain.StrategyRecord, error) {
	var recs []domain.StrategyRecord
	for rows.Next() {
		var r domain.StrategyRecord
		if err := rows.Scan(
			&r.Key.UserID, &r.Key.Strategy, &r.Key.Instrument, &r.Key.Broker, &r.Key.Environment,
			&r.Config, &r.Status, &r.AutoReconnect, &r.LastAction,
			&r.ConnectedAt, &r.LastHeartbeat, &r.DisconnectedAt,
			&r.ErrorMessage, &r.ErrorCount, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Upsert inserts or replaces the record for its composite key.
func (s *StrategyStore) Upsert(ctx context.Context, rec domain.StrategyRecord) error {
	const query = `
		INSERT INTO strategies (
			user_id, strategy, instrument, broker, environment,
			config, status, auto_reconnect, last_action,
			connected_at, last_heartbeat, disconnected_at,
			error_message, error_count, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, NOW()
		)
		ON CONFLICT (user_id, strategy, instrument, broker, environment) DO UPDATE SET
			config = EXCLUDED.config,
			status = EXCLUDED.status,
			auto_reconnect = EXCLUDED.auto_reconnect,
			last_action = EXCLUDED.last_action,
			connected_at = EXCLUDED.connected_at,
			last_heartbeat = EXCLUDED.last_heartbeat,
			disconnected_at = EXCLUDED.disconnected_at,
			error_message = EXCLUDED.error_message,
			error_count = EXCLUDED.error_count,
			updated_at = NOW()`

	cfg := rec.Config
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, query,
		rec.Key.UserID, rec.Key.Strategy, rec.Key.Instrument, rec.Key.Broker, rec.Key.Environment,
		cfg, rec.Status, rec.AutoReconnect, rec.LastAction,
		rec.ConnectedAt, rec.LastHeartbeat, rec.DisconnectedAt,
		rec.ErrorMessage, rec.ErrorCount,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert strategy %s: %w", rec.Key, err)
	}
	return nil
}

// FindByKey returns the record for the composite key, or ErrNotFound.
func (s *StrategyStore) FindByKey(ctx context.Context, key domain.InstanceKey) (domain.StrategyRecord, error) {
	query := `SELECT ` + strategySelectCols + ` FROM strategies
		WHERE user_id = $1 AND strategy = $2 AND instrument = $3 AND broker = $4 AND environment = $5`

	rows, err := s.pool.Query(ctx, query,
		key.UserID, key.Strategy, key.Instrument, key.Broker, key.Environment)
	if err != nil {
		return domain.StrategyRecord{}, fmt.Errorf("postgres: find strategy %s: %w", key, err)
	}
	defer rows.Close()

	recs, err := scanStrategyRows(rows)
	if err != nil {
		return domain.StrategyRecord{}, fmt.Errorf("postgres: scan strategy %s: %w", key, err)
	}
	if len(recs) == 0 {
		return domain.StrategyRecord{}, domain.ErrNotFound
	}
	return recs[0], nil
}

// FindByUser lists records for a user, optionally filtered by broker and/or
// environment.
func (s *StrategyStore) FindByUser(ctx context.Context, userID, broker, environment string) ([]domain.StrategyRecord, error) {
	query := `SELECT ` + strategySelectCols + ` FROM strategies WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if broker != "" {
		query += fmt.Sprintf(" AND broker = $%d", argIdx)
		args = append(args, broker)
		argIdx++
	}
	if environment != "" {
		query += fmt.Sprintf(" AND environment = $%d", argIdx)
		args = append(args, environment)
	}
	query += " ORDER BY strategy, instrument"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: find strategies for user %s: %w", userID, err)
	}
	defer rows.Close()
	return scanStrategyRows(rows)
}

// FindAllToResume returns active records with auto_reconnect enabled, ordered
// for the boot-time resume pass.
func (s *StrategyStore) FindAllToResume(ctx context.Context) ([]domain.StrategyRecord, error) {
	query := `SELECT ` + strategySelectCols + ` FROM strategies
		WHERE status = 'active' AND auto_reconnect = TRUE
		ORDER BY user_id, connected_at NULLS LAST`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: find strategies to resume: %w", err)
	}
	defer rows.Close()
	return scanStrategyRows(rows)
}

// FindActive returns every active record.
func (s *StrategyStore) FindActive(ctx context.Context) ([]domain.StrategyRecord, error) {
	query := `SELECT ` + strategySelectCols + ` FROM strategies WHERE status = 'active'`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: find active strategies: %w", err)
	}
	defer rows.Close()
	return scanStrategyRows(rows)
}

// UpdateStatus applies a partial status update to the record.
func (s *StrategyStore) UpdateStatus(ctx context.Context, key domain.InstanceKey, patch domain.StatusPatch) error {
	query := `UPDATE strategies SET updated_at = NOW()`
	var args []any
	argIdx := 1

	add := func(clause string, v any) {
		query += fmt.Sprintf(", "+clause, argIdx)
		args = append(args, v)
		argIdx++
	}

	if patch.Status != "" {
		add("status = $%d", string(patch.Status))
	}
	if patch.LastAction != "" {
		add("last_action = $%d", string(patch.LastAction))
	}
	if patch.AutoReconnect != nil {
		add("auto_reconnect = $%d", *patch.AutoReconnect)
	}
	if patch.ConnectedAt != nil {
		add("connected_at = $%d", *patch.ConnectedAt)
	}
	if patch.DisconnectedAt != nil {
		add("disconnected_at = $%d", *patch.DisconnectedAt)
	}
	if patch.ErrorMessage != nil {
		add("error_message = $%d", *patch.ErrorMessage)
	}
	if patch.ResetErrors {
		query += ", error_message = '', error_count = 0"
	}
	if patch.IncrementErrors {
		query += ", error_count = error_count + 1"
	}

	query += fmt.Sprintf(
		" WHERE user_id = $%d AND strategy = $%d AND instrument = $%d AND broker = $%d AND environment = $%d",
		argIdx, argIdx+1, argIdx+2, argIdx+3, argIdx+4)
	args = append(args, key.UserID, key.Strategy, key.Instrument, key.Broker, key.Environment)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update strategy status %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateHeartbeat stamps last_heartbeat for the record.
func (s *StrategyStore) UpdateHeartbeat(ctx context.Context, key domain.InstanceKey, ts time.Time) error {
	const query = `UPDATE strategies SET last_heartbeat = $6, updated_at = NOW()
		WHERE user_id = $1 AND strategy = $2 AND instrument = $3 AND broker = $4 AND environment = $5`

	tag, err := s.pool.Exec(ctx, query,
		key.UserID, key.Strategy, key.Instrument, key.Broker, key.Environment, ts)
	if err != nil {
		return fmt.Errorf("postgres: heartbeat %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
