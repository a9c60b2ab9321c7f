package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// StrategyStatus is the persisted lifecycle status of a strategy record.
type StrategyStatus string

const (
	StrategyActive  StrategyStatus = "active"
	StrategyStopped StrategyStatus = "stopped"
	StrategyPaused  StrategyStatus = "paused"
	StrategyError   StrategyStatus = "error"
)

// LastAction records the most recent lifecycle event on a strategy record.
type LastAction string

const (
	ActionManualStart       LastAction = "manual_start"
	ActionManualStop        LastAction = "manual_stop"
	ActionAutoResume        LastAction = "auto_resume"
	ActionAutoResumeSkipped LastAction = "auto_resume_skipped"
	ActionAutoResumeFailed  LastAction = "auto_resume_failed"
	ActionExecutionError    LastAction = "execution_error"
)

// InstanceKey uniquely identifies a running strategy instance across users,
// strategies, instruments, brokers and environments.
type InstanceKey struct {
	UserID      string
	Strategy    string
	Instrument  string
	Broker      string
	Environment string
}

// String renders the composite key in its canonical colon-joined form.
func (k InstanceKey) String() string {
	return strings.Join([]string{k.UserID, k.Strategy, k.Instrument, k.Broker, k.Environment}, ":")
}

// StrategyRecord is the restart-survivable knowledge of user intent: one row
// per unique key, created on first manual start and never deleted.
type StrategyRecord struct {
	Key            InstanceKey
	Config         json.RawMessage
	Status         StrategyStatus
	AutoReconnect  bool
	LastAction     LastAction
	ConnectedAt    *time.Time
	LastHeartbeat  *time.Time
	DisconnectedAt *time.Time
	ErrorMessage   string
	ErrorCount     int
	UpdatedAt      time.Time
}

// StatusPatch carries the fields UpdateStatus may change. Nil pointers leave
// the stored value untouched.
type StatusPatch struct {
	Status         StrategyStatus
	LastAction     LastAction
	AutoReconnect  *bool
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
	ErrorMessage   *string
	// ResetErrors zeroes error_message and error_count; used on successful
	// (re)start. IncrementErrors bumps error_count.
	ResetErrors     bool
	IncrementErrors bool
}

// StrategyStore is the durable strategy-state repository.
type StrategyStore interface {
	Upsert(ctx context.Context, rec StrategyRecord) error
	FindByKey(ctx context.Context, key InstanceKey) (StrategyRecord, error)

	// FindByUser lists records for a user, optionally filtered by broker
	// and/or environment (empty string matches all).
	FindByUser(ctx context.Context, userID, broker, environment string) ([]StrategyRecord, error)

	// FindAllToResume returns status=active AND auto_reconnect=true across
	// all users and environments, ordered (user_id, connected_at).
	FindAllToResume(ctx context.Context) ([]StrategyRecord, error)

	// FindActive returns every status=active record; the reconciliation
	// service uses it for the stale-heartbeat sweep.
	FindActive(ctx context.Context) ([]StrategyRecord, error)

	UpdateStatus(ctx context.Context, key InstanceKey, patch StatusPatch) error
	UpdateHeartbeat(ctx context.Context, key InstanceKey, ts time.Time) error
}
