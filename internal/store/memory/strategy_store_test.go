package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivlab/perpengine/internal/domain"
)

func recordKey(user, strat string) domain.InstanceKey {
	return domain.InstanceKey{
		UserID:      user,
		Strategy:    strat,
		Instrument:  "BTC_USDC-PERPETUAL",
		Broker:      "paper",
		Environment: "paper",
	}
}

func activeRecord(user, strat string) domain.StrategyRecord {
	return domain.StrategyRecord{
		Key:           recordKey(user, strat),
		Config:        json.RawMessage(`{"trade_size":100}`),
		Status:        domain.StrategyActive,
		AutoReconnect: true,
		LastAction:    domain.ActionManualStart,
	}
}

func TestStrategyStoreUpsertAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewStrategyStore()

	rec := activeRecord("u1", "razor")
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.FindByKey(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, domain.StrategyActive, got.Status)
	assert.False(t, got.UpdatedAt.IsZero())

	// Upsert replaces in place.
	rec.Status = domain.StrategyStopped
	require.NoError(t, s.Upsert(ctx, rec))
	got, err = s.FindByKey(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyStopped, got.Status)

	_, err = s.FindByKey(ctx, recordKey("u1", "thor"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStrategyStoreUpdateStatusPatch(t *testing.T) {
	ctx := context.Background()
	s := NewStrategyStore()

	rec := activeRecord("u1", "razor")
	rec.ErrorMessage = "ws dropped"
	rec.ErrorCount = 2
	require.NoError(t, s.Upsert(ctx, rec))

	// An empty-status patch leaves status and auto_reconnect untouched.
	msg := "still flaky"
	require.NoError(t, s.UpdateStatus(ctx, rec.Key, domain.StatusPatch{
		ErrorMessage:    &msg,
		IncrementErrors: true,
	}))
	got, err := s.FindByKey(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyActive, got.Status)
	assert.True(t, got.AutoReconnect)
	assert.Equal(t, "still flaky", got.ErrorMessage)
	assert.Equal(t, 3, got.ErrorCount)

	// Successful restart resets the error bookkeeping.
	now := time.Now().UTC()
	off := false
	require.NoError(t, s.UpdateStatus(ctx, rec.Key, domain.StatusPatch{
		Status:        domain.StrategyStopped,
		LastAction:    domain.ActionManualStop,
		AutoReconnect: &off,
		ConnectedAt:   &now,
		ResetErrors:   true,
	}))
	got, err = s.FindByKey(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyStopped, got.Status)
	assert.Equal(t, domain.ActionManualStop, got.LastAction)
	assert.False(t, got.AutoReconnect)
	assert.Empty(t, got.ErrorMessage)
	assert.Zero(t, got.ErrorCount)
	require.NotNil(t, got.ConnectedAt)
	assert.WithinDuration(t, now, *got.ConnectedAt, time.Second)

	assert.ErrorIs(t, s.UpdateStatus(ctx, recordKey("nobody", "razor"), domain.StatusPatch{}), domain.ErrNotFound)
}

func TestStrategyStoreFindAllToResume(t *testing.T) {
	ctx := context.Background()
	s := NewStrategyStore()

	t1 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	a := activeRecord("bob", "razor")
	a.ConnectedAt = &t2
	require.NoError(t, s.Upsert(ctx, a))

	b := activeRecord("alice", "thor")
	b.ConnectedAt = &t1
	require.NoError(t, s.Upsert(ctx, b))

	// Stopped and non-reconnecting records are excluded.
	c := activeRecord("bob", "thor")
	c.Status = domain.StrategyStopped
	require.NoError(t, s.Upsert(ctx, c))

	d := activeRecord("alice", "razor")
	d.AutoReconnect = false
	require.NoError(t, s.Upsert(ctx, d))

	recs, err := s.FindAllToResume(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "alice", recs[0].Key.UserID)
	assert.Equal(t, "bob", recs[1].Key.UserID)
}

func TestStrategyStoreFindByUserFilters(t *testing.T) {
	ctx := context.Background()
	s := NewStrategyStore()

	paper := activeRecord("u1", "razor")
	require.NoError(t, s.Upsert(ctx, paper))

	live := activeRecord("u1", "thor")
	live.Key.Broker = "deribit"
	live.Key.Environment = "live"
	require.NoError(t, s.Upsert(ctx, live))

	require.NoError(t, s.Upsert(ctx, activeRecord("u2", "razor")))

	recs, err := s.FindByUser(ctx, "u1", "", "")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = s.FindByUser(ctx, "u1", "deribit", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "thor", recs[0].Key.Strategy)

	recs, err = s.FindByUser(ctx, "u1", "", "paper")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "razor", recs[0].Key.Strategy)
}

func TestStrategyStoreUpdateHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := NewStrategyStore()

	rec := activeRecord("u1", "razor")
	require.NoError(t, s.Upsert(ctx, rec))

	ts := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateHeartbeat(ctx, rec.Key, ts))

	got, err := s.FindByKey(ctx, rec.Key)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.Equal(t, ts, *got.LastHeartbeat)

	assert.ErrorIs(t, s.UpdateHeartbeat(ctx, recordKey("nobody", "razor"), ts), domain.ErrNotFound)
}
