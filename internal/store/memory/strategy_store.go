package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/derivlab/perpengine/internal/domain"
)

// StrategyStore is the in-memory domain.StrategyStore, mirroring the
// postgres semantics including patch behaviour and ErrNotFound.
type StrategyStore struct {
	mu   sync.Mutex
	recs map[domain.InstanceKey]*domain.StrategyRecord
}

// NewStrategyStore returns an empty StrategyStore.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{recs: make(map[domain.InstanceKey]*domain.StrategyRecord)}
}

// Upsert inserts or replaces the record under its key.
func (s *StrategyStore) Upsert(_ context.Context, rec domain.StrategyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = time.Now().UTC()
	cp := cloneRecord(rec)
	s.recs[rec.Key] = &cp
	return nil
}

// FindByKey returns the record or ErrNotFound.
func (s *StrategyStore) FindByKey(_ context.Context, key domain.InstanceKey) (domain.StrategyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[key]
	if !ok {
		return domain.StrategyRecord{}, domain.ErrNotFound
	}
	return cloneRecord(*rec), nil
}

// FindByUser lists a user's records, optionally filtered by broker and
// environment.
func (s *StrategyStore) FindByUser(_ context.Context, userID, broker, environment string) ([]domain.StrategyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.StrategyRecord
	for key, rec := range s.recs {
		if key.UserID != userID {
			continue
		}
		if broker != "" && key.Broker != broker {
			continue
		}
		if environment != "" && key.Environment != environment {
			continue
		}
		out = append(out, cloneRecord(*rec))
	}
	sortRecords(out)
	return out, nil
}

// FindAllToResume returns active records with auto_reconnect across all
// users, ordered (user, connectedAt).
func (s *StrategyStore) FindAllToResume(_ context.Context) ([]domain.StrategyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.StrategyRecord
	for _, rec := range s.recs {
		if rec.Status == domain.StrategyActive && rec.AutoReconnect {
			out = append(out, cloneRecord(*rec))
		}
	}
	sortRecords(out)
	return out, nil
}

// FindActive returns every active record.
func (s *StrategyStore) FindActive(_ context.Context) ([]domain.StrategyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.StrategyRecord
	for _, rec := range s.recs {
		if rec.Status == domain.StrategyActive {
			out = append(out, cloneRecord(*rec))
		}
	}
	sortRecords(out)
	return out, nil
}

// UpdateStatus applies the patch to an existing record.
func (s *StrategyStore) UpdateStatus(_ context.Context, key domain.InstanceKey, patch domain.StatusPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[key]
	if !ok {
		return domain.ErrNotFound
	}
	if patch.Status != "" {
		rec.Status = patch.Status
	}
	if patch.LastAction != "" {
		rec.LastAction = patch.LastAction
	}
	if patch.AutoReconnect != nil {
		rec.AutoReconnect = *patch.AutoReconnect
	}
	if patch.ConnectedAt != nil {
		t := *patch.ConnectedAt
		rec.ConnectedAt = &t
	}
	if patch.DisconnectedAt != nil {
		t := *patch.DisconnectedAt
		rec.DisconnectedAt = &t
	}
	if patch.ErrorMessage != nil {
		rec.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ResetErrors {
		rec.ErrorMessage = ""
		rec.ErrorCount = 0
	}
	if patch.IncrementErrors {
		rec.ErrorCount++
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateHeartbeat stamps the heartbeat of an existing record.
func (s *StrategyStore) UpdateHeartbeat(_ context.Context, key domain.InstanceKey, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[key]
	if !ok {
		return domain.ErrNotFound
	}
	t := ts
	rec.LastHeartbeat = &t
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneRecord(rec domain.StrategyRecord) domain.StrategyRecord {
	cp := rec
	cp.Config = append([]byte(nil), rec.Config...)
	cp.ConnectedAt = cloneTime(rec.ConnectedAt)
	cp.LastHeartbeat = cloneTime(rec.LastHeartbeat)
	cp.DisconnectedAt = cloneTime(rec.DisconnectedAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// sortRecords orders by user then connection time, nils last, matching the
// postgres resume ordering.
func sortRecords(recs []domain.StrategyRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Key.UserID != recs[j].Key.UserID {
			return recs[i].Key.UserID < recs[j].Key.UserID
		}
		ti, tj := recs[i].ConnectedAt, recs[j].ConnectedAt
		switch {
		case ti == nil && tj == nil:
			return recs[i].Key.String() < recs[j].Key.String()
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.Before(*tj)
		}
	})
}

// Compile-time interface check.
var _ domain.StrategyStore = (*StrategyStore)(nil)
