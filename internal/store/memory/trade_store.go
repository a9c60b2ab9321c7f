// Package memory provides an in-process trade ledger for development, the
// paper environment and tests. Contents do not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/derivlab/perpengine/internal/domain"
)

// TradeStore implements domain.TradeLedger with a mutex-guarded map.
type TradeStore struct {
	mu     sync.Mutex
	nextID int64
	trades map[int64]domain.TradeRecord
	// open indexes open trades by (user, strategy, instrument) so RecordOpen
	// can reject duplicates in O(1).
	open map[openKey]int64
}

type openKey struct {
	userID, strategy, instrument string
}

// NewTradeStore returns an empty ledger.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		nextID: 1,
		trades: make(map[int64]domain.TradeRecord),
		open:   make(map[openKey]int64),
	}
}

func (s *TradeStore) insertOpen(rec domain.TradeRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := openKey{rec.UserID, rec.Strategy, rec.Instrument}
	if _, exists := s.open[k]; exists {
		return 0, domain.ErrOpenTradeExists
	}

	rec.ID = s.nextID
	s.nextID++
	rec.Status = domain.TradeStatusOpen
	rec.ExitPrice, rec.ExitTime, rec.Pnl, rec.PnlPercent, rec.ExitReason = nil, nil, nil, nil, nil

	s.trades[rec.ID] = rec
	s.open[k] = rec.ID
	return rec.ID, nil
}

// RecordOpen inserts an open trade, enforcing the one-open-position rule.
func (s *TradeStore) RecordOpen(_ context.Context, rec domain.TradeRecord) (int64, error) {
	return s.insertOpen(rec)
}

// RecordClose closes an open trade by ID.
func (s *TradeStore) RecordClose(_ context.Context, id int64, close domain.TradeClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.trades[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Status == domain.TradeStatusClosed {
		return domain.ErrAlreadyClosed
	}

	exitPrice := close.ExitPrice
	exitTime := close.ExitTime
	pnl := close.Pnl
	pct := close.PnlPercent
	reason := close.ExitReason

	rec.Status = domain.TradeStatusClosed
	rec.ExitPrice = &exitPrice
	rec.ExitTime = &exitTime
	rec.Pnl = &pnl
	rec.PnlPercent = &pct
	rec.ExitReason = &reason

	s.trades[id] = rec
	delete(s.open, openKey{rec.UserID, rec.Strategy, rec.Instrument})
	return nil
}

func matches(rec domain.TradeRecord, f domain.TradeFilter) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.Strategy != "" && rec.Strategy != f.Strategy {
		return false
	}
	if f.Instrument != "" && rec.Instrument != f.Instrument {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Since != nil && rec.EntryTime.Before(*f.Since) {
		return false
	}
	if f.Until != nil && rec.EntryTime.After(*f.Until) {
		return false
	}
	return true
}

// Query returns matching trades, newest first.
func (s *TradeStore) Query(_ context.Context, f domain.TradeFilter) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TradeRecord
	for _, rec := range s.trades {
		if matches(rec, f) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].EntryTime.After(out[j].EntryTime)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Stats aggregates closed trades matching the filter.
func (s *TradeStore) Stats(_ context.Context, f domain.TradeFilter) (domain.TradeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.Status = domain.TradeStatusClosed
	var st domain.TradeStats
	var wins int64
	first := true
	for _, rec := range s.trades {
		if !matches(rec, f) || rec.Pnl == nil {
			continue
		}
		pnl := *rec.Pnl
		st.Trades++
		st.TotalPnl += pnl
		if pnl > 0 {
			wins++
		}
		if first || pnl > st.Best {
			st.Best = pnl
		}
		if first || pnl < st.Worst {
			st.Worst = pnl
		}
		first = false
		if rec.ExitReason != nil {
			switch *rec.ExitReason {
			case domain.ExitStopLoss:
				st.SlHits++
			case domain.ExitTakeProfit:
				st.TpHits++
			}
		}
	}
	if st.Trades > 0 {
		st.AvgPnl = st.TotalPnl / float64(st.Trades)
		st.WinRate = float64(wins) / float64(st.Trades)
	}
	return st, nil
}

// RetroactiveSync records a broker position whose opening was not witnessed.
func (s *TradeStore) RetroactiveSync(_ context.Context, rec domain.TradeRecord) (int64, error) {
	return s.insertOpen(rec)
}

// ListClosedBefore returns closed trades with exit time before the given
// time, oldest first. Used by the archiver.
func (s *TradeStore) ListClosedBefore(_ context.Context, before time.Time) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TradeRecord
	for _, rec := range s.trades {
		if rec.Status == domain.TradeStatusClosed && rec.ExitTime != nil && rec.ExitTime.Before(before) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTime.Before(*out[j].ExitTime) })
	return out, nil
}

// DeleteClosedBefore removes closed trades with exit time before the given
// time. Returns the number removed.
func (s *TradeStore) DeleteClosedBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.trades {
		if rec.Status == domain.TradeStatusClosed && rec.ExitTime != nil && rec.ExitTime.Before(before) {
			delete(s.trades, id)
			n++
		}
	}
	return n, nil
}
