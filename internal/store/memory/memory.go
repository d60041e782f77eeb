// Package memory implements the position store and signal log in process memory.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// Store is a concurrency-safe in-memory PositionStore and SignalStore.
type Store struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	stats     map[string]domain.Stats
	balance   *float64
	signals   []domain.TradingSignal
}

// New returns an empty store.
func New() *Store {
	return &Store{
		positions: make(map[string]domain.Position),
		stats:     make(map[string]domain.Stats),
	}
}

func (s *Store) GetPosition(_ context.Context, symbol string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return nil, nil
	}
	out := pos.Clone()
	return &out, nil
}

func (s *Store) PutPosition(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.Symbol] = pos.Clone()
	return nil
}

func (s *Store) DeletePosition(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, symbol)
	return nil
}

// ListPositions returns every open position ordered by symbol.
func (s *Store) ListPositions(_ context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) GetBalance(_ context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.balance == nil {
		return 0, domain.ErrNotFound
	}
	return *s.balance, nil
}

func (s *Store) PutBalance(_ context.Context, balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = &balance
	return nil
}

// GetStats returns zero-valued stats for a market that has never traded.
func (s *Store) GetStats(_ context.Context, symbol string) (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stats[symbol]
	if !ok {
		return domain.Stats{Symbol: symbol}, nil
	}
	return st, nil
}

func (s *Store) PutStats(_ context.Context, st domain.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[st.Symbol] = st
	return nil
}

// Apply writes the position and balance parts of m under one lock.
func (s *Store) Apply(_ context.Context, m domain.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case m.Delete:
		delete(s.positions, m.Symbol)
	case m.Position != nil:
		s.positions[m.Symbol] = m.Position.Clone()
	}
	if m.Balance != nil {
		b := *m.Balance
		s.balance = &b
	}
	return nil
}

// AppendSignal records a signal. Signals are kept in timestamp order.
func (s *Store) AppendSignal(_ context.Context, sig domain.TradingSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.signals), func(i int) bool {
		return s.signals[i].Timestamp.After(sig.Timestamp)
	})
	s.signals = append(s.signals, domain.TradingSignal{})
	copy(s.signals[i+1:], s.signals[i:])
	s.signals[i] = sig
	return nil
}

// QuerySignals returns matching signals newest first.
func (s *Store) QuerySignals(_ context.Context, q domain.SignalQuery) (domain.SignalPage, error) {
	q.NormalizeLimit()

	s.mu.RLock()
	defer s.mu.RUnlock()

	page := domain.SignalPage{Signals: []domain.TradingSignal{}}
	for i := len(s.signals) - 1; i >= 0; i-- {
		sig := &s.signals[i]
		if !q.Matches(sig) {
			continue
		}
		page.TotalCount++
		if q.Cursor != nil && !sig.Timestamp.Before(*q.Cursor) {
			continue
		}
		if len(page.Signals) < q.Limit+1 {
			page.Signals = append(page.Signals, *sig)
		}
	}

	if len(page.Signals) > q.Limit {
		page.Signals = page.Signals[:q.Limit]
		last := page.Signals[q.Limit-1].Timestamp
		page.NextCursor = &last
	}
	return page, nil
}

// Len returns the number of stored signals.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.signals)
}

var _ domain.PositionStore = (*Store)(nil)
var _ domain.SignalStore = (*Store)(nil)
