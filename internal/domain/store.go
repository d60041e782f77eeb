package domain

import (
	"context"
	"time"
)

// Mutation is an all-or-nothing change to a market's position and the account
// balance. A nil Position with Delete false leaves the position untouched.
type Mutation struct {
	Symbol   string
	Position *Position
	Delete   bool
	Balance  *float64
}

// PositionStore persists the current position, balance and running statistics.
// GetPosition returns (nil, nil) when the market is flat. GetBalance returns
// ErrNotFound before the first PutBalance.
type PositionStore interface {
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	PutPosition(ctx context.Context, pos Position) error
	DeletePosition(ctx context.Context, symbol string) error
	ListPositions(ctx context.Context) ([]Position, error)
	GetBalance(ctx context.Context) (float64, error)
	PutBalance(ctx context.Context, balance float64) error
	GetStats(ctx context.Context, symbol string) (Stats, error)
	PutStats(ctx context.Context, stats Stats) error
	Apply(ctx context.Context, m Mutation) error
}

// SignalQuery filters the signal log. Cursor is the timestamp of the last row of
// the previous page; the next page holds strictly older signals.
type SignalQuery struct {
	Symbol string
	Type   SignalType
	From   *time.Time
	To     *time.Time
	Cursor *time.Time
	Limit  int
}

// SignalPage is one page of signals ordered by timestamp descending.
// TotalCount covers the whole filtered set and ignores the cursor.
type SignalPage struct {
	Signals    []TradingSignal `json:"signals"`
	NextCursor *time.Time      `json:"next_cursor,omitempty"`
	TotalCount int             `json:"total_count"`
}

// SignalStore is the append-only signal log.
type SignalStore interface {
	AppendSignal(ctx context.Context, sig TradingSignal) error
	QuerySignals(ctx context.Context, q SignalQuery) (SignalPage, error)
}

const (
	DefaultSignalLimit = 50
	MaxSignalLimit     = 200
)

// NormalizeLimit applies the default and maximum page sizes.
func (q *SignalQuery) NormalizeLimit() {
	if q.Limit <= 0 {
		q.Limit = DefaultSignalLimit
	}
	if q.Limit > MaxSignalLimit {
		q.Limit = MaxSignalLimit
	}
}

// Matches reports whether sig passes the filter, ignoring the cursor.
func (q *SignalQuery) Matches(sig *TradingSignal) bool {
	if q.Symbol != "" && sig.Symbol != q.Symbol {
		return false
	}
	if q.Type != "" && sig.Type != q.Type {
		return false
	}
	if q.From != nil && sig.Timestamp.Before(*q.From) {
		return false
	}
	if q.To != nil && sig.Timestamp.After(*q.To) {
		return false
	}
	return true
}
