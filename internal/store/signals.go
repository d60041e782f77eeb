package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// AppendSignal writes a signal to the log. Signals are never updated.
func (r *Repository) AppendSignal(ctx context.Context, sig domain.TradingSignal) error {
	indicators, err := json.Marshal(sig.Indicators)
	if err != nil {
		return fmt.Errorf("encode indicators: %w", err)
	}
	var direction *string
	if sig.Direction != nil {
		d := string(*sig.Direction)
		direction = &d
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO autotrader_signals
			(id, symbol, ts, type, direction, reason, ta_score, threshold, price, unrealized_pnl, indicators)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		sig.ID, sig.Symbol, sig.Timestamp.UTC(), string(sig.Type), direction, string(sig.Reason),
		sig.TAScore, sig.Threshold, sig.Price, sig.UnrealizedPnL, indicators,
	)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// signalFilter builds the WHERE clause shared by the page and count queries.
type signalFilter struct {
	conditions []string
	args       []any
}

func (f *signalFilter) add(cond string, arg any) {
	f.args = append(f.args, arg)
	f.conditions = append(f.conditions, fmt.Sprintf(cond, len(f.args)))
}

func (f *signalFilter) where() string {
	if len(f.conditions) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(f.conditions, " AND ")
}

func newSignalFilter(q domain.SignalQuery) *signalFilter {
	f := &signalFilter{}
	if q.Symbol != "" {
		f.add("symbol = $%d", q.Symbol)
	}
	if q.Type != "" {
		f.add("type = $%d", string(q.Type))
	}
	if q.From != nil {
		f.add("ts >= $%d", q.From.UTC())
	}
	if q.To != nil {
		f.add("ts <= $%d", q.To.UTC())
	}
	return f
}

// QuerySignals returns one page of signals, newest first. The cursor is the
// timestamp of the previous page's last row; TotalCount ignores it.
func (r *Repository) QuerySignals(ctx context.Context, q domain.SignalQuery) (domain.SignalPage, error) {
	q.NormalizeLimit()
	page := domain.SignalPage{Signals: []domain.TradingSignal{}}

	f := newSignalFilter(q)
	if err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM autotrader_signals "+f.where(), f.args...,
	).Scan(&page.TotalCount); err != nil {
		return page, fmt.Errorf("count signals: %w", err)
	}

	if q.Cursor != nil {
		f.add("ts < $%d", q.Cursor.UTC())
	}
	args := append(f.args, q.Limit+1) // one extra row tells whether another page exists
	query := fmt.Sprintf(`
		SELECT id, symbol, ts, type, direction, reason, ta_score, threshold, price, unrealized_pnl, indicators
		FROM autotrader_signals
		%s
		ORDER BY ts DESC, id DESC
		LIMIT $%d
	`, f.where(), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return page, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sig domain.TradingSignal
		var typ, reason string
		var direction *string
		var indicators []byte
		err := rows.Scan(
			&sig.ID, &sig.Symbol, &sig.Timestamp, &typ, &direction, &reason,
			&sig.TAScore, &sig.Threshold, &sig.Price, &sig.UnrealizedPnL, &indicators,
		)
		if err != nil {
			return page, fmt.Errorf("scan signal: %w", err)
		}
		sig.Type = domain.SignalType(typ)
		sig.Reason = domain.Reason(reason)
		if direction != nil {
			d := domain.Direction(*direction)
			sig.Direction = &d
		}
		if err := json.Unmarshal(indicators, &sig.Indicators); err != nil {
			return page, fmt.Errorf("decode indicators: %w", err)
		}
		page.Signals = append(page.Signals, sig)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("iterate signals: %w", err)
	}

	if len(page.Signals) > q.Limit {
		page.Signals = page.Signals[:q.Limit]
		last := page.Signals[len(page.Signals)-1].Timestamp
		page.NextCursor = &last
	}
	return page, nil
}

