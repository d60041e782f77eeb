package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

const positionColumns = `symbol, size, is_long, entry_price, mark_price, unrealized_pnl,
	realized_pnl, last_update_time, partials, leverage, margin, funding_paid`

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	var partials []byte
	err := row.Scan(
		&p.Symbol, &p.Size, &p.IsLong, &p.EntryPrice, &p.MarkPrice, &p.UnrealizedPnL,
		&p.RealizedPnL, &p.LastUpdateTime, &partials, &p.Leverage, &p.Margin, &p.FundingPaid,
	)
	if err != nil {
		return nil, err
	}
	if len(partials) > 0 {
		if err := json.Unmarshal(partials, &p.Partials); err != nil {
			return nil, fmt.Errorf("decode partials: %w", err)
		}
		if len(p.Partials) == 0 {
			p.Partials = nil
		}
	}
	return &p, nil
}

// GetPosition returns the open position for symbol, or nil when flat.
func (r *Repository) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	p, err := scanPosition(r.pool.QueryRow(ctx,
		"SELECT "+positionColumns+" FROM autotrader_positions WHERE symbol = $1", symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	return p, nil
}

// PutPosition inserts or replaces the position for pos.Symbol.
func (r *Repository) PutPosition(ctx context.Context, pos domain.Position) error {
	return upsertPosition(ctx, r.pool, pos)
}

func upsertPosition(ctx context.Context, q querier, pos domain.Position) error {
	partials := pos.Partials
	if partials == nil {
		partials = []domain.Partial{}
	}
	raw, err := json.Marshal(partials)
	if err != nil {
		return fmt.Errorf("encode partials: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO autotrader_positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol) DO UPDATE SET
			size = EXCLUDED.size,
			is_long = EXCLUDED.is_long,
			entry_price = EXCLUDED.entry_price,
			mark_price = EXCLUDED.mark_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl = EXCLUDED.realized_pnl,
			last_update_time = EXCLUDED.last_update_time,
			partials = EXCLUDED.partials,
			leverage = EXCLUDED.leverage,
			margin = EXCLUDED.margin,
			funding_paid = EXCLUDED.funding_paid
	`,
		pos.Symbol, pos.Size, pos.IsLong, pos.EntryPrice, pos.MarkPrice, pos.UnrealizedPnL,
		pos.RealizedPnL, pos.LastUpdateTime.UTC(), raw, pos.Leverage, pos.Margin, pos.FundingPaid,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", pos.Symbol, err)
	}
	return nil
}

// DeletePosition removes the position for symbol. Stats are kept.
func (r *Repository) DeletePosition(ctx context.Context, symbol string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM autotrader_positions WHERE symbol = $1", symbol); err != nil {
		return fmt.Errorf("delete position %s: %w", symbol, err)
	}
	return nil
}

// ListPositions returns every open position ordered by symbol.
func (r *Repository) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+positionColumns+" FROM autotrader_positions ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	positions := []domain.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// GetBalance returns the account balance, or domain.ErrNotFound before the
// first PutBalance.
func (r *Repository) GetBalance(ctx context.Context) (float64, error) {
	var balance float64
	err := r.pool.QueryRow(ctx, "SELECT balance FROM autotrader_balance WHERE id = 1").Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// PutBalance sets the account balance.
func (r *Repository) PutBalance(ctx context.Context, balance float64) error {
	return upsertBalance(ctx, r.pool, balance)
}

func upsertBalance(ctx context.Context, q querier, balance float64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO autotrader_balance (id, balance, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()
	`, balance)
	if err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}

// GetStats returns the running statistics for symbol. A market that never
// traded yields zero stats.
func (r *Repository) GetStats(ctx context.Context, symbol string) (domain.Stats, error) {
	s := domain.Stats{Symbol: symbol}
	err := r.pool.QueryRow(ctx, `
		SELECT cumulative_pnl, opens, closes, wins, losses, updated_at
		FROM autotrader_stats WHERE symbol = $1
	`, symbol).Scan(&s.CumulativePnL, &s.Opens, &s.Closes, &s.Wins, &s.Losses, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("get stats %s: %w", symbol, err)
	}
	return s, nil
}

// PutStats replaces the statistics for stats.Symbol.
func (r *Repository) PutStats(ctx context.Context, stats domain.Stats) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO autotrader_stats (symbol, cumulative_pnl, opens, closes, wins, losses, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			cumulative_pnl = EXCLUDED.cumulative_pnl,
			opens = EXCLUDED.opens,
			closes = EXCLUDED.closes,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			updated_at = EXCLUDED.updated_at
	`, stats.Symbol, stats.CumulativePnL, stats.Opens, stats.Closes, stats.Wins, stats.Losses, stats.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put stats %s: %w", stats.Symbol, err)
	}
	return nil
}

// Apply writes a position change and a balance change in a single transaction.
func (r *Repository) Apply(ctx context.Context, m domain.Mutation) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	switch {
	case m.Delete:
		if _, err := tx.Exec(ctx, "DELETE FROM autotrader_positions WHERE symbol = $1", m.Symbol); err != nil {
			return fmt.Errorf("delete position %s: %w", m.Symbol, err)
		}
	case m.Position != nil:
		if err := upsertPosition(ctx, tx, *m.Position); err != nil {
			return err
		}
	}

	if m.Balance != nil {
		if err := upsertBalance(ctx, tx, *m.Balance); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
