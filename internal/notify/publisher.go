// Package notify fans out appended trading signals over NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// SubjectPrefix is followed by the market symbol.
const SubjectPrefix = "signals."

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subj string, data []byte) error
}

// Publisher publishes every signal as JSON on signals.<symbol>.
type Publisher struct {
	conn   Conn
	logger zerolog.Logger
}

// NewPublisher creates a Publisher on an established connection.
func NewPublisher(conn Conn, logger zerolog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Subject returns the subject a signal for symbol is published on.
func Subject(symbol string) string {
	return SubjectPrefix + symbol
}

// Publish sends one signal. Delivery is at-most-once.
func (p *Publisher) Publish(ctx context.Context, sig domain.TradingSignal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal %s: %w", sig.ID, err)
	}
	if err := p.conn.Publish(Subject(sig.Symbol), data); err != nil {
		return fmt.Errorf("publish signal %s: %w", sig.ID, err)
	}
	p.logger.Debug().
		Str("symbol", sig.Symbol).
		Str("type", string(sig.Type)).
		Str("id", sig.ID).
		Msg("published signal")
	return nil
}
