package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	err  error
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subject: subj, data: data})
	return nil
}

func TestPublishSignal(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, zerolog.Nop())

	dir := domain.DirectionLong
	sig := domain.TradingSignal{
		ID:        "3f1c",
		Symbol:    "BTC-USD",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Type:      domain.SignalEntry,
		Direction: &dir,
		Reason:    domain.ReasonAboveThreshold,
		TAScore:   0.42,
		Threshold: 0.3,
		Price:     50000,
	}
	require.NoError(t, p.Publish(context.Background(), sig))

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "signals.BTC-USD", conn.msgs[0].subject)

	var got domain.TradingSignal
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &got))
	assert.Equal(t, sig.ID, got.ID)
	assert.Equal(t, domain.SignalEntry, got.Type)
	require.NotNil(t, got.Direction)
	assert.Equal(t, domain.DirectionLong, *got.Direction)
}

func TestPublishErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("connection closed")}
	p := NewPublisher(conn, zerolog.Nop())

	err := p.Publish(context.Background(), domain.TradingSignal{ID: "a", Symbol: "ETH-USD"})
	assert.ErrorContains(t, err, "connection closed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.Publish(ctx, domain.TradingSignal{ID: "b", Symbol: "ETH-USD"})
	assert.ErrorIs(t, err, context.Canceled)
}
