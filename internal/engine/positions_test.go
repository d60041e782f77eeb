package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/domain"
)

func TestPositions_RecordsLiquidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{markets: []MarketConfig{market("BTC-USD"), market("ETH-USD")}})
	f.put("BTC-USD", 100, nil)
	f.put("ETH-USD", 10, nil)
	_, err := f.paper.OpenLong(ctx, "BTC-USD", 200, adapter.OrderbookOptions{Leverage: 10})
	require.NoError(t, err)
	_, err = f.paper.OpenLong(ctx, "ETH-USD", 100, ob)
	require.NoError(t, err)

	f.put("BTC-USD", 90, nil)
	positions, err := f.engine.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "ETH-USD", positions[0].Symbol)

	sig := f.last(t)
	assert.Equal(t, "BTC-USD", sig.Symbol)
	assert.Equal(t, domain.SignalExit, sig.Type)
	assert.Equal(t, domain.ReasonLiquidation, sig.Reason)

	st, err := f.store.GetStats(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Closes)

	// the liquidation is recorded once
	_, err = f.engine.Positions(ctx)
	require.NoError(t, err)
	assert.Len(t, f.signals(t), 1)
}

func TestPosition_UnknownMarket(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.engine.Position(context.Background(), "DOGE-USD")
	assert.True(t, errors.Is(err, domain.ErrUnsupportedSymbol))
}

func TestPosition_WaitsForCycle(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()
	f := newFixture(t, fixtureOpts{engine: []Option{WithLocker(locker)}})
	f.put("BTC-USD", 100, nil)
	_, err := f.paper.OpenLong(ctx, "BTC-USD", 100, ob)
	require.NoError(t, err)

	release, err := locker.TryLock(ctx, lockKey("BTC-USD"))
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		release()
	}()

	pos, err := f.engine.Position(ctx, "BTC-USD")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.IsLong)
}

func TestWaitLock(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()
	release, err := locker.TryLock(ctx, "k")
	require.NoError(t, err)
	defer release()

	_, err = waitLock(ctx, locker, "k", 60*time.Millisecond)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = waitLock(cctx, locker, "k", time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	other, err := waitLock(ctx, locker, "other", time.Second)
	require.NoError(t, err)
	other()
}
