package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run drives full cycles every CycleInterval and the monitor every
// MonitorInterval until ctx is cancelled. A cycle already in progress runs to
// completion.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Dur("cycle", e.cfg.CycleInterval).
		Dur("monitor", e.cfg.MonitorInterval).
		Int("markets", len(e.cfg.Markets)).
		Msg("scheduler started")

	cycle := time.NewTicker(e.cfg.CycleInterval)
	defer cycle.Stop()
	monitor := time.NewTicker(e.cfg.MonitorInterval)
	defer monitor.Stop()

	last := e.now()
	e.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("scheduler stopped")
			return nil
		case <-cycle.C:
			last = e.now()
			e.RunCycle(ctx)
		case <-monitor.C:
			if !monitorDue(e.now(), last, e.cfg.CycleInterval, e.cfg.MonitorGuard) {
				e.logger.Debug().Msg("monitor tick too close to cycle, skipping")
				continue
			}
			e.RunMonitor(ctx)
		}
	}
}

// monitorDue reports whether a monitor tick at now is at least guard away from
// both the last cycle start and the next one.
func monitorDue(now, lastCycle time.Time, interval, guard time.Duration) bool {
	since := now.Sub(lastCycle)
	until := interval - since
	return since >= guard && until >= guard
}

// RunCycle evaluates every market concurrently. Errors are logged per market
// and never affect other markets.
func (e *Engine) RunCycle(ctx context.Context) {
	e.fanOut(ctx, "evaluate", e.Evaluate)
}

// RunMonitor runs the stop-loss/take-profit monitor on every market.
func (e *Engine) RunMonitor(ctx context.Context) {
	e.fanOut(ctx, "monitor", e.Monitor)
}

func (e *Engine) fanOut(ctx context.Context, op string, fn func(context.Context, string) error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, mc := range e.cfg.Markets {
		mc := mc
		g.Go(func() error {
			t0 := time.Now()
			if err := fn(gctx, mc.Symbol); err != nil {
				e.logger.Error().
					Err(err).
					Str("symbol", mc.Symbol).
					Str("operation", op).
					Dur("duration", time.Since(t0)).
					Msg("market failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Debug().
		Str("operation", op).
		Dur("duration", time.Since(start)).
		Msg("pass complete")
}
