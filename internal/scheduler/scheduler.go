package scheduler

import (
	"context"
	"time"

	"github.com/vigsterkr/watchz/pkg/logger"
)

// TickFunc is one scan tick. Errors are logged by the loop, never fatal.
type TickFunc func(ctx context.Context) error

// RunOnce performs a single tick.
func RunOnce(ctx context.Context, fn TickFunc) error {
	return fn(ctx)
}

// RunPeriodic loops until the context is cancelled. The next tick fires
// interval after the previous tick *started*, so a slow scan never drifts
// the cadence; a scan that overruns the interval reschedules immediately.
func RunPeriodic(ctx context.Context, interval time.Duration, fn TickFunc, log *logger.Logger) {
	for {
		start := time.Now()
		runTick(ctx, fn, log)

		sleep := interval - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		log.Debug("Next scan in %v", sleep)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("Scheduler stopping: %v", ctx.Err())
			return
		case <-timer.C:
		}
	}
}

// runTick shields the loop from a failing or panicking tick.
func runTick(ctx context.Context, fn TickFunc, log *logger.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Scan tick panicked: %v", r)
		}
	}()
	if err := fn(ctx); err != nil {
		log.Error("Scan tick failed: %v", err)
	}
}
