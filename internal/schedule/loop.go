package schedule

import (
	"context"
	"time"
)

// Loop runs fn, then waits interval and runs it again, until fn returns an
// error, the registry is cancelled or ctx is done. The next run is armed only
// after the current one returned, so runs never overlap.
//
// A cancelled registry never interrupts a run in progress; it prevents the
// next one. Loop returns fn's error, or nil on shutdown.
func Loop(ctx context.Context, reg *Registry, interval time.Duration, fn func(context.Context) error) error {
	for {
		if reg.Cancelled() || ctx.Err() != nil {
			return nil
		}
		if err := fn(ctx); err != nil {
			return err
		}

		t := time.NewTimer(interval)
		if !reg.Register(t) {
			return nil
		}
		select {
		case <-t.C:
			reg.Release(t)
		case <-reg.Done():
			return nil
		case <-ctx.Done():
			t.Stop()
			reg.Release(t)
			return nil
		}
	}
}
