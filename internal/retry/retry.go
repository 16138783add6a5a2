package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Options configures exponential backoff for backend calls.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Default backoff settings used when opts are zero/invalid.
var Default = Options{
	MaxAttempts:  5,
	InitialDelay: 300 * time.Millisecond,
	MaxDelay:     8 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// Once disables retries.
var Once = Options{MaxAttempts: 1}

// IsRetryableFunc reports whether an attempt error is worth another try.
type IsRetryableFunc func(error) bool

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		return Default
	}
	if o.Multiplier < 1 {
		o.Multiplier = 1
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = Default.MaxDelay
	}
	return o
}

// Do runs fn until it succeeds, returns a non-retryable error, the context is
// done or attempts are exhausted. The last error is returned unchanged.
func Do(ctx context.Context, opts Options, isRetryable IsRetryableFunc, fn func(context.Context) error) error {
	opts = opts.normalized()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := opts.InitialDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt >= opts.MaxAttempts {
			return err
		}
		if err := sleep(ctx, opts.delay(backoff, rng)); err != nil {
			return err
		}
		backoff = opts.next(backoff)
	}
}

// delay applies +/-20% jitter and the cap.
func (o Options) delay(backoff time.Duration, rng *rand.Rand) time.Duration {
	d := backoff
	if o.Jitter {
		delta := float64(backoff) * 0.2
		j := (rng.Float64()*2 - 1) * delta
		d = time.Duration(math.Max(0, float64(backoff)+j))
	}
	if d > o.MaxDelay {
		d = o.MaxDelay
	}
	return d
}

// next grows the backoff with an overflow guard.
func (o Options) next(backoff time.Duration) time.Duration {
	n := time.Duration(float64(backoff) * o.Multiplier)
	if n < backoff {
		n = backoff
	}
	if n > o.MaxDelay {
		n = o.MaxDelay
	}
	return n
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
