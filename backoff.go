package fallback

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

// Delay returns the wait before the retry that follows attempt, computed as
// base * 2^attempt. With jitter enabled the result is scaled by a uniform
// random factor in [0.5, 1.0].
//
// A negative attempt is a programming error and panics.
func Delay(attempt int, base time.Duration, jitter bool) time.Duration {
	return delayWith(attempt, base, jitter, rand.Float64)
}

func delayWith(attempt int, base time.Duration, jitter bool, random func() float64) time.Duration {
	if attempt < 0 {
		panic(fmt.Sprintf("fallback: negative backoff attempt %d", attempt))
	}
	if base <= 0 {
		return 0
	}

	d := time.Duration(math.MaxInt64)
	if attempt < 63 && base <= time.Duration(math.MaxInt64>>uint(attempt)) {
		d = base << uint(attempt)
	}

	if jitter {
		factor := 0.5 + random()*0.5
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// Sleeper waits for d or until ctx is done. Tests substitute an instant
// implementation to avoid wall-clock waits.
type Sleeper func(ctx context.Context, d time.Duration) error

// TimerSleep is the default Sleeper backed by a real timer.
func TimerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newBackoff builds the retry budget for one logical call. The returned
// backoff yields at most retries delays, each capped at maxDelay when set.
func newBackoff(retries int, base, maxDelay time.Duration, jitter bool, random func() float64) retry.Backoff {
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		d := delayWith(attempt, base, jitter, random)
		attempt++
		return d, false
	})

	b := retry.WithMaxRetries(uint64(retries), next) // #nosec G115 - clamped above
	if maxDelay > 0 {
		b = retry.WithCappedDuration(maxDelay, b)
	}
	return b
}
