package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second

	maxDoublings = 30
)

// Policy runs an operation up to MaxRetries times. The delay between attempt
// n and n+1 is BaseDelay * 2^(n-1), without jitter.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration

	// NewTimer overrides the wait timer. Used by tests to observe delays.
	NewTimer func() backoff.Timer
}

// Notify is called before each wait with the attempt that just failed.
type Notify func(attempt int, err error, delay time.Duration)

// Permanent stops the retry loop and makes Do return err unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p Policy) attempts() int {
	if p.MaxRetries <= 0 {
		return 1
	}
	return p.MaxRetries
}

// Delay returns the wait that follows the given failed attempt. It saturates
// at the largest representable duration.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > maxDoublings {
		shift = maxDoublings
	}
	if p.BaseDelay > time.Duration(math.MaxInt64)>>shift {
		return time.Duration(math.MaxInt64)
	}
	return p.BaseDelay << shift
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	var b backoff.BackOff = &backoff.ZeroBackOff{}

	if p.BaseDelay > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.BaseDelay
		exp.RandomizationFactor = 0
		exp.Multiplier = 2
		// The last wait follows attempt attempts()-1.
		exp.MaxInterval = max(p.Delay(p.attempts()-1), p.BaseDelay)
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	}

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.attempts()-1)), ctx)
}

// Do invokes op until it succeeds, returns a Permanent error, the attempts
// are used up or ctx is done. It returns the number of invocations and the
// last error. Cancellation during a wait returns the context error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, notify Notify) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		return op(ctx, attempt)
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, delay time.Duration) {
			notify(attempt, err, delay)
		}
	}

	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, p.backOff(ctx), onRetry, timer)
	return attempt, err
}
