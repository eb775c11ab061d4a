// Package retry holds the single retry policy applied to platform calls.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/radiusdt/ads-metrics-engine/internal/config"
	"github.com/radiusdt/ads-metrics-engine/internal/errs"
)

// Policy bounds retries per error kind. Rate-limit and transient failures have separate
// attempt budgets; every other kind fails immediately.
type Policy struct {
	// RateLimitAttempts and TransientAttempts count total calls, including the first.
	RateLimitAttempts int
	TransientAttempts int

	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	// Classify maps an error to its kind. Defaults to errs.KindOf.
	Classify func(error) errs.Kind
	// Sleep waits for d or until ctx is done. Tests replace it to skip real waits.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// FromConfig builds a policy from the retry configuration section.
func FromConfig(cfg config.RetryConfig) *Policy {
	return &Policy{
		RateLimitAttempts: cfg.RateLimitAttempts,
		TransientAttempts: cfg.TransientAttempts,
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		Multiplier:        cfg.Multiplier,
		Jitter:            cfg.Jitter,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, exhausts the budget for its
// error kind, or ctx is done. The last error from fn is returned unchanged.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = errs.KindOf
	}

	var rateLimited, transient int
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		switch classify(err) {
		case errs.KindPlatformRateLimit:
			rateLimited++
			if rateLimited >= p.RateLimitAttempts {
				return err
			}
		case errs.KindPlatformTransient:
			transient++
			if transient >= p.TransientAttempts {
				return err
			}
		default:
			return err
		}

		delay := p.Backoff(attempt)
		if hint := errs.RetryAfter(err); hint > delay {
			delay = hint
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

// Backoff returns the exponential delay before retry number attempt (1-based).
func (p *Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return delay
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
