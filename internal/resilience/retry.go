// Package resilience provides the retry, circuit-breaker, and rate-limit
// primitives that front every remote provider call, plus an explicit
// composition of the three so the wrapping order is visible at call sites.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/errdefs"
)

// RetryPolicy controls the retry loop around a remote call.
// Zero-value fields fall back to the defaults below.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration

	// RetryOn restricts retries to these kinds when non-empty; otherwise
	// errdefs.Retryable decides. NoRetryOn always wins.
	RetryOn   []errdefs.Kind
	NoRetryOn []errdefs.Kind

	// sleep is a test seam; nil means a context-aware time.Sleep.
	sleep func(context.Context, time.Duration) error
}

// DefaultRetryPolicy mirrors the api.* config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func kindIn(err error, kinds []errdefs.Kind) bool {
	k := errdefs.KindOf(err)
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func (p RetryPolicy) shouldRetry(err error) bool {
	if kindIn(err, p.NoRetryOn) {
		return false
	}
	if len(p.RetryOn) > 0 {
		return kindIn(err, p.RetryOn)
	}
	return errdefs.Retryable(err)
}

// Retry runs fn up to MaxRetries+1 times with exponential backoff. A
// rate-limit error carrying a retry-after hint clamps the next delay to
// min(hint, MaxDelay). The last error is returned once attempts run out.
func Retry(ctx context.Context, p RetryPolicy, log zerolog.Logger, fn func(context.Context) error) error {
	p = p.withDefaults()

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		Multiplier:          p.BackoffFactor,
		MaxInterval:         p.MaxDelay,
		RandomizationFactor: 0,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.shouldRetry(lastErr) || attempt == p.MaxRetries {
			return lastErr
		}

		delay := bo.NextBackOff()
		if hint := errdefs.RetryAfter(lastErr); hint > 0 {
			delay = hint
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		log.Warn().Err(lastErr).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying after failure")
		if err := p.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// RetryValue is Retry for calls that produce a value.
func RetryValue[T any](ctx context.Context, p RetryPolicy, log zerolog.Logger, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, p, log, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	})
	return out, err
}
