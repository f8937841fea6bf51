package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CallOptions assembles the protective layers around one remote operation.
// Nil layers are skipped.
type CallOptions struct {
	Name     string
	Limiter  *Limiter
	LimitKey string // optional sub-identifier within the provider bucket
	Breaker  *Breaker
	Retry    RetryPolicy
	Log      zerolog.Logger
}

// Call runs fn behind the rate limiter, then the circuit breaker, then the
// retry loop. Retries happen inside the breaker, so a tripped breaker
// fast-fails before any retry or rate-limit token is consumed.
func Call[T any](ctx context.Context, opts CallOptions, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if opts.Limiter != nil {
		for {
			allowed, wait := opts.Limiter.Allow(opts.Name, opts.LimitKey)
			if allowed {
				break
			}
			opts.Log.Debug().Str("call", opts.Name).Dur("wait", wait).Msg("rate limited")
			if err := sleepCtx(ctx, wait); err != nil {
				return zero, err
			}
		}
	}

	start := time.Now()
	run := func(ctx context.Context) (T, error) {
		if opts.Breaker == nil {
			return RetryValue(ctx, opts.Retry, opts.Log, fn)
		}
		out, err := opts.Breaker.Execute(func() (any, error) {
			return RetryValue(ctx, opts.Retry, opts.Log, fn)
		})
		if err != nil {
			return zero, err
		}
		v, _ := out.(T)
		return v, nil
	}

	result, err := run(ctx)
	if err != nil {
		opts.Log.Warn().Err(err).Str("call", opts.Name).Dur("elapsed", time.Since(start)).Msg("call failed")
		return zero, err
	}
	opts.Log.Debug().Str("call", opts.Name).Dur("elapsed", time.Since(start)).Msg("call succeeded")
	return result, nil
}
