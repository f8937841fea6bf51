package stt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/errdefs"
	"github.com/medscribe/scribe-engine/internal/metrics"
)

const (
	defaultMaxFailuresBeforeSkip = 3
	defaultSkipDuration          = 300 * time.Second
)

// providerHealth tracks one provider's recent behavior.
type providerHealth struct {
	failureCount int
	skipUntil    time.Time
}

// FailoverOptions configures the failover manager.
type FailoverOptions struct {
	// MaxFailuresBeforeSkip is how many consecutive failures put a
	// provider on the bench; SkipDuration is for how long.
	MaxFailuresBeforeSkip int
	SkipDuration          time.Duration
	Log                   zerolog.Logger

	// now is a test seam.
	now func() time.Time
}

// Failover routes transcription across providers in declared order,
// skipping ones that are unconfigured or temporarily unhealthy.
type Failover struct {
	providers []Provider
	opts      FailoverOptions

	mu             sync.Mutex
	health         map[string]*providerHealth
	lastSuccessful string
}

// NewFailover builds a failover manager over providers, tried in the order
// given.
func NewFailover(providers []Provider, opts FailoverOptions) *Failover {
	if opts.MaxFailuresBeforeSkip <= 0 {
		opts.MaxFailuresBeforeSkip = defaultMaxFailuresBeforeSkip
	}
	if opts.SkipDuration <= 0 {
		opts.SkipDuration = defaultSkipDuration
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	f := &Failover{
		providers: providers,
		opts:      opts,
		health:    make(map[string]*providerHealth),
	}
	for _, p := range providers {
		f.health[p.Name()] = &providerHealth{}
	}
	return f
}

// Providers returns the declared provider order.
func (f *Failover) Providers() []Provider { return f.providers }

// LastSuccessful returns the name of the provider that most recently
// succeeded, or "".
func (f *Failover) LastSuccessful() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSuccessful
}

// Skipped reports whether the named provider is currently benched.
func (f *Failover) Skipped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.health[name]
	return ok && f.opts.now().Before(h.skipUntil)
}

func (f *Failover) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.health[name]
	h.failureCount = 0
	h.skipUntil = time.Time{}
	f.lastSuccessful = name
}

func (f *Failover) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.health[name]
	h.failureCount++
	if h.failureCount >= f.opts.MaxFailuresBeforeSkip {
		h.skipUntil = f.opts.now().Add(f.opts.SkipDuration)
		f.opts.Log.Warn().
			Str("provider", name).
			Int("failures", h.failureCount).
			Time("skip_until", h.skipUntil).
			Msg("provider benched after repeated failures")
	}
}

// Transcribe tries each configured, non-benched provider once, in declared
// order, returning the first success annotated with the provider name and
// attempt count. When every provider fails the Result summarizes each
// provider's error.
func (f *Failover) Transcribe(ctx context.Context, audio []byte) *Result {
	attempts := 0
	var failures []string

	for _, p := range f.providers {
		if err := ctx.Err(); err != nil {
			return failure(errdefs.Wrap(errdefs.KindTranscription, err, "transcription cancelled"))
		}
		name := p.Name()
		if !p.Configured() {
			continue
		}
		if f.Skipped(name) {
			f.opts.Log.Debug().Str("provider", name).Msg("provider skipped (benched)")
			continue
		}

		attempts++
		metrics.ProviderAttemptsTotal.WithLabelValues(name).Inc()
		res := p.TranscribeResult(ctx, audio)
		if res.Success && strings.TrimSpace(res.Text) != "" {
			f.recordSuccess(name)
			if res.Metadata == nil {
				res.Metadata = map[string]string{}
			}
			res.Metadata["provider"] = name
			res.Metadata["failover_attempts"] = strconv.Itoa(attempts)
			return res
		}

		errMsg := "empty transcript"
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		metrics.ProviderFailuresTotal.WithLabelValues(name).Inc()
		f.recordFailure(name)
		failures = append(failures, fmt.Sprintf("%s: %s", name, errMsg))
		f.opts.Log.Warn().Str("provider", name).Str("error", errMsg).Msg("provider failed, trying next")
	}

	if attempts == 0 {
		return failure(errdefs.New(errdefs.KindConfiguration, "no STT provider is configured and available"))
	}
	return failure(errdefs.New(errdefs.KindTranscription,
		"all %d provider(s) failed: %s", attempts, strings.Join(failures, "; ")))
}
