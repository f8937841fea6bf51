package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/medscribe/scribe-engine/internal/errdefs"
	"github.com/medscribe/scribe-engine/internal/metrics"
)

// BreakerConfig parameterizes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive watched failures before opening
	RecoveryTimeout  time.Duration // how long OPEN lasts before a probe is allowed
	// WatchedKinds limits which error kinds count as breaker failures.
	// Empty means every error counts.
	WatchedKinds []errdefs.Kind
}

// DefaultBreakerConfig mirrors the api.circuit_breaker_* config defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

// Breaker is a three-state circuit breaker fronting a single remote
// dependency. It wraps gobreaker so that an open circuit fast-fails with a
// ServiceUnavailable error and only watched kinds count as failures.
// A state read after the recovery deadline may itself flip OPEN to
// HALF_OPEN; gobreaker evaluates the deadline on every state access.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a breaker named name. HALF_OPEN allows a single probe:
// success closes the circuit and resets counters, failure reopens it.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	watched := cfg.WatchedKinds
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if len(watched) == 0 {
				return false
			}
			return !kindIn(err, watched)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.BreakerOpensTotal.WithLabelValues(name).Inc()
			}
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. When the circuit is open the call
// fails fast with ServiceUnavailable and fn is never invoked.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out, errdefs.Wrap(errdefs.KindServiceUnavailable, err, "circuit %s open", b.cb.Name())
	}
	return out, err
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Open reports whether calls would currently fail fast.
func (b *Breaker) Open() bool { return b.cb.State() == gobreaker.StateOpen }

// BreakerRegistry hands out process-wide breakers keyed by operation name.
// It is an injected handle, not a package singleton.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults BreakerConfig
}

// NewBreakerRegistry creates a registry using cfg for new breakers.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*Breaker),
		defaults: cfg,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.defaults)
		r.breakers[name] = b
	}
	return b
}
