package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketConfig sizes one provider's token bucket.
type BucketConfig struct {
	Capacity     int
	RefillPerSec float64
}

// Limiter is a process-wide set of token buckets keyed by
// (provider, optional identifier). Providers without explicit configuration
// get the fallback bucket config.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	configs  map[string]BucketConfig
	fallback BucketConfig
}

// NewLimiter creates a limiter with per-provider configs and a fallback for
// unlisted providers.
func NewLimiter(configs map[string]BucketConfig, fallback BucketConfig) *Limiter {
	if fallback.Capacity <= 0 {
		fallback = BucketConfig{Capacity: 10, RefillPerSec: 2}
	}
	if configs == nil {
		configs = map[string]BucketConfig{}
	}
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		configs:  configs,
		fallback: fallback,
	}
}

func (l *Limiter) bucket(provider, id string) *rate.Limiter {
	key := provider
	if id != "" {
		key = provider + ":" + id
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	cfg, ok := l.configs[provider]
	if !ok || cfg.Capacity <= 0 {
		cfg = l.fallback
	}
	b := rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Capacity)
	l.buckets[key] = b
	return b
}

// Allow consumes one token from the (provider, id) bucket. When the bucket
// is empty it returns false and how long the caller should wait before the
// next token is available.
func (l *Limiter) Allow(provider, id string) (bool, time.Duration) {
	b := l.bucket(provider, id)
	res := b.Reserve()
	if !res.OK() {
		return false, time.Second
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}
