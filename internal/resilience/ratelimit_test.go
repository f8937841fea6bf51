package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/errdefs"
)

func TestLimiterBurstThenDeny(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"deepgram": {Capacity: 2, RefillPerSec: 0.001},
	}, BucketConfig{})

	for i := 0; i < 2; i++ {
		allowed, _ := l.Allow("deepgram", "")
		if !allowed {
			t.Fatalf("request %d within capacity should be allowed", i+1)
		}
	}
	allowed, wait := l.Allow("deepgram", "")
	if allowed {
		t.Fatal("request beyond capacity should be denied")
	}
	if wait <= 0 {
		t.Errorf("denied request should report a positive wait, got %v", wait)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"groq": {Capacity: 1, RefillPerSec: 0.001},
	}, BucketConfig{})

	if ok, _ := l.Allow("groq", "clinic-a"); !ok {
		t.Fatal("first clinic-a request should pass")
	}
	if ok, _ := l.Allow("groq", "clinic-a"); ok {
		t.Fatal("second clinic-a request should be denied")
	}
	// A different identifier has its own bucket
	if ok, _ := l.Allow("groq", "clinic-b"); !ok {
		t.Error("clinic-b bucket should be independent of clinic-a")
	}
}

func TestLimiterFallbackConfig(t *testing.T) {
	l := NewLimiter(nil, BucketConfig{Capacity: 1, RefillPerSec: 0.001})
	if ok, _ := l.Allow("unlisted", ""); !ok {
		t.Fatal("fallback bucket should allow within capacity")
	}
	if ok, _ := l.Allow("unlisted", ""); ok {
		t.Error("fallback bucket should deny beyond capacity")
	}
}

func TestCallComposition(t *testing.T) {
	limiter := NewLimiter(map[string]BucketConfig{
		"stt": {Capacity: 10, RefillPerSec: 100},
	}, BucketConfig{})
	breaker := NewBreaker("stt", BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Minute})

	calls := 0
	got, err := Call(context.Background(), CallOptions{
		Name:    "stt",
		Limiter: limiter,
		Breaker: breaker,
		Retry:   fastPolicy(2),
		Log:     zerolog.Nop(),
	}, func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errdefs.New(errdefs.KindServiceUnavailable, "503")
		}
		return "transcript", nil
	})
	if err != nil || got != "transcript" {
		t.Fatalf("Call = (%q, %v), want (transcript, nil)", got, err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if breaker.Open() {
		t.Error("a retried-then-successful sequence must not trip the breaker")
	}
}

func TestCallFastFailsWhenBreakerOpen(t *testing.T) {
	breaker := NewBreaker("stt", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	breaker.Execute(func() (any, error) { return nil, errdefs.New(errdefs.KindAPI, "boom") })

	invoked := false
	_, err := Call(context.Background(), CallOptions{
		Name:    "stt",
		Breaker: breaker,
		Retry:   fastPolicy(0),
		Log:     zerolog.Nop(),
	}, func(context.Context) (string, error) {
		invoked = true
		return "", nil
	})
	if invoked {
		t.Error("open breaker must prevent the underlying call")
	}
	if errdefs.KindOf(err) != errdefs.KindServiceUnavailable {
		t.Errorf("error kind = %v, want ServiceUnavailable", errdefs.KindOf(err))
	}
}
