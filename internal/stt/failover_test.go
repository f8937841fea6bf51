package stt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/errdefs"
)

// fakeProvider is a scriptable Provider for failover tests.
type fakeProvider struct {
	name       string
	configured bool
	results    []*Result
	calls      int
}

func (f *fakeProvider) Name() string                        { return f.name }
func (f *fakeProvider) Configured() bool                    { return f.configured }
func (f *fakeProvider) SupportsDiarization() bool           { return false }
func (f *fakeProvider) RequiresAPIKey() bool                { return true }
func (f *fakeProvider) TestConnection(context.Context) bool { return f.configured }

func (f *fakeProvider) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return softText(f.TranscribeResult(ctx, audio))
}

func (f *fakeProvider) TranscribeResult(context.Context, []byte) *Result {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i]
}

func ok(text string) *Result {
	return &Result{Text: text, Success: true, Metadata: map[string]string{}}
}

func down() *Result {
	return failure(errdefs.New(errdefs.KindServiceUnavailable, "503"))
}

func newTestFailover(providers ...Provider) *Failover {
	return NewFailover(providers, FailoverOptions{Log: zerolog.Nop()})
}

func TestFailoverFirstProviderWins(t *testing.T) {
	primary := &fakeProvider{name: "deepgram", configured: true, results: []*Result{ok("hello")}}
	secondary := &fakeProvider{name: "groq", configured: true, results: []*Result{ok("unused")}}

	res := newTestFailover(primary, secondary).Transcribe(context.Background(), []byte("audio"))
	if !res.Success || res.Text != "hello" {
		t.Fatalf("result = (%v, %q), want success hello", res.Success, res.Text)
	}
	if res.Metadata["provider"] != "deepgram" {
		t.Errorf("provider = %q, want deepgram", res.Metadata["provider"])
	}
	if res.Metadata["failover_attempts"] != "1" {
		t.Errorf("failover_attempts = %q, want 1", res.Metadata["failover_attempts"])
	}
	if secondary.calls != 0 {
		t.Error("secondary should not be attempted when primary succeeds")
	}
}

func TestFailoverFallsThrough(t *testing.T) {
	primary := &fakeProvider{name: "deepgram", configured: true, results: []*Result{down()}}
	secondary := &fakeProvider{name: "groq", configured: true, results: []*Result{ok("ok")}}

	res := newTestFailover(primary, secondary).Transcribe(context.Background(), []byte("audio"))
	if !res.Success {
		t.Fatalf("expected success from secondary, got err %v", res.Err)
	}
	if res.Metadata["provider"] != "groq" {
		t.Errorf("provider = %q, want groq", res.Metadata["provider"])
	}
	if res.Metadata["failover_attempts"] != "2" {
		t.Errorf("failover_attempts = %q, want 2", res.Metadata["failover_attempts"])
	}
}

func TestFailoverSkipsUnconfigured(t *testing.T) {
	unconfigured := &fakeProvider{name: "deepgram", configured: false, results: []*Result{ok("no")}}
	fallback := &fakeProvider{name: "whisper", configured: true, results: []*Result{ok("local")}}

	res := newTestFailover(unconfigured, fallback).Transcribe(context.Background(), []byte("audio"))
	if unconfigured.calls != 0 {
		t.Error("unconfigured provider must not be attempted")
	}
	if res.Metadata["failover_attempts"] != "1" {
		t.Errorf("failover_attempts = %q, want 1 (unconfigured not counted)", res.Metadata["failover_attempts"])
	}
}

func TestFailoverBenchesAfterRepeatedFailures(t *testing.T) {
	primary := &fakeProvider{name: "deepgram", configured: true, results: []*Result{down()}}
	secondary := &fakeProvider{name: "groq", configured: true, results: []*Result{ok("ok")}}
	f := newTestFailover(primary, secondary)

	// 3 failed calls bench the primary
	for i := 0; i < 3; i++ {
		f.Transcribe(context.Background(), []byte("audio"))
	}
	if !f.Skipped("deepgram") {
		t.Fatal("primary should be benched after 3 consecutive failures")
	}

	before := primary.calls
	res := f.Transcribe(context.Background(), []byte("audio"))
	if primary.calls != before {
		t.Error("benched provider must be bypassed")
	}
	if !res.Success || res.Metadata["provider"] != "groq" {
		t.Errorf("expected groq success while primary benched, got %+v", res.Metadata)
	}
}

func TestFailoverBenchExpires(t *testing.T) {
	now := time.Now()
	primary := &fakeProvider{name: "deepgram", configured: true, results: []*Result{down(), down(), down(), ok("back")}}
	f := NewFailover([]Provider{primary}, FailoverOptions{
		Log: zerolog.Nop(),
		now: func() time.Time { return now },
	})

	for i := 0; i < 3; i++ {
		f.Transcribe(context.Background(), []byte("audio"))
	}
	if !f.Skipped("deepgram") {
		t.Fatal("should be benched")
	}

	// Advance past the skip window
	now = now.Add(defaultSkipDuration + time.Second)
	res := f.Transcribe(context.Background(), []byte("audio"))
	if !res.Success || res.Text != "back" {
		t.Errorf("provider should be retried after bench expiry, got %+v", res)
	}
	if f.Skipped("deepgram") {
		t.Error("success should clear the bench")
	}
	if f.LastSuccessful() != "deepgram" {
		t.Errorf("LastSuccessful = %q, want deepgram", f.LastSuccessful())
	}
}

func TestFailoverAllFail(t *testing.T) {
	a := &fakeProvider{name: "deepgram", configured: true, results: []*Result{down()}}
	b := &fakeProvider{name: "groq", configured: true, results: []*Result{down()}}

	res := newTestFailover(a, b).Transcribe(context.Background(), []byte("audio"))
	if res.Success {
		t.Fatal("expected failure when every provider fails")
	}
	if errdefs.KindOf(res.Err) != errdefs.KindTranscription {
		t.Errorf("error kind = %v, want Transcription", errdefs.KindOf(res.Err))
	}
	msg := res.Err.Error()
	for _, name := range []string{"deepgram", "groq"} {
		if !strings.Contains(msg, name) {
			t.Errorf("all-fail error should mention %s: %q", name, msg)
		}
	}
}

func TestFailoverNoneConfigured(t *testing.T) {
	a := &fakeProvider{name: "deepgram", configured: false, results: []*Result{ok("x")}}
	res := newTestFailover(a).Transcribe(context.Background(), []byte("audio"))
	if res.Success {
		t.Fatal("expected failure")
	}
	if errdefs.KindOf(res.Err) != errdefs.KindConfiguration {
		t.Errorf("error kind = %v, want Configuration", errdefs.KindOf(res.Err))
	}
}
