package queue

import (
	"container/heap"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/database"
	"github.com/medscribe/scribe-engine/internal/errdefs"
	"github.com/medscribe/scribe-engine/internal/storage"
	"github.com/medscribe/scribe-engine/internal/stt"
)

// stubProvider scripts STT outcomes per call index.
type stubProvider struct {
	name  string
	fn    func(call int) *stt.Result
	calls atomic.Int32
}

func (p *stubProvider) Name() string                        { return p.name }
func (p *stubProvider) Configured() bool                    { return true }
func (p *stubProvider) SupportsDiarization() bool           { return false }
func (p *stubProvider) RequiresAPIKey() bool                { return false }
func (p *stubProvider) TestConnection(context.Context) bool { return true }

func (p *stubProvider) TranscribeResult(context.Context, []byte) *stt.Result {
	n := int(p.calls.Add(1)) - 1
	return p.fn(n)
}

func (p *stubProvider) Transcribe(ctx context.Context, audio []byte) (string, error) {
	r := p.TranscribeResult(ctx, audio)
	if r.Success {
		return r.Text, nil
	}
	return "", nil
}

func sttOK(text string) *stt.Result {
	return &stt.Result{Text: text, Success: true, Metadata: map[string]string{}}
}

func sttDown() *stt.Result {
	return &stt.Result{Success: false, Err: errdefs.New(errdefs.KindServiceUnavailable, "injected outage")}
}

// stubGen is a scriptable document generator.
type stubGen struct {
	soap     func(transcript, extra string) (string, error)
	referral func(soapNote, conditions string) (string, error)
	letter   func(content, recipient, specs string) (string, error)
}

func (g *stubGen) SOAP(_ context.Context, transcript, extra string) (string, error) {
	if g.soap == nil {
		return "S: " + transcript, nil
	}
	return g.soap(transcript, extra)
}

func (g *stubGen) Referral(_ context.Context, soapNote, conditions string) (string, error) {
	if g.referral == nil {
		return "Referral based on: " + soapNote, nil
	}
	return g.referral(soapNote, conditions)
}

func (g *stubGen) Letter(_ context.Context, content, recipient, specs string) (string, error) {
	if g.letter == nil {
		return "Dear " + recipient + ": " + content, nil
	}
	return g.letter(content, recipient, specs)
}

type testEnv struct {
	q   *ProcessingQueue
	db  *database.DB
	stt *stubProvider

	completions chan string
	errors      chan string
	batchEvents chan batchEvent
}

func newTestEnv(t *testing.T, provider *stubProvider, gen *stubGen, opts Options) *testEnv {
	t.Helper()

	db, err := database.Open(context.Background(),
		filepath.Join(t.TempDir(), "test.db"), 3, 2*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(db.Close)

	env := &testEnv{
		db:          db,
		stt:         provider,
		completions: make(chan string, 64),
		errors:      make(chan string, 64),
		batchEvents: make(chan batchEvent, 256),
	}

	failover := stt.NewFailover([]stt.Provider{provider}, stt.FailoverOptions{Log: zerolog.Nop()})
	if gen == nil {
		gen = &stubGen{}
	}
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	if opts.retryDelay == nil {
		opts.retryDelay = func(int) time.Duration { return time.Millisecond }
	}
	opts.Log = zerolog.Nop()

	env.q = New(db, storage.NewLocalStore(t.TempDir()), failover, gen, Callbacks{
		OnCompletion: func(taskID string, _ TaskSnapshot, _ *database.Recording) {
			env.completions <- taskID
		},
		OnError: func(taskID string, _ TaskSnapshot, msg string) {
			env.errors <- taskID + ": " + msg
		},
		OnBatch: func(event BatchEvent, batchID string, current, total int) {
			env.batchEvents <- batchEvent{event: event, batchID: batchID, current: current, total: total}
		},
	}, opts)
	t.Cleanup(func() { env.q.Shutdown(true) })
	return env
}

func (env *testEnv) waitCompletion(t *testing.T) string {
	t.Helper()
	select {
	case id := <-env.completions:
		return id
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for completion")
		return ""
	}
}

func (env *testEnv) waitError(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-env.errors:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for error callback")
		return ""
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout: " + msg)
}

func TestHappyPathSingleTask(t *testing.T) {
	provider := &stubProvider{name: "stub", fn: func(int) *stt.Result { return sttOK("Hello") }}
	gen := &stubGen{soap: func(transcript, _ string) (string, error) {
		return "S: " + transcript + "\nO:\nA:\nP:", nil
	}}
	env := newTestEnv(t, provider, gen, Options{})

	taskID, ok := env.q.Add(Submission{
		RecordingID: 1,
		AudioData:   []byte("one-second-of-silence"),
		PatientName: "Alice",
		Options:     ProcessOptions{GenerateSOAP: true},
	})
	if !ok {
		t.Fatal("submission rejected")
	}

	if got := env.waitCompletion(t); got != taskID {
		t.Errorf("completed task = %q, want %q", got, taskID)
	}

	snap, ok := env.q.TaskStatus(taskID)
	if !ok || snap.Status != TaskCompleted {
		t.Fatalf("task status = %+v", snap)
	}
	if snap.Result == nil {
		t.Fatal("no result on completed task")
	}
	if snap.Result.Transcript != "Hello" {
		t.Errorf("transcript = %q, want Hello", snap.Result.Transcript)
	}
	if !strings.HasPrefix(snap.Result.SOAPNote, "S: Hello") {
		t.Errorf("soap note = %q", snap.Result.SOAPNote)
	}
	if snap.Result.Referral != "" || snap.Result.Letter != "" {
		t.Errorf("unrequested artifacts generated: %+v", snap.Result)
	}

	rec, err := env.db.GetRecording(context.Background(), 1)
	if err != nil || rec == nil {
		t.Fatalf("recording row: %v %v", rec, err)
	}
	if rec.ProcessingStatus != database.StatusCompleted {
		t.Errorf("db status = %s, want completed", rec.ProcessingStatus)
	}
	if rec.Transcript != "Hello" || !strings.HasPrefix(rec.SOAPNote, "S: Hello") {
		t.Errorf("db artifacts = %q / %q", rec.Transcript, rec.SOAPNote)
	}
	if rec.AudioPath == "" {
		t.Error("audio path not persisted")
	}
	if rec.ProcessingCompletedAt == nil {
		t.Error("processing_completed_at not set")
	}
}

func TestDedupSecondSubmissionRejected(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	gen := &stubGen{soap: func(transcript, _ string) (string, error) {
		<-release
		return "S: " + transcript, nil
	}}
	defer once.Do(func() { close(release) })

	provider := &stubProvider{name: "stub", fn: func(int) *stt.Result { return sttOK("x") }}
	env := newTestEnv(t, provider, gen, Options{})

	sub := Submission{
		RecordingID: 7,
		Transcript:  "already transcribed",
		PatientName: "Bob",
		Options:     ProcessOptions{GenerateSOAP: true},
	}
	first, ok := env.q.Add(sub)
	if !ok {
		t.Fatal("first submission rejected")
	}
	if _, ok := env.q.Add(sub); ok {
		t.Fatal("duplicate submission accepted while first is live")
	}

	st := env.q.Status()
	if st.Stats.TotalDeduplicated != 1 {
		t.Errorf("total_deduplicated = %d, want 1", st.Stats.TotalDeduplicated)
	}

	once.Do(func() { close(release) })
	env.waitCompletion(t)

	// After the first task is terminal the recording may be submitted again.
	if _, ok := env.q.Add(sub); !ok {
		t.Error("resubmission after completion rejected")
	}
	_ = first
}

func TestTranscriptPresentSkipsSTT(t *testing.T) {
	provider := &stubProvider{name: "stub", fn: func(int) *stt.Result { return sttOK("never") }}
	env := newTestEnv(t, provider, nil, Options{})

	_, ok := env.q.Add(Submission{
		RecordingID: 2,
		AudioData:   []byte("audio"),
		Transcript:  "dictated text",
		PatientName: "Carol",
		Options:     ProcessOptions{GenerateSOAP: true},
	})
	if !ok {
		t.Fatal("submission rejected")
	}
	env.waitCompletion(t)

	if n := provider.calls.Load(); n != 0 {
		t.Errorf("STT called %d times for a task with a transcript", n)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	provider := &stubProvider{name: "stub", fn: func(call int) *stt.Result {
		if call < 2 {
			return sttDown()
		}
		return sttOK("ok")
	}}
	env := newTestEnv(t, provider, nil, Options{MaxRetryAttempts: 3})

	taskID, ok := env.q.Add(Submission{
		RecordingID: 3,
		AudioData:   []byte("audio"),
		PatientName: "Dave",
	})
	if !ok {
		t.Fatal("submission rejected")
	}
	env.waitCompletion(t)

	snap, _ := env.q.TaskStatus(taskID)
	if snap.Status != TaskCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	if snap.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", snap.RetryCount)
	}
	if st := env.q.Status(); st.Stats.TotalRetried != 2 {
		t.Errorf("total_retried = %d, want 2", st.Stats.TotalRetried)
	}
}

func TestRetriesExhausted(t *testing.T) {
	provider := &stubProvider{name: "stub", fn: func(int) *stt.Result { return sttDown() }}
	env := newTestEnv(t, provider, nil, Options{MaxRetryAttempts: 3})

	taskID, ok := env.q.Add(Submission{
		RecordingID: 4,
		AudioData:   []byte("audio"),
		PatientName: "Eve",
	})
	if !ok {
		t.Fatal("submission rejected")
	}

	errMsg := env.waitError(t)
	if !strings.Contains(errMsg, "ServiceUnavailable") {
		t.Errorf("error message %q does not name the failure kind", errMsg)
	}

	snap, _ := env.q.TaskStatus(taskID)
	if snap.Status != TaskFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}
	if snap.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", snap.RetryCount)
	}

	waitUntil(t, func() bool {
		rec, _ := env.db.GetRecording(context.Background(), 4)
		return rec != nil && rec.ProcessingStatus == database.StatusFailed
	}, "db row marked failed")
	rec, _ := env.db.GetRecording(context.Background(), 4)
	if !strings.Contains(rec.ErrorMessage, "ServiceUnavailable") {
		t.Errorf("db error_message = %q", rec.ErrorMessage)
	}
	if rec.RetryCount != 3 {
		t.Errorf("db retry_count = %d, want 3", rec.RetryCount)
	}

	// on_error fires exactly once
	select {
	case extra := <-env.errors:
		t.Errorf("unexpected second error callback: %s", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFailoverAnnotatesProvider(t *testing.T) {
	primary := &stubProvider{name: "primary", fn: func(int) *stt.Result { return sttDown() }}
	secondary := &stubProvider{name: "secondary", fn: func(int) *stt.Result { return sttOK("ok") }}

	db, err := database.Open(context.Background(),
		filepath.Join(t.TempDir(), "test.db"), 3, 2*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(db.Close)

	failover := stt.NewFailover([]stt.Provider{primary, secondary}, stt.FailoverOptions{Log: zerolog.Nop()})
	completions := make(chan string, 1)
	q := New(db, storage.NewLocalStore(t.TempDir()), failover, &stubGen{}, Callbacks{
		OnCompletion: func(taskID string, _ TaskSnapshot, _ *database.Recording) { completions <- taskID },
	}, Options{Workers: 1, Log: zerolog.Nop(), retryDelay: func(int) time.Duration { return time.Millisecond }})
	t.Cleanup(func() { q.Shutdown(true) })

	taskID, ok := q.Add(Submission{RecordingID: 5, AudioData: []byte("audio"), PatientName: "Frank"})
	if !ok {
		t.Fatal("submission rejected")
	}
	select {
	case <-completions:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout")
	}

	snap, _ := q.TaskStatus(taskID)
	if snap.Result == nil || snap.Result.Provider != "secondary" {
		t.Errorf("provider = %+v, want secondary", snap.Result)
	}
}

func TestBatchCancelBeforeProcessing(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGen{soap: func(transcript, _ string) (string, error) {
		<-release
		return "S: " + transcript, nil
	}}
	defer close(release)

	provider := &stubProvider{name: "stub", fn: func(int) *stt.Result { return sttOK("x") }}
	env := newTestEnv(t, provider, gen, Options{Workers: 1})

	// Occupy the single worker so the batch stays queued.
	if _, ok := env.q.Add(Submission{
		RecordingID: 100,
		Transcript:  "blocker",
		PatientName: "Blocker",
		Options:     ProcessOptions{GenerateSOAP: true},
	}); !ok {
		t.Fatal("blocker rejected")
	}
	waitUntil(t, func() bool {
		st := env.q.Status()
		return st.QueueSize == 0
	}, "blocker picked up")

	subs := make([]Submission, 5)
	for i := range subs {
		subs[i] = Submission{
			RecordingID: int64(200 + i),
			Transcript:  "batch item",
			PatientName: "Batch",
		}
	}
	batchID, err := env.q.AddBatch(subs, BatchOptions{})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	if n := env.q.CancelBatch(batchID); n != 5 {
		t.Fatalf("CancelBatch = %d, want 5", n)
	}

	waitUntil(t, func() bool {
		b, ok := env.q.BatchStatus(batchID)
		return ok && b.Done
	}, "batch completion")

	b, _ := env.q.BatchStatus(batchID)
	if b.Completed != 0 || b.Failed != 0 || b.Cancelled != 5 {
		t.Errorf("batch counters = %+v, want 0 completed, 0 failed, 5 cancelled", b)
	}

	sawCompleted := false
	for done := false; !done; {
		select {
		case ev := <-env.batchEvents:
			if ev.batchID == batchID && ev.event == BatchCompleted {
				sawCompleted = true
				done = true
			}
		case <-time.After(2 * time.Second):
			done = true
		}
	}
	if !sawCompleted {
		t.Error("no batch completed event")
	}
}

func TestBatchTooLarge(t *testing.T) {
	provider := &stubProvider{name: "stub", fn: func(int) *stt.Result { return sttOK("x") }}
	env := newTestEnv(t, provider, nil, Options{MaxBatchSize: 3})

	subs := make([]Submission, 4)
	for i := range subs {
		subs[i] = Submission{RecordingID: int64(i + 1), Transcript: "t"}
	}
	_, err := env.q.AddBatch(subs, BatchOptions{})
	if errdefs.KindOf(err) != errdefs.KindInput {
		t.Errorf("err = %v, want Input kind", err)
	}
}

func TestBatchDedupCountsAsCompleted(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGen{soap: func(transcript, _ string) (string, error) {
		<-release
		return "S: " + transcript, nil
	}}
	defer close(release)

	provider := &stubProvider{name: "stub", fn: func(int) *stt.Result { return sttOK("x") }}
	env := newTestEnv(t, provider, gen, Options{Workers: 1})

	// A live task for recording 50 makes the batch member a duplicate.
	if _, ok := env.q.Add(Submission{
		RecordingID: 50,
		Transcript:  "live",
		Options:     ProcessOptions{GenerateSOAP: true},
	}); !ok {
		t.Fatal("live task rejected")
	}

	batchID, err := env.q.AddBatch([]Submission{
		{RecordingID: 50, Transcript: "duplicate"},
	}, BatchOptions{})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}

	waitUntil(t, func() bool {
		b, ok := env.q.BatchStatus(batchID)
		return ok && b.Done
	}, "batch done via dedup")

	b, _ := env.q.BatchStatus(batchID)
	if b.Completed != 1 || b.Total != 1 {
		t.Errorf("batch = %+v, want 1/1 completed", b)
	}
	if st := env.q.Status(); st.Stats.TotalDeduplicated != 1 {
		t.Errorf("total_deduplicated = %d, want 1", st.Stats.TotalDeduplicated)
	}
}

func TestReprocessFailedRecording(t *testing.T) {
	provider := &stubProvider{name: "stub", fn: func(int) *stt.Result { return sttOK("fresh transcript") }}
	env := newTestEnv(t, provider, nil, Options{})
	ctx := context.Background()

	// Seed a failed recording that already has a transcript and SOAP note.
	id, err := env.db.InsertRecording(ctx, &database.Recording{
		Filename:    "old.mp3",
		PatientName: "Grace",
		Transcript:  "kept transcript",
		SOAPNote:    "kept soap",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.db.MarkFailed(ctx, id, "boom"); err != nil {
		t.Fatal(err)
	}

	taskID, ok := env.q.Reprocess(id)
	if !ok {
		t.Fatal("Reprocess rejected a failed recording")
	}
	env.waitCompletion(t)

	snap, _ := env.q.TaskStatus(taskID)
	if snap.Status != TaskCompleted {
		t.Fatalf("status = %s", snap.Status)
	}
	// Populated artifacts are kept, not regenerated.
	rec, _ := env.db.GetRecording(ctx, id)
	if rec.Transcript != "kept transcript" || rec.SOAPNote != "kept soap" {
		t.Errorf("artifacts overwritten: %q / %q", rec.Transcript, rec.SOAPNote)
	}
	if rec.ProcessingStatus != database.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.ProcessingStatus)
	}
	if rec.ErrorMessage != "" {
		t.Errorf("error_message = %q, want cleared", rec.ErrorMessage)
	}
	if n := provider.calls.Load(); n != 0 {
		t.Errorf("STT called %d times despite existing transcript", n)
	}
}

func TestReprocessNonFailedReturnsFalse(t *testing.T) {
	provider := &stubProvider{name: "stub", fn: func(int) *stt.Result { return sttOK("x") }}
	env := newTestEnv(t, provider, nil, Options{})
	ctx := context.Background()

	id, err := env.db.InsertRecording(ctx, &database.Recording{Filename: "done.mp3", PatientName: "Henry"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.db.MarkCompleted(ctx, id, time.Now()); err != nil {
		t.Fatal(err)
	}

	if _, ok := env.q.Reprocess(id); ok {
		t.Error("Reprocess accepted a completed recording")
	}
	if _, ok := env.q.Reprocess(99999); ok {
		t.Error("Reprocess accepted a missing recording")
	}
}

func TestCancelQueuedTask(t *testing.T) {
	release := make(chan struct{})
	gen := &stubGen{soap: func(transcript, _ string) (string, error) {
		<-release
		return "S", nil
	}}
	defer close(release)

	provider := &stubProvider{name: "stub", fn: func(int) *stt.Result { return sttOK("x") }}
	env := newTestEnv(t, provider, gen, Options{Workers: 1})

	if _, ok := env.q.Add(Submission{
		RecordingID: 300, Transcript: "blocker", Options: ProcessOptions{GenerateSOAP: true},
	}); !ok {
		t.Fatal("blocker rejected")
	}
	waitUntil(t, func() bool { return env.q.Status().QueueSize == 0 }, "blocker picked up")

	taskID, ok := env.q.Add(Submission{RecordingID: 301, Transcript: "victim"})
	if !ok {
		t.Fatal("victim rejected")
	}
	if !env.q.Cancel(taskID) {
		t.Fatal("Cancel returned false for queued task")
	}

	snap, _ := env.q.TaskStatus(taskID)
	if snap.Status != TaskCancelled {
		t.Errorf("status = %s, want cancelled", snap.Status)
	}
	// The recording becomes submittable again immediately.
	if _, ok := env.q.Add(Submission{RecordingID: 301, Transcript: "victim"}); !ok {
		t.Error("resubmission after cancel rejected")
	}
}

func TestStatsConservation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	provider := &stubProvider{name: "stub", fn: func(call int) *stt.Result {
		if call == 0 {
			close(started)
			<-release
			return sttDown()
		}
		return sttOK("ok")
	}}
	env := newTestEnv(t, provider, nil, Options{})

	// A retries once then completes; a duplicate of A arrives while A is
	// mid-transcription; B needs no STT at all.
	if _, ok := env.q.Add(Submission{RecordingID: 400, AudioData: []byte("a")}); !ok {
		t.Fatal("A rejected")
	}
	<-started
	env.q.Add(Submission{RecordingID: 400, AudioData: []byte("a")}) // dedup
	close(release)
	if _, ok := env.q.Add(Submission{RecordingID: 401, Transcript: "b"}); !ok {
		t.Fatal("B rejected")
	}

	env.waitCompletion(t)
	env.waitCompletion(t)

	waitUntil(t, func() bool {
		s := env.q.Status().Stats
		return s.TotalProcessed+s.TotalFailed+s.TotalDeduplicated+s.TotalCancelled == s.TotalQueued
	}, "stats conservation")

	s := env.q.Status().Stats
	if s.TotalQueued != 3 || s.TotalProcessed != 2 || s.TotalDeduplicated != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPriorityOrdering(t *testing.T) {
	var h taskHeap
	heap.Push(&h, &queueItem{task: &Task{TaskID: "c"}, priority: 5, seq: 3})
	heap.Push(&h, &queueItem{task: &Task{TaskID: "a"}, priority: 1, seq: 2})
	heap.Push(&h, &queueItem{task: &Task{TaskID: "b"}, priority: 1, seq: 1})

	var got []string
	for h.Len() > 0 {
		got = append(got, heap.Pop(&h).(*queueItem).task.TaskID)
	}
	// lower priority first, insertion order within a priority
	want := []string{"b", "a", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pop order = %v, want %v", got, want)
		}
	}
}

func TestRetryDelayCurve(t *testing.T) {
	cases := []struct {
		count int
		want  time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := defaultRetryDelay(tc.count); got != tc.want {
			t.Errorf("defaultRetryDelay(%d) = %v, want %v", tc.count, got, tc.want)
		}
	}
}

func TestDefaultWorkersBounds(t *testing.T) {
	w := defaultWorkers()
	if w < 1 || w > 6 {
		t.Errorf("defaultWorkers = %d, want 1..6", w)
	}
}
