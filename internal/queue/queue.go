// Package queue implements the prioritized background processing core: a
// deduplicating priority queue, a dispatcher, a worker pool, per-task retry
// with backoff, and batch progress accounting. It is the in-process API the
// rest of the application submits recordings through.
package queue

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/database"
	"github.com/medscribe/scribe-engine/internal/errdefs"
	"github.com/medscribe/scribe-engine/internal/generate"
	"github.com/medscribe/scribe-engine/internal/metrics"
	"github.com/medscribe/scribe-engine/internal/storage"
	"github.com/medscribe/scribe-engine/internal/stt"
)

const (
	// DefaultPriority applies when a submission carries no priority.
	DefaultPriority = 5
	// MinPriority and MaxPriority bound accepted priorities; lower runs
	// sooner.
	MinPriority = 0
	MaxPriority = 10

	defaultMaxBatchSize      = 100
	defaultMaxCompletedTasks = 1000
	defaultMaxRetryAttempts  = 3
	maxRetryDelay            = 30 * time.Second
)

// Options tunes the processing queue. Zero values select defaults.
type Options struct {
	// Workers is the worker pool size; 0 derives min(NumCPU-1, 6), at
	// least 1.
	Workers int
	// MaxRetryAttempts caps automatic retries per task.
	MaxRetryAttempts int
	// DisableAutoRetry turns off automatic re-enqueue of retryable failures.
	DisableAutoRetry bool
	// MaxBatchSize caps the number of submissions in one batch.
	MaxBatchSize int
	// MaxCompletedTasks bounds each terminal-task map; the oldest entries
	// by terminal time are pruned beyond it.
	MaxCompletedTasks int

	Log zerolog.Logger

	// retryDelay is a test seam; the default doubles from 500ms capped at
	// 30s.
	retryDelay func(retryCount int) time.Duration
}

// Stats are the queue's monotonic counters. TotalQueued counts every valid
// submission, including deduplicated ones, so at steady state
// TotalProcessed + TotalFailed + TotalDeduplicated + TotalCancelled ==
// TotalQueued.
type Stats struct {
	TotalQueued       int64 `json:"total_queued"`
	TotalProcessed    int64 `json:"total_processed"`
	TotalFailed       int64 `json:"total_failed"`
	TotalDeduplicated int64 `json:"total_deduplicated"`
	TotalRetried      int64 `json:"total_retried"`
	TotalCancelled    int64 `json:"total_cancelled"`
}

// QueueStatus is a point-in-time snapshot of the queue.
type QueueStatus struct {
	QueueSize int   `json:"queue_size"`
	Active    int   `json:"active"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Cancelled int   `json:"cancelled"`
	Workers   int   `json:"workers"`
	Stats     Stats `json:"stats"`
}

// BatchOptions carries opaque batch metadata persisted with the batch row.
type BatchOptions struct {
	Options string
}

// BatchSnapshot is a read-only copy of a batch's progress.
type BatchSnapshot struct {
	BatchID     string     `json:"batch_id"`
	Total       int        `json:"total"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	Cancelled   int        `json:"cancelled"`
	Done        bool       `json:"done"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type batchState struct {
	id        string
	total     int
	completed int
	failed    int
	cancelled int
	taskIDs   []string
	startedAt time.Time
	doneAt    *time.Time
}

func (b *batchState) terminal() int { return b.completed + b.failed + b.cancelled }
func (b *batchState) done() bool    { return b.doneAt != nil }

// ProcessingQueue owns all in-memory task state. One instance per process.
type ProcessingQueue struct {
	opts  Options
	db    *database.DB
	store *storage.LocalStore
	stt   *stt.Failover
	gen   generate.Generators
	disp  *dispatcher
	log   zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	heap      taskHeap
	seq       uint64
	active    map[string]*Task
	completed map[string]*Task
	failed    map[string]*Task
	cancelled map[string]*Task
	batches   map[string]*batchState
	recToTask map[int64]string
	stats     Stats
	closed    bool

	wake         chan struct{}
	work         chan *Task
	stopDispatch chan struct{}
	dispatchDone chan struct{}
	workerWG     sync.WaitGroup
}

// New builds and starts a processing queue: the dispatcher, the worker pool,
// and the event dispatcher all begin running.
func New(db *database.DB, store *storage.LocalStore, failover *stt.Failover,
	gen generate.Generators, sinks Callbacks, opts Options) *ProcessingQueue {

	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers()
	}
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaultMaxBatchSize
	}
	if opts.MaxCompletedTasks <= 0 {
		opts.MaxCompletedTasks = defaultMaxCompletedTasks
	}
	if opts.retryDelay == nil {
		opts.retryDelay = defaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &ProcessingQueue{
		opts:         opts,
		db:           db,
		store:        store,
		stt:          failover,
		gen:          gen,
		disp:         newDispatcher(sinks, opts.Log),
		log:          opts.Log,
		baseCtx:      ctx,
		baseCancel:   cancel,
		active:       make(map[string]*Task),
		completed:    make(map[string]*Task),
		failed:       make(map[string]*Task),
		cancelled:    make(map[string]*Task),
		batches:      make(map[string]*batchState),
		recToTask:    make(map[int64]string),
		wake:         make(chan struct{}, 1),
		work:         make(chan *Task),
		stopDispatch: make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	go q.dispatch()
	for i := 0; i < opts.Workers; i++ {
		q.workerWG.Add(1)
		go q.worker()
	}
	return q
}

func defaultWorkers() int {
	w := runtime.NumCPU() - 1
	if w > 6 {
		w = 6
	}
	if w < 1 {
		w = 1
	}
	return w
}

// defaultRetryDelay doubles from 500ms per prior retry, capped at 30s.
func defaultRetryDelay(retryCount int) time.Duration {
	d := 500 * time.Millisecond << uint(retryCount)
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}
	return d
}

// Add submits one recording. It returns the assigned task id, or ("", false)
// when the submission is invalid, the queue is shut down, or a live task for
// the same recording already exists (deduplication).
func (q *ProcessingQueue) Add(sub Submission) (string, bool) {
	if sub.RecordingID <= 0 || (len(sub.AudioData) == 0 && sub.Transcript == "") {
		return "", false
	}

	q.mu.Lock()
	taskID, accepted := q.addLocked(sub)
	q.mu.Unlock()

	if accepted {
		// Seed the recording row so the executor has something to update.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.db.EnsureRecording(ctx, sub.RecordingID, "", sub.PatientName); err != nil {
			q.log.Error().Err(err).Int64("recording_id", sub.RecordingID).Msg("ensure recording row")
		}
		q.wakeDispatcher()
	}
	return taskID, accepted
}

// addLocked performs admission under q.mu. It handles dedup, batch
// accounting, and the queued event.
func (q *ProcessingQueue) addLocked(sub Submission) (string, bool) {
	if q.closed {
		return "", false
	}
	q.stats.TotalQueued++
	metrics.TasksQueuedTotal.Inc()

	var b *batchState
	if sub.batchID != "" {
		b = q.batches[sub.batchID]
	}

	if _, live := q.recToTask[sub.RecordingID]; live {
		q.stats.TotalDeduplicated++
		metrics.TasksDeduplicatedTotal.Inc()
		if b != nil {
			// A deduplicated batch member counts as already done.
			b.completed++
			q.checkBatchLocked(b)
		}
		return "", false
	}

	priority := DefaultPriority
	if sub.Priority != nil {
		priority = *sub.Priority
	}
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	ctx, cancel := context.WithCancel(q.baseCtx)
	t := &Task{
		TaskID:      uuid.NewString(),
		RecordingID: sub.RecordingID,
		AudioData:   sub.AudioData,
		Transcript:  sub.Transcript,
		PatientName: sub.PatientName,
		Context:     sub.Context,
		Options:     sub.Options,
		Priority:    priority,
		BatchID:     sub.batchID,
		QueuedAt:    time.Now(),
		Status:      TaskQueued,
		ctx:         ctx,
		cancelCtx:   cancel,
	}

	q.active[t.TaskID] = t
	q.recToTask[t.RecordingID] = t.TaskID
	if b != nil {
		b.taskIDs = append(b.taskIDs, t.TaskID)
	}
	q.pushLocked(t, priority)
	q.emitStatusLocked(t)
	return t.TaskID, true
}

// AddBatch submits a group of recordings under one batch id. The batch total
// always equals len(subs); deduplicated members count as completed and
// invalid ones as failed.
func (q *ProcessingQueue) AddBatch(subs []Submission, opts BatchOptions) (string, error) {
	if len(subs) == 0 {
		return "", errdefs.New(errdefs.KindInput, "empty batch")
	}
	if len(subs) > q.opts.MaxBatchSize {
		return "", errdefs.New(errdefs.KindInput,
			"batch size %d exceeds maximum %d", len(subs), q.opts.MaxBatchSize)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", errdefs.New(errdefs.KindInput, "queue is shut down")
	}
	q.mu.Unlock()

	batchID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.db.InsertBatch(ctx, &database.Batch{
		BatchID:    batchID,
		TotalCount: len(subs),
		Options:    opts.Options,
	}); err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", errdefs.New(errdefs.KindInput, "queue is shut down")
	}
	b := &batchState{id: batchID, total: len(subs), startedAt: time.Now()}
	q.batches[batchID] = b
	q.disp.emit(event{batch: &batchEvent{event: BatchStarted, batchID: batchID, total: b.total}})

	for _, sub := range subs {
		if sub.RecordingID <= 0 || (len(sub.AudioData) == 0 && sub.Transcript == "") {
			b.failed++
			q.checkBatchLocked(b)
			continue
		}
		sub.batchID = batchID
		if _, accepted := q.addLocked(sub); accepted {
			go q.ensureRow(sub.RecordingID, sub.PatientName)
		}
	}
	q.persistBatchLocked(b)
	q.mu.Unlock()

	q.wakeDispatcher()
	return batchID, nil
}

func (q *ProcessingQueue) ensureRow(recordingID int64, patientName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.db.EnsureRecording(ctx, recordingID, "", patientName); err != nil {
		q.log.Error().Err(err).Int64("recording_id", recordingID).Msg("ensure recording row")
	}
}

// Cancel cancels a task. Queued tasks are cancelled synchronously; a
// processing task is signalled cooperatively and finalizes itself when the
// worker reaches its next cancellation check.
func (q *ProcessingQueue) Cancel(taskID string) bool {
	q.mu.Lock()
	t, ok := q.active[taskID]
	if !ok || q.closed {
		q.mu.Unlock()
		return false
	}

	switch t.Status {
	case TaskQueued:
		q.finalizeCancelledLocked(t)
		q.mu.Unlock()
		q.markCancelledRow(t.RecordingID)
		return true
	case TaskProcessing:
		t.cancelled.Store(true)
		t.cancelCtx()
		q.mu.Unlock()
		return true
	default:
		q.mu.Unlock()
		return false
	}
}

// CancelBatch cancels every cancellable task in the batch, returning the
// count cancelled.
func (q *ProcessingQueue) CancelBatch(batchID string) int {
	q.mu.Lock()
	b, ok := q.batches[batchID]
	if !ok {
		q.mu.Unlock()
		return 0
	}
	ids := make([]string, len(b.taskIDs))
	copy(ids, b.taskIDs)
	q.mu.Unlock()

	n := 0
	for _, id := range ids {
		if q.Cancel(id) {
			n++
		}
	}
	return n
}

// Reprocess resubmits a failed recording at priority 3, regenerating only
// the artifacts that are still empty. Returns ("", false) when the recording
// is absent or not in the failed state.
func (q *ProcessingQueue) Reprocess(recordingID int64) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec, err := q.db.GetRecording(ctx, recordingID)
	if err != nil {
		q.log.Error().Err(err).Int64("recording_id", recordingID).Msg("load recording for reprocess")
		return "", false
	}
	if rec == nil || rec.ProcessingStatus != database.StatusFailed {
		return "", false
	}
	if err := q.db.ResetForReprocess(ctx, recordingID); err != nil {
		q.log.Error().Err(err).Int64("recording_id", recordingID).Msg("reset recording for reprocess")
		return "", false
	}

	var audio []byte
	if rec.Transcript == "" && rec.AudioPath != "" {
		audio, err = q.store.Load(ctx, rec.AudioPath)
		if err != nil {
			q.log.Warn().Err(err).Str("path", rec.AudioPath).Msg("audio missing for reprocess")
			audio = nil
		}
	}

	return q.Add(Submission{
		RecordingID: recordingID,
		AudioData:   audio,
		Transcript:  rec.Transcript,
		PatientName: rec.PatientName,
		Context:     rec.Metadata,
		Options: ProcessOptions{
			GenerateSOAP:     rec.SOAPNote == "",
			GenerateReferral: rec.Referral == "",
			GenerateLetter:   rec.Letter == "",
		},
		Priority: Priority(3),
	})
}

// Status returns a point-in-time snapshot of the queue.
func (q *ProcessingQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{
		QueueSize: q.heap.Len(),
		Active:    len(q.active),
		Completed: len(q.completed),
		Failed:    len(q.failed),
		Cancelled: len(q.cancelled),
		Workers:   q.opts.Workers,
		Stats:     q.stats,
	}
}

// TaskStatus returns a snapshot of one task, live or terminal.
func (q *ProcessingQueue) TaskStatus(taskID string) (TaskSnapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range []map[string]*Task{q.active, q.completed, q.failed, q.cancelled} {
		if t, ok := m[taskID]; ok {
			return t.snapshot(), true
		}
	}
	return TaskSnapshot{}, false
}

// BatchStatus returns a snapshot of one batch.
func (q *ProcessingQueue) BatchStatus(batchID string) (BatchSnapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.batches[batchID]
	if !ok {
		return BatchSnapshot{}, false
	}
	return BatchSnapshot{
		BatchID:     b.id,
		Total:       b.total,
		Completed:   b.completed,
		Failed:      b.failed,
		Cancelled:   b.cancelled,
		Done:        b.done(),
		StartedAt:   b.startedAt,
		CompletedAt: b.doneAt,
	}, true
}

// Shutdown stops the queue. With wait=true in-flight tasks drain; with
// wait=false their contexts are cancelled first. Queued tasks that never
// started remain unprocessed either way.
func (q *ProcessingQueue) Shutdown(wait bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	if !wait {
		q.baseCancel()
	}

	close(q.stopDispatch)
	<-q.dispatchDone
	close(q.work)
	q.workerWG.Wait()
	q.disp.close()
	q.baseCancel()
	q.log.Info().Msg("processing queue stopped")
}

// --- dispatch & workers ---

func (q *ProcessingQueue) wakeDispatcher() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch moves tasks from the priority heap to the worker pool. It wakes
// on new work and polls every second as a backstop.
func (q *ProcessingQueue) dispatch() {
	defer close(q.dispatchDone)
	for {
		select {
		case <-q.stopDispatch:
			return
		case <-q.wake:
		case <-time.After(time.Second):
		}

		for {
			t := q.pop()
			if t == nil {
				break
			}
			select {
			case q.work <- t:
			case <-q.stopDispatch:
				q.pushBack(t)
				return
			}
		}
	}
}

// pop removes the soonest queued task, skipping entries cancelled while
// still on the heap.
func (q *ProcessingQueue) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() > 0 {
		item := heap.Pop(&q.heap).(*queueItem)
		metrics.QueueDepth.Set(float64(q.heap.Len()))
		if item.task.Status == TaskQueued {
			return item.task
		}
	}
	return nil
}

func (q *ProcessingQueue) pushBack(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.Status == TaskQueued {
		q.pushLocked(t, t.Priority)
	}
}

func (q *ProcessingQueue) pushLocked(t *Task, priority int) {
	q.seq++
	heap.Push(&q.heap, &queueItem{task: t, priority: priority, seq: q.seq})
	metrics.QueueDepth.Set(float64(q.heap.Len()))
}

func (q *ProcessingQueue) worker() {
	defer q.workerWG.Done()
	for t := range q.work {
		q.runTask(t)
	}
}

func (q *ProcessingQueue) runTask(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Str("task_id", t.TaskID).Msg("task executor panicked")
			q.handleFailure(t, errdefs.New(errdefs.KindUnknown, "executor panic: %v", r))
		}
	}()

	if t.Cancelled() {
		q.finalizeCancelled(t)
		return
	}

	q.mu.Lock()
	if t.Status != TaskQueued {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	t.Status = TaskProcessing
	t.StartedAt = &now
	q.emitStatusLocked(t)
	q.mu.Unlock()

	err := q.execute(t)
	switch {
	case err == nil:
		q.finalizeCompleted(t)
	case isCancelled(err):
		q.finalizeCancelled(t)
	default:
		q.handleFailure(t, err)
	}
}

// handleFailure decides between a scheduled retry and terminal failure.
func (q *ProcessingQueue) handleFailure(t *Task, err error) {
	retryable := errdefs.Retryable(err) && !q.opts.DisableAutoRetry

	q.mu.Lock()
	if retryable && t.RetryCount < q.opts.MaxRetryAttempts && !q.closed && !t.Cancelled() {
		delay := q.opts.retryDelay(t.RetryCount)
		t.RetryCount++
		t.LastError = err.Error()
		t.Status = TaskQueued
		q.stats.TotalRetried++
		metrics.TasksRetriedTotal.Inc()
		q.emitStatusLocked(t)
		q.mu.Unlock()

		q.persistRetryCount(t)
		q.log.Warn().Err(err).
			Str("task_id", t.TaskID).
			Int("retry", t.RetryCount).
			Dur("delay", delay).
			Msg("task failed, retry scheduled")

		// One-shot timer re-enqueues at priority-1 so the retry jumps
		// ahead of its peers.
		time.AfterFunc(delay, func() { q.requeueRetry(t) })
		return
	}
	q.finalizeFailedLocked(t, err)
	q.mu.Unlock()

	q.persistFailure(t)
}

func (q *ProcessingQueue) requeueRetry(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || t.Status != TaskQueued {
		return
	}
	if t.Cancelled() {
		q.finalizeCancelledLocked(t)
		go q.markCancelledRow(t.RecordingID)
		return
	}
	if t.Priority > MinPriority {
		t.Priority--
	}
	q.pushLocked(t, t.Priority)
	q.wakeDispatcher()
}

// --- terminal transitions ---

func (q *ProcessingQueue) finalizeCompleted(t *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := q.db.MarkCompleted(ctx, t.RecordingID, time.Now()); err != nil {
		q.log.Error().Err(err).Int64("recording_id", t.RecordingID).Msg("mark completed")
	}
	rec, err := q.db.GetRecording(ctx, t.RecordingID)
	if err != nil {
		q.log.Error().Err(err).Int64("recording_id", t.RecordingID).Msg("load completed recording")
	}

	q.mu.Lock()
	t.Status = TaskCompleted
	t.terminalAt = time.Now()
	delete(q.active, t.TaskID)
	delete(q.recToTask, t.RecordingID)
	q.completed[t.TaskID] = t
	q.pruneLocked(q.completed)
	q.stats.TotalProcessed++
	metrics.TasksProcessedTotal.Inc()
	q.emitStatusLocked(t)
	snap := t.snapshot()
	if b := q.batches[t.BatchID]; b != nil {
		b.completed++
		q.checkBatchLocked(b)
	}
	q.mu.Unlock()

	q.disp.emit(event{completed: &completionEvent{taskID: t.TaskID, task: snap, rec: rec}})
}

// finalizeFailedLocked marks terminal failure; caller holds q.mu and must
// call persistFailure afterwards.
func (q *ProcessingQueue) finalizeFailedLocked(t *Task, err error) {
	t.Status = TaskFailed
	t.LastError = err.Error()
	t.terminalAt = time.Now()
	delete(q.active, t.TaskID)
	delete(q.recToTask, t.RecordingID)
	q.failed[t.TaskID] = t
	q.pruneLocked(q.failed)
	q.stats.TotalFailed++
	metrics.TasksFailedTotal.Inc()
	q.emitStatusLocked(t)
	snap := t.snapshot()
	if b := q.batches[t.BatchID]; b != nil {
		b.failed++
		q.checkBatchLocked(b)
	}
	q.disp.emit(event{failed: &errorEvent{taskID: t.TaskID, task: snap, message: t.LastError}})
}

func (q *ProcessingQueue) finalizeCancelled(t *Task) {
	q.mu.Lock()
	q.finalizeCancelledLocked(t)
	q.mu.Unlock()
	q.markCancelledRow(t.RecordingID)
}

// finalizeCancelledLocked transitions to cancelled. Artifacts already
// persisted by the executor stay in the database.
func (q *ProcessingQueue) finalizeCancelledLocked(t *Task) {
	if t.Status.Terminal() {
		return
	}
	t.Status = TaskCancelled
	t.terminalAt = time.Now()
	t.cancelCtx()
	delete(q.active, t.TaskID)
	delete(q.recToTask, t.RecordingID)
	q.cancelled[t.TaskID] = t
	q.pruneLocked(q.cancelled)
	q.stats.TotalCancelled++
	metrics.TasksCancelledTotal.Inc()
	q.emitStatusLocked(t)
	if b := q.batches[t.BatchID]; b != nil {
		b.cancelled++
		q.checkBatchLocked(b)
	}
}

func (q *ProcessingQueue) markCancelledRow(recordingID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.db.MarkCancelled(ctx, recordingID); err != nil {
		q.log.Error().Err(err).Int64("recording_id", recordingID).Msg("mark cancelled")
	}
}

func (q *ProcessingQueue) persistFailure(t *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.db.MarkFailed(ctx, t.RecordingID, t.LastError); err != nil {
		q.log.Error().Err(err).Int64("recording_id", t.RecordingID).Msg("mark failed")
	}
	if err := q.db.SetRetryCount(ctx, t.RecordingID, t.RetryCount); err != nil {
		q.log.Error().Err(err).Int64("recording_id", t.RecordingID).Msg("set retry count")
	}
}

func (q *ProcessingQueue) persistRetryCount(t *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.db.SetRetryCount(ctx, t.RecordingID, t.RetryCount); err != nil {
		q.log.Error().Err(err).Int64("recording_id", t.RecordingID).Msg("set retry count")
	}
}

// pruneLocked bounds a terminal-task map by dropping the oldest entries.
func (q *ProcessingQueue) pruneLocked(m map[string]*Task) {
	for len(m) > q.opts.MaxCompletedTasks {
		var oldestID string
		var oldestAt time.Time
		for id, t := range m {
			if oldestID == "" || t.terminalAt.Before(oldestAt) {
				oldestID = id
				oldestAt = t.terminalAt
			}
		}
		delete(m, oldestID)
	}
}

// --- batch accounting ---

// checkBatchLocked fires progress and, when every member is terminal,
// completion. Caller holds q.mu.
func (q *ProcessingQueue) checkBatchLocked(b *batchState) {
	if b == nil || b.done() {
		return
	}
	q.disp.emit(event{batch: &batchEvent{
		event: BatchProgress, batchID: b.id, current: b.terminal(), total: b.total,
	}})
	if b.terminal() < b.total {
		return
	}
	now := time.Now()
	b.doneAt = &now
	metrics.BatchesCompletedTotal.Inc()
	q.disp.emit(event{batch: &batchEvent{
		event: BatchCompleted, batchID: b.id, current: b.terminal(), total: b.total,
	}})
	go q.completeBatchRow(b.id, b.total, b.completed, b.failed, now)
}

func (q *ProcessingQueue) persistBatchLocked(b *batchState) {
	go func(id string, total, completed, failed int) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.db.UpdateBatchCounts(ctx, id, total, completed, failed); err != nil {
			q.log.Error().Err(err).Str("batch_id", id).Msg("update batch counts")
		}
	}(b.id, b.total, b.completed, b.failed)
}

func (q *ProcessingQueue) completeBatchRow(id string, total, completed, failed int, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.db.UpdateBatchCounts(ctx, id, total, completed, failed); err != nil {
		q.log.Error().Err(err).Str("batch_id", id).Msg("update batch counts")
	}
	if err := q.db.CompleteBatch(ctx, id, at); err != nil {
		q.log.Error().Err(err).Str("batch_id", id).Msg("complete batch")
	}
}

func (q *ProcessingQueue) emitStatusLocked(t *Task) {
	q.disp.emit(event{status: &statusEvent{
		taskID: t.TaskID, status: t.Status, queueSize: q.heap.Len(),
	}})
}
