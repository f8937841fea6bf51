package queue

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"
)

// TaskStatus is the in-memory lifecycle state of a task. Terminal states are
// completed, failed, and cancelled.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions occur from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ProcessOptions selects which artifacts the executor generates.
type ProcessOptions struct {
	GenerateSOAP     bool
	GenerateReferral bool
	GenerateLetter   bool
}

// Submission is the public payload accepted by the queue.
type Submission struct {
	RecordingID int64
	// AudioData is the raw audio; nil when Transcript is already populated.
	AudioData  []byte
	Transcript string

	PatientName string
	// Context is free-form clinical context injected into the SOAP prompt.
	Context string

	Options ProcessOptions

	// Priority 0..10, lower runs sooner. Zero value means DefaultPriority.
	Priority *int

	batchID string
}

// Priority is a convenience for building Submission literals.
func Priority(p int) *int { return &p }

// Result holds the artifacts of a finished task.
type Result struct {
	Transcript string
	SOAPNote   string
	Referral   string
	Letter     string
	Provider   string
}

// Task is the in-memory handle for an in-flight recording.
type Task struct {
	TaskID      string
	RecordingID int64
	AudioData   []byte
	Transcript  string
	PatientName string
	Context     string
	Options     ProcessOptions
	Priority    int
	BatchID     string

	QueuedAt  time.Time
	StartedAt *time.Time

	Status     TaskStatus
	RetryCount int
	LastError  string
	Result     *Result

	// terminalAt orders pruning of finished tasks.
	terminalAt time.Time

	ctx       context.Context
	cancelCtx context.CancelFunc
	cancelled atomic.Bool
}

// Cancelled reports whether cooperative cancellation was requested.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load() || t.ctx.Err() != nil
}

// TaskSnapshot is a read-only copy of a task's observable state.
type TaskSnapshot struct {
	TaskID      string     `json:"task_id"`
	RecordingID int64      `json:"recording_id"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	RetryCount  int        `json:"retry_count"`
	BatchID     string     `json:"batch_id,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Result      *Result    `json:"result,omitempty"`
}

func (t *Task) snapshot() TaskSnapshot {
	snap := TaskSnapshot{
		TaskID:      t.TaskID,
		RecordingID: t.RecordingID,
		Status:      t.Status,
		Priority:    t.Priority,
		RetryCount:  t.RetryCount,
		BatchID:     t.BatchID,
		QueuedAt:    t.QueuedAt,
		StartedAt:   t.StartedAt,
		LastError:   t.LastError,
	}
	if t.Result != nil {
		r := *t.Result
		snap.Result = &r
	}
	return snap
}

// queueItem is one entry in the priority heap. Ties on priority break by
// insertion sequence so equal-priority tasks run in submission order.
type queueItem struct {
	task     *Task
	priority int
	seq      uint64
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*taskHeap)(nil)
