package queue

import (
	"github.com/rs/zerolog"

	"github.com/medscribe/scribe-engine/internal/database"
)

// BatchEvent names a batch progress callback phase.
type BatchEvent string

const (
	BatchStarted   BatchEvent = "started"
	BatchProgress  BatchEvent = "progress"
	BatchCompleted BatchEvent = "completed"
)

// Callbacks are the optional sinks the queue notifies. Every sink runs on the
// event dispatcher goroutine, never on a worker, and a panicking sink is
// logged and dropped without affecting the task that produced the event.
type Callbacks struct {
	// OnStatusChange fires on every task status transition.
	OnStatusChange func(taskID string, status TaskStatus, queueSize int)

	// OnCompletion fires when a task completes, with the persisted recording.
	OnCompletion func(taskID string, task TaskSnapshot, rec *database.Recording)

	// OnError fires once when a task reaches terminal failure.
	OnError func(taskID string, task TaskSnapshot, message string)

	// OnBatch fires on batch lifecycle transitions; current counts terminal
	// tasks so far.
	OnBatch func(event BatchEvent, batchID string, current, total int)
}

type event struct {
	// exactly one of the following groups is populated
	status    *statusEvent
	completed *completionEvent
	failed    *errorEvent
	batch     *batchEvent
}

type statusEvent struct {
	taskID    string
	status    TaskStatus
	queueSize int
}

type completionEvent struct {
	taskID string
	task   TaskSnapshot
	rec    *database.Recording
}

type errorEvent struct {
	taskID  string
	task    TaskSnapshot
	message string
}

type batchEvent struct {
	event   BatchEvent
	batchID string
	current int
	total   int
}

// dispatcher routes queue events to user callbacks from a single goroutine,
// isolating callback faults from the worker pool.
type dispatcher struct {
	events chan event
	done   chan struct{}
	sinks  Callbacks
	log    zerolog.Logger
}

func newDispatcher(sinks Callbacks, log zerolog.Logger) *dispatcher {
	d := &dispatcher{
		events: make(chan event, 256),
		done:   make(chan struct{}),
		sinks:  sinks,
		log:    log,
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for ev := range d.events {
		d.deliver(ev)
	}
}

func (d *dispatcher) deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("callback panicked")
		}
	}()

	switch {
	case ev.status != nil && d.sinks.OnStatusChange != nil:
		d.sinks.OnStatusChange(ev.status.taskID, ev.status.status, ev.status.queueSize)
	case ev.completed != nil && d.sinks.OnCompletion != nil:
		d.sinks.OnCompletion(ev.completed.taskID, ev.completed.task, ev.completed.rec)
	case ev.failed != nil && d.sinks.OnError != nil:
		d.sinks.OnError(ev.failed.taskID, ev.failed.task, ev.failed.message)
	case ev.batch != nil && d.sinks.OnBatch != nil:
		d.sinks.OnBatch(ev.batch.event, ev.batch.batchID, ev.batch.current, ev.batch.total)
	}
}

// emit enqueues an event, dropping it when the buffer is full rather than
// blocking a worker.
func (d *dispatcher) emit(ev event) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn().Msg("event buffer full, dropping callback event")
	}
}

// close stops the dispatcher after draining queued events.
func (d *dispatcher) close() {
	close(d.events)
	<-d.done
}
