package api

import (
	"net/http"

	"github.com/medscribe/scribe-engine/internal/queue"
)

// StatusHandler serves read-only queue snapshots.
type StatusHandler struct {
	q *queue.ProcessingQueue
}

func NewStatusHandler(q *queue.ProcessingQueue) *StatusHandler {
	return &StatusHandler{q: q}
}

// QueueStatus returns the queue-wide snapshot.
func (h *StatusHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.q.Status())
}

// Task returns one task snapshot by id.
func (h *StatusHandler) Task(w http.ResponseWriter, r *http.Request) {
	taskID, err := PathString(r, "taskID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, ok := h.q.TaskStatus(taskID)
	if !ok {
		WriteError(w, http.StatusNotFound, "task not found")
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// Batch returns one batch snapshot by id.
func (h *StatusHandler) Batch(w http.ResponseWriter, r *http.Request) {
	batchID, err := PathString(r, "batchID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, ok := h.q.BatchStatus(batchID)
	if !ok {
		WriteError(w, http.StatusNotFound, "batch not found")
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}
