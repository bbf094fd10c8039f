// Package queue schedules engine runs under a fixed concurrency budget.
// Submission never blocks: tasks beyond capacity wait in line for a
// semaphore slot, and every lifecycle transition is timestamped so run
// durations can be reported.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// DefaultCapacity bounds simultaneously running tasks unless overridden.
const DefaultCapacity = 5

// Status is the lifecycle state of a queued task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Runnable is one unit of schedulable work. The context is cancelled when
// the task is cancelled; cooperative runnables check it between steps.
type Runnable func(ctx context.Context) (any, error)

// QueuedTask is the externally visible record of one submission.
type QueuedTask struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Result      any       `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Capacity  int `json:"capacity"`
	FreeSlots int `json:"free_slots"`
}

type taskState struct {
	QueuedTask
	cancel          context.CancelFunc
	cancelRequested bool
}

// Queue is a bounded-concurrency task scheduler, safe for concurrent
// Submit/Status/Cancel/Stats calls.
type Queue struct {
	mu       sync.Mutex
	sem      *semaphore.Weighted
	capacity int
	tasks    map[string]*taskState
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		tasks:    make(map[string]*taskState),
	}
}

// Submit enqueues fn and immediately begins attempting execution. An
// empty id gets a generated one. The returned id is the handle for
// Status and Cancel.
func (q *Queue) Submit(id string, fn Runnable) string {
	if id == "" {
		id = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())

	q.mu.Lock()
	q.tasks[id] = &taskState{
		QueuedTask: QueuedTask{
			ID:          id,
			Status:      StatusQueued,
			SubmittedAt: time.Now(),
		},
		cancel: cancel,
	}
	q.mu.Unlock()

	go q.execute(ctx, id, fn)
	return id
}

func (q *Queue) execute(ctx context.Context, id string, fn Runnable) {
	// Waiting for a slot is itself cancellable: a queued task whose
	// context dies goes straight to cancelled without ever running.
	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.finish(id, StatusCancelled, nil, "cancelled before start")
		return
	}
	defer q.sem.Release(1)

	q.mu.Lock()
	state, ok := q.tasks[id]
	if !ok || state.cancelRequested {
		q.mu.Unlock()
		q.finish(id, StatusCancelled, nil, "cancelled before start")
		return
	}
	state.Status = StatusRunning
	state.StartedAt = time.Now()
	q.mu.Unlock()

	result, err := q.runGuarded(ctx, fn)

	switch {
	case ctx.Err() != nil:
		q.finish(id, StatusCancelled, result, "cancelled while running")
	case err != nil:
		q.finish(id, StatusFailed, result, err.Error())
	default:
		q.finish(id, StatusCompleted, result, "")
	}
}

// runGuarded isolates the runnable: a panic becomes an error instead of
// taking down the queue's bookkeeping.
func (q *Queue) runGuarded(ctx context.Context, fn Runnable) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (q *Queue) finish(id string, status Status, result any, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.tasks[id]
	if !ok || state.Status.Terminal() {
		return
	}
	state.Status = status
	state.CompletedAt = time.Now()
	state.Result = result
	state.Error = reason
}

// Status returns a copy of the task record.
func (q *Queue) Status(id string) (QueuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.tasks[id]
	if !ok {
		return QueuedTask{}, false
	}
	return state.QueuedTask, true
}

// Cancel requests cooperative cancellation. It succeeds only once, and
// only while the task has not reached a terminal state; a task already
// past its last cancellation checkpoint proceeds to natural completion.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	state, ok := q.tasks[id]
	if !ok || state.Status.Terminal() || state.cancelRequested {
		q.mu.Unlock()
		return false
	}
	state.cancelRequested = true
	wasQueued := state.Status == StatusQueued
	if wasQueued {
		state.Status = StatusCancelled
		state.CompletedAt = time.Now()
		state.Error = "cancelled before start"
	}
	cancel := state.cancel
	q.mu.Unlock()

	cancel()
	return true
}

// Stats reports current queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Capacity: q.capacity}
	for _, state := range q.tasks {
		switch state.Status {
		case StatusQueued:
			stats.Queued++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	stats.FreeSlots = q.capacity - stats.Running
	return stats
}
