package bulk

import (
	"sync"

	"github.com/sells-group/supplier-backfill/internal/model"
)

// Queue is the shared task queue. Workers pop from the front; the lock is
// held only for the pop itself, never across a scrape.
type Queue struct {
	mu    sync.Mutex
	tasks []model.BackfillTask
}

// NewQueue creates a queue holding a copy of tasks.
func NewQueue(tasks []model.BackfillTask) *Queue {
	return &Queue{tasks: append([]model.BackfillTask(nil), tasks...)}
}

// Pop removes and returns the front task.
func (q *Queue) Pop() (model.BackfillTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return model.BackfillTask{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = model.BackfillTask{}
	q.tasks = q.tasks[1:]
	return t, true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Snapshot returns a copy of the queued tasks.
func (q *Queue) Snapshot() []model.BackfillTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.BackfillTask(nil), q.tasks...)
}

// Clear drops every queued task and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tasks)
	q.tasks = nil
	return n
}
