package usecase

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
	"github.com/kirillkom/scanmate-sync/internal/core/ports"
)

type queuedTask struct {
	task    domain.SyncTask
	summary domain.TaskSummary
}

// SyncQueue is the ordered, deduplicated list of sync tasks. The head stays in
// place until CompleteHead, which is what makes failed tasks retry.
//
// Every enqueued task gets a sequence number. CompleteHead and MarkHeadFailed
// take the sequence of the task the caller dequeued and are no-ops when the
// head has changed since, e.g. after Drain.
type SyncQueue struct {
	clock ports.Clock

	mu      sync.Mutex
	tasks   []*queuedTask
	lastSeq uint64
}

func NewSyncQueue(clock ports.Clock) *SyncQueue {
	if clock == nil {
		clock = systemClock{}
	}
	return &SyncQueue{clock: clock}
}

// Enqueue appends the task unless one with the same key is already pending or
// in flight. It reports whether the task was added.
func (q *SyncQueue) Enqueue(task domain.SyncTask) (bool, error) {
	if strings.TrimSpace(task.DocumentID) == "" {
		return false, domain.WrapError(domain.ErrInvalidInput, "enqueue sync task", fmt.Errorf("empty document id"))
	}
	if !task.Kind.Valid() {
		return false, domain.WrapError(domain.ErrInvalidInput, "enqueue sync task", fmt.Errorf("unknown kind %q", task.Kind))
	}
	if task.ID == "" {
		task.ID = domain.TaskKey(task.DocumentID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, queued := range q.tasks {
		if queued.task.ID == task.ID {
			return false, nil
		}
	}
	q.lastSeq++
	task.Seq = q.lastSeq
	q.tasks = append(q.tasks, &queuedTask{
		task: task,
		summary: domain.TaskSummary{
			ID:         task.ID,
			Kind:       task.Kind,
			DocumentID: task.DocumentID,
			State:      domain.TaskPending,
			EnqueuedAt: q.clock.Now(),
		},
	})
	return true, nil
}

// DequeueNext returns the head without removing it and marks it syncing.
func (q *SyncQueue) DequeueNext() (domain.SyncTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return domain.SyncTask{}, false
	}
	head := q.tasks[0]
	head.summary.State = domain.TaskSyncing
	return head.task, true
}

// CompleteHead removes the head if it is still the task with seq.
func (q *SyncQueue) CompleteHead(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.holdsHeadLocked(seq) {
		return false
	}
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return true
}

// MarkHeadFailed records the failure and puts the head back to pending. The
// task keeps its position.
func (q *SyncQueue) MarkHeadFailed(seq uint64, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.holdsHeadLocked(seq) {
		return false
	}
	head := q.tasks[0]
	head.summary.State = domain.TaskPending
	head.summary.Attempts++
	if cause != nil {
		head.summary.Error = cause.Error()
	}
	return true
}

// HoldsHead reports whether the task with seq is still at the head.
func (q *SyncQueue) HoldsHead(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.holdsHeadLocked(seq)
}

// Drain drops every task, including one in flight, and returns how many were
// dropped. Document statuses are not touched.
func (q *SyncQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tasks)
	q.tasks = nil
	return n
}

func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Snapshot returns the task summaries in processing order.
func (q *SyncQueue) Snapshot() []domain.TaskSummary {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.TaskSummary, 0, len(q.tasks))
	for _, queued := range q.tasks {
		out = append(out, queued.summary)
	}
	return out
}

func (q *SyncQueue) holdsHeadLocked(seq uint64) bool {
	return len(q.tasks) > 0 && q.tasks[0].task.Seq == seq
}
