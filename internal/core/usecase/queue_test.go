package usecase

import (
	"errors"
	"testing"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
)

func uploadTask(documentID string) domain.SyncTask {
	return domain.SyncTask{Kind: domain.TaskUpload, DocumentID: documentID, Payload: domain.TaskPayload{OwnerID: "owner-1"}}
}

func TestQueueEnqueueDeduplicatesPerDocument(t *testing.T) {
	q := NewSyncQueue(newStepClock())

	added, err := q.Enqueue(uploadTask("a"))
	if err != nil || !added {
		t.Fatalf("first Enqueue() = %v, %v", added, err)
	}
	added, err = q.Enqueue(uploadTask("a"))
	if err != nil || added {
		t.Fatalf("duplicate pending Enqueue() = %v, %v", added, err)
	}

	if _, ok := q.DequeueNext(); !ok {
		t.Fatalf("expected a head task")
	}
	resolve := domain.SyncTask{Kind: domain.TaskResolveConflict, DocumentID: "a"}
	if added, _ := q.Enqueue(resolve); added {
		t.Fatalf("enqueue must dedupe against an in-flight task of another kind")
	}
	if q.Len() != 1 {
		t.Fatalf("expected exactly one task, got %d", q.Len())
	}
}

func TestQueueEnqueueValidates(t *testing.T) {
	q := NewSyncQueue(nil)
	if _, err := q.Enqueue(domain.SyncTask{Kind: domain.TaskUpload}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty document id, got %v", err)
	}
	if _, err := q.Enqueue(domain.SyncTask{Kind: "delete", DocumentID: "a"}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown kind, got %v", err)
	}
}

func TestQueueHeadStaysUntilCompleted(t *testing.T) {
	q := NewSyncQueue(nil)
	_, _ = q.Enqueue(uploadTask("a"))
	_, _ = q.Enqueue(uploadTask("b"))

	head, ok := q.DequeueNext()
	if !ok || head.DocumentID != "a" || head.ID != domain.TaskKey("a") {
		t.Fatalf("unexpected head %+v", head)
	}
	if snap := q.Snapshot(); snap[0].State != domain.TaskSyncing || snap[1].State != domain.TaskPending {
		t.Fatalf("unexpected states %+v", snap)
	}

	if !q.MarkHeadFailed(head.Seq, errors.New("network down")) {
		t.Fatalf("MarkHeadFailed() should apply to the current head")
	}
	snap := q.Snapshot()
	if snap[0].DocumentID != "a" || snap[0].State != domain.TaskPending || snap[0].Error != "network down" || snap[0].Attempts != 1 {
		t.Fatalf("failed head must stay in place as pending, got %+v", snap[0])
	}

	again, _ := q.DequeueNext()
	if again.Seq != head.Seq {
		t.Fatalf("expected the same head after failure")
	}
	if !q.CompleteHead(again.Seq) {
		t.Fatalf("CompleteHead() should remove the head")
	}
	next, _ := q.DequeueNext()
	if next.DocumentID != "b" {
		t.Fatalf("expected b next, got %+v", next)
	}
}

func TestQueueStaleSeqIsIgnoredAfterDrain(t *testing.T) {
	q := NewSyncQueue(nil)
	_, _ = q.Enqueue(uploadTask("a"))
	stale, _ := q.DequeueNext()

	if n := q.Drain(); n != 1 {
		t.Fatalf("Drain() = %d, want 1", n)
	}
	_, _ = q.Enqueue(uploadTask("a"))

	if q.CompleteHead(stale.Seq) {
		t.Fatalf("stale CompleteHead() must be a no-op")
	}
	if q.MarkHeadFailed(stale.Seq, errors.New("late")) {
		t.Fatalf("stale MarkHeadFailed() must be a no-op")
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].Error != "" || snap[0].Attempts != 0 {
		t.Fatalf("re-enqueued task was touched by stale writes: %+v", snap)
	}
}

func TestQueueDrainOnEmpty(t *testing.T) {
	q := NewSyncQueue(nil)
	if n := q.Drain(); n != 0 {
		t.Fatalf("Drain() = %d, want 0", n)
	}
	if _, ok := q.DequeueNext(); ok {
		t.Fatalf("expected empty queue")
	}
}
