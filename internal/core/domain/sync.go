package domain

import "time"

type TaskKind string

const (
	TaskUpload          TaskKind = "upload"
	TaskDownload        TaskKind = "download"
	TaskResolveConflict TaskKind = "resolve_conflict"
)

func (k TaskKind) Valid() bool {
	switch k {
	case TaskUpload, TaskDownload, TaskResolveConflict:
		return true
	default:
		return false
	}
}

type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskSyncing TaskState = "syncing"
)

type EngineState string

const (
	EngineIdle    EngineState = "idle"
	EngineRunning EngineState = "running"
	EngineError   EngineState = "error"
)

// TaskPayload carries what a task needs besides the document itself.
type TaskPayload struct {
	OwnerID string `json:"owner_id,omitempty"`
	CloudID string `json:"cloud_id,omitempty"`
}

// SyncTask is one unit of reconciliation work. Seq identifies a single
// enqueue; it changes when a drained task is enqueued again, so late results
// for the old one can be told apart.
type SyncTask struct {
	ID         string      `json:"id"`
	Kind       TaskKind    `json:"kind"`
	DocumentID string      `json:"document_id"`
	Payload    TaskPayload `json:"payload"`
	Seq        uint64      `json:"-"`
}

// TaskKey is the dedup key: one active task per document regardless of kind.
func TaskKey(documentID string) string {
	return "sync-" + documentID
}

// TaskSummary is the externally visible view of a queued task.
type TaskSummary struct {
	ID         string    `json:"id"`
	Kind       TaskKind  `json:"kind"`
	DocumentID string    `json:"document_id"`
	State      TaskState `json:"state"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
