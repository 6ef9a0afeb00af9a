package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
	"github.com/kirillkom/scanmate-sync/internal/core/ports"
)

const DefaultSyncBackoff = 2 * time.Second

type EngineOptions struct {
	// Backoff is the constant pause after a failed task.
	Backoff time.Duration
	// TaskTimeout bounds one remote round trip. Zero means no limit.
	TaskTimeout time.Duration
	Observer    ports.SyncObserver
	Logger      *slog.Logger
	// Sleep replaces the backoff wait in tests.
	Sleep func(ctx context.Context, d time.Duration)
}

// SyncEngine is the single consumer of the sync queue. Tick processes at most
// one task and is safe to call concurrently and redundantly.
type SyncEngine struct {
	registry *DocumentRegistry
	queue    *SyncQueue
	remote   ports.RemoteBackend
	observer ports.SyncObserver
	log      *slog.Logger

	backoff     time.Duration
	taskTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration)

	running atomic.Bool

	mu      sync.RWMutex
	account string
	state   domain.EngineState
}

func NewSyncEngine(registry *DocumentRegistry, queue *SyncQueue, remote ports.RemoteBackend, opts EngineOptions) *SyncEngine {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultSyncBackoff
	}
	if opts.Observer == nil {
		opts.Observer = noopSyncObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &SyncEngine{
		registry:    registry,
		queue:       queue,
		remote:      remote,
		observer:    opts.Observer,
		log:         opts.Logger,
		backoff:     opts.Backoff,
		taskTimeout: opts.TaskTimeout,
		sleep:       opts.Sleep,
		state:       domain.EngineIdle,
	}
}

// SetAccount enables sync for ownerID. An empty owner disables it.
func (e *SyncEngine) SetAccount(ownerID string) {
	e.mu.Lock()
	e.account = ownerID
	e.mu.Unlock()
}

func (e *SyncEngine) Account() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.account
}

func (e *SyncEngine) State() domain.EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Tick processes the head task once. It returns true when a task was finished
// and removed, in which case the caller should tick again for the rest.
func (e *SyncEngine) Tick(ctx context.Context) bool {
	if e.Account() == "" {
		return false
	}
	if !e.running.CompareAndSwap(false, true) {
		return false
	}
	defer e.running.Store(false)

	task, ok := e.queue.DequeueNext()
	if !ok {
		e.setState(domain.EngineIdle)
		e.observer.ObserveQueueDepth(0)
		return false
	}
	e.setState(domain.EngineRunning)

	e.observer.StartTask()
	start := time.Now()
	err := e.runTask(ctx, task)
	e.observer.FinishTask(task.Kind, time.Since(start), err)

	if err != nil {
		e.handleFailure(ctx, task, err)
		e.observer.ObserveQueueDepth(e.queue.Len())
		return false
	}

	e.queue.CompleteHead(task.Seq)
	e.setState(domain.EngineIdle)
	e.observer.ObserveQueueDepth(e.queue.Len())
	e.log.Info("sync_task_completed", "task_id", task.ID, "kind", task.Kind, "document_id", task.DocumentID)
	return true
}

func (e *SyncEngine) runTask(ctx context.Context, task domain.SyncTask) error {
	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
	}

	switch task.Kind {
	case domain.TaskUpload:
		return e.upload(ctx, task)
	case domain.TaskResolveConflict:
		return e.resolveConflict(ctx, task)
	case domain.TaskDownload:
		return e.download(ctx, task)
	default:
		return domain.WrapError(domain.ErrInvalidInput, "run sync task", fmt.Errorf("unknown kind %q", task.Kind))
	}
}

func (e *SyncEngine) upload(ctx context.Context, task domain.SyncTask) error {
	rec, ok := e.registry.Get(task.DocumentID)
	if !ok {
		e.logMissing(task)
		return nil
	}
	rec, err := e.beginSync(ctx, rec)
	if err != nil {
		return err
	}
	return e.push(ctx, task, rec)
}

// resolveConflict is last-writer-wins on updatedAt. The local timestamp is
// read before the record is moved to syncing, since that move bumps it. Equal
// timestamps keep the local copy.
func (e *SyncEngine) resolveConflict(ctx context.Context, task domain.SyncTask) error {
	rec, ok := e.registry.Get(task.DocumentID)
	if !ok {
		e.logMissing(task)
		return nil
	}
	localModified := rec.UpdatedAt

	rec, err := e.beginSync(ctx, rec)
	if err != nil {
		return err
	}
	cloudID := rec.CloudID
	if cloudID == "" {
		cloudID = task.Payload.CloudID
	}
	if cloudID == "" {
		return e.push(ctx, task, rec)
	}

	remote, err := e.remote.FetchDocument(ctx, cloudID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			return e.push(ctx, task, rec)
		}
		return fmt.Errorf("fetch remote document: %w", err)
	}
	if !remote.LastModified.After(localModified) {
		return e.push(ctx, task, rec)
	}

	if !e.queue.HoldsHead(task.Seq) {
		return nil
	}
	if _, err := e.registry.ApplyRemote(ctx, rec.ID, *remote); err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			return nil
		}
		return fmt.Errorf("apply remote document: %w", err)
	}
	e.log.Info("sync_conflict_remote_wins",
		"document_id", rec.ID,
		"local_updated_at", localModified,
		"remote_updated_at", remote.LastModified,
	)
	return nil
}

func (e *SyncEngine) download(ctx context.Context, task domain.SyncTask) error {
	if _, ok := e.registry.Get(task.DocumentID); ok {
		return nil
	}
	if task.Payload.CloudID == "" {
		e.log.Warn("sync_download_without_cloud_id", "task_id", task.ID, "document_id", task.DocumentID)
		return nil
	}

	remote, err := e.remote.FetchDocument(ctx, task.Payload.CloudID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			return nil
		}
		return fmt.Errorf("fetch remote document: %w", err)
	}
	// Only a cloud copy carrying the requested id and owned by the task's
	// account may be materialized.
	owner := task.Payload.OwnerID
	if owner == "" {
		owner = e.Account()
	}
	if remote.LocalID != task.DocumentID || remote.OwnerID != owner {
		e.log.Warn("sync_download_rejected",
			"task_id", task.ID,
			"document_id", task.DocumentID,
			"cloud_id", task.Payload.CloudID,
			"remote_local_id", remote.LocalID,
			"owner_matches", remote.OwnerID == owner,
		)
		return nil
	}
	if !e.queue.HoldsHead(task.Seq) {
		return nil
	}
	if _, err := e.registry.Materialize(ctx, task.DocumentID, *remote); err != nil {
		return fmt.Errorf("materialize document: %w", err)
	}
	return nil
}

func (e *SyncEngine) push(ctx context.Context, task domain.SyncTask, rec domain.DocumentRecord) error {
	owner := task.Payload.OwnerID
	if owner == "" {
		owner = e.Account()
	}
	cloudID, err := e.remote.UpsertDocument(ctx, rec, owner)
	if err != nil {
		return fmt.Errorf("upsert remote document: %w", err)
	}
	if !e.queue.HoldsHead(task.Seq) {
		return nil
	}
	if _, err := e.registry.MarkSynced(ctx, rec.ID, cloudID); err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			return nil
		}
		return fmt.Errorf("mark document synced: %w", err)
	}
	return nil
}

// beginSync moves the record into syncing. A document that is still being
// processed locally is not touched and the task is retried later.
func (e *SyncEngine) beginSync(ctx context.Context, rec domain.DocumentRecord) (domain.DocumentRecord, error) {
	switch rec.Status {
	case domain.StatusSyncing:
		return rec, nil
	case domain.StatusProcessing:
		return rec, domain.WrapError(domain.ErrInvalidTransition, "begin sync", fmt.Errorf("document %s is processing", rec.ID))
	}
	updated, err := e.registry.SetStatus(ctx, rec.ID, domain.StatusSyncing)
	if err != nil {
		return rec, fmt.Errorf("set status=syncing: %w", err)
	}
	return updated, nil
}

func (e *SyncEngine) handleFailure(ctx context.Context, task domain.SyncTask, cause error) {
	if e.queue.HoldsHead(task.Seq) {
		if rec, ok := e.registry.Get(task.DocumentID); ok && rec.Status == domain.StatusSyncing {
			if _, err := e.registry.SetStatus(ctx, rec.ID, domain.StatusError); err != nil {
				e.log.Error("sync_mark_error_failed", "document_id", rec.ID, "error", err)
			}
		}
	}
	e.queue.MarkHeadFailed(task.Seq, cause)
	e.setState(domain.EngineError)
	e.log.Warn("sync_task_failed",
		"task_id", task.ID,
		"kind", task.Kind,
		"document_id", task.DocumentID,
		"backoff", e.backoff,
		"error", cause,
	)

	e.sleep(ctx, e.backoff)
	e.setState(domain.EngineIdle)
}

func (e *SyncEngine) logMissing(task domain.SyncTask) {
	e.log.Info("sync_task_document_missing", "task_id", task.ID, "kind", task.Kind, "document_id", task.DocumentID)
}

func (e *SyncEngine) setState(state domain.EngineState) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.observer.ObserveEngineState(state)
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

type noopSyncObserver struct{}

func (noopSyncObserver) StartTask() {}

func (noopSyncObserver) FinishTask(domain.TaskKind, time.Duration, error) {}

func (noopSyncObserver) ObserveQueueDepth(int) {}

func (noopSyncObserver) ObserveEngineState(domain.EngineState) {}
