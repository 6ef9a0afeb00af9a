package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
	"github.com/kirillkom/scanmate-sync/internal/core/ports"
)

// SyncSession is what the account and sync screens talk to. It owns the
// signed-in account, turns user intents into queued tasks and pokes the
// scheduler after each change.
type SyncSession struct {
	registry *DocumentRegistry
	queue    *SyncQueue
	engine   *SyncEngine
	remote   ports.RemoteBackend
	trigger  ports.SyncTrigger
	log      *slog.Logger
}

func NewSyncSession(
	registry *DocumentRegistry,
	queue *SyncQueue,
	engine *SyncEngine,
	remote ports.RemoteBackend,
	trigger ports.SyncTrigger,
	logger *slog.Logger,
) *SyncSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncSession{
		registry: registry,
		queue:    queue,
		engine:   engine,
		remote:   remote,
		trigger:  trigger,
		log:      logger,
	}
}

func (s *SyncSession) SignIn(ctx context.Context, ownerID string) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "sign in", errors.New("empty owner id"))
	}
	s.engine.SetAccount(ownerID)
	s.log.Info("sync_signed_in", "owner_id", ownerID)
	s.poke(ctx, "sign_in")
	return nil
}

// SignOut disables sync, drops the queue and moves documents left in syncing
// to error so they are picked up again after the next sign-in.
func (s *SyncSession) SignOut(ctx context.Context) error {
	s.engine.SetAccount("")
	dropped := s.queue.Drain()

	var errs []error
	reset := 0
	for _, rec := range s.registry.List() {
		if rec.Status != domain.StatusSyncing {
			continue
		}
		if _, err := s.registry.SetStatus(ctx, rec.ID, domain.StatusError); err != nil {
			if domain.IsKind(err, domain.ErrDocumentNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("reset document %s: %w", rec.ID, err))
			continue
		}
		reset++
	}
	s.log.Info("sync_signed_out", "dropped_tasks", dropped, "reset_documents", reset)
	return errors.Join(errs...)
}

func (s *SyncSession) Account() string {
	return s.engine.Account()
}

// Enqueue queues a task for the document and reports whether it was added.
// Upload moves the document into syncing first. Download needs the cloud id
// of a document that does not exist locally yet.
func (s *SyncSession) Enqueue(ctx context.Context, documentID string, kind domain.TaskKind, cloudID string) (bool, error) {
	owner := s.engine.Account()
	if owner == "" {
		return false, domain.WrapError(domain.ErrSyncDisabled, "enqueue", errors.New("no signed-in account"))
	}
	if !kind.Valid() {
		return false, domain.WrapError(domain.ErrInvalidInput, "enqueue", fmt.Errorf("unknown kind %q", kind))
	}

	payload := domain.TaskPayload{OwnerID: owner, CloudID: strings.TrimSpace(cloudID)}
	if kind == domain.TaskDownload {
		if payload.CloudID == "" {
			return false, domain.WrapError(domain.ErrInvalidInput, "enqueue", errors.New("download requires a cloud id"))
		}
	} else {
		rec, ok := s.registry.Get(documentID)
		if !ok {
			return false, domain.WrapError(domain.ErrDocumentNotFound, "enqueue", fmt.Errorf("id=%s", documentID))
		}
		payload.CloudID = rec.CloudID
		if kind == domain.TaskUpload && rec.Status != domain.StatusSyncing {
			if _, err := s.registry.SetStatus(ctx, rec.ID, domain.StatusSyncing); err != nil {
				return false, err
			}
		}
	}

	added, err := s.queue.Enqueue(domain.SyncTask{Kind: kind, DocumentID: documentID, Payload: payload})
	if err != nil {
		return false, err
	}
	if added {
		s.poke(ctx, "enqueue")
	}
	return added, nil
}

// RestoreFromCloud queues a download for every remote document unknown on
// this device and a conflict check for every known one.
func (s *SyncSession) RestoreFromCloud(ctx context.Context) (int, error) {
	owner := s.engine.Account()
	if owner == "" {
		return 0, domain.WrapError(domain.ErrSyncDisabled, "restore from cloud", errors.New("no signed-in account"))
	}
	remotes, err := s.remote.ListDocuments(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("list remote documents: %w", err)
	}

	added := 0
	for _, remote := range remotes {
		kind := domain.TaskDownload
		if _, ok := s.registry.Get(remote.LocalID); ok {
			kind = domain.TaskResolveConflict
		}
		ok, err := s.queue.Enqueue(domain.SyncTask{
			Kind:       kind,
			DocumentID: remote.LocalID,
			Payload:    domain.TaskPayload{OwnerID: owner, CloudID: remote.CloudID},
		})
		if err != nil {
			s.log.Warn("restore_skip_remote_document", "cloud_id", remote.CloudID, "error", err)
			continue
		}
		if ok {
			added++
		}
	}
	s.log.Info("restore_from_cloud_queued", "remote_documents", len(remotes), "queued", added)
	if added > 0 {
		s.poke(ctx, "restore")
	}
	return added, nil
}

func (s *SyncSession) Queue() []domain.TaskSummary {
	return s.queue.Snapshot()
}

func (s *SyncSession) State() domain.EngineState {
	return s.engine.State()
}

// Drain clears the queue. Document statuses are left as they are.
func (s *SyncSession) Drain(_ context.Context) int {
	n := s.queue.Drain()
	s.log.Info("sync_queue_drained", "dropped_tasks", n)
	return n
}

func (s *SyncSession) poke(ctx context.Context, reason string) {
	if s.trigger == nil {
		return
	}
	if err := s.trigger.Trigger(ctx, reason); err != nil {
		s.log.Warn("sync_trigger_failed", "reason", reason, "error", err)
	}
}
