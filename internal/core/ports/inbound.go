package ports

import (
	"context"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
)

// DocumentRegistry is the collaborator-facing contract for document lifecycle.
type DocumentRegistry interface {
	Hydrated() bool
	List() []domain.DocumentRecord
	Get(id string) (domain.DocumentRecord, bool)
	Create(ctx context.Context, title, localPath string, pages int) (domain.DocumentRecord, error)
	Update(ctx context.Context, id string, patch domain.DocumentPatch) (domain.DocumentRecord, error)
	SetStatus(ctx context.Context, id string, status domain.DocumentStatus) (domain.DocumentRecord, error)
	Remove(ctx context.Context, id string) error
}

// DocumentIntake creates documents from captured artifacts.
type DocumentIntake interface {
	Import(ctx context.Context, title, localPath string, pages int) (domain.DocumentRecord, error)
}

// SyncController is the collaborator-facing contract for sync/account UI.
type SyncController interface {
	SignIn(ctx context.Context, ownerID string) error
	SignOut(ctx context.Context) error
	Account() string
	Enqueue(ctx context.Context, documentID string, kind domain.TaskKind, cloudID string) (bool, error)
	RestoreFromCloud(ctx context.Context) (int, error)
	Queue() []domain.TaskSummary
	State() domain.EngineState
	Drain(ctx context.Context) int
}
