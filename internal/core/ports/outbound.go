package ports

import (
	"context"
	"time"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
)

// KeyValueStore is a durable byte store. Put replaces a value atomically and is
// durable when it returns. Get returns domain.ErrKeyNotFound for absent keys.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// RecordStore persists the whole document collection under one key.
type RecordStore interface {
	Load(ctx context.Context) []domain.DocumentRecord
	SaveAll(ctx context.Context, records []domain.DocumentRecord) error
	Remove(ctx context.Context, id string) error
}

// RemoteBackend is the cloud copy of the document metadata. UpsertDocument must
// be idempotent per (ownerID, record.ID).
type RemoteBackend interface {
	UpsertDocument(ctx context.Context, record domain.DocumentRecord, ownerID string) (string, error)
	FetchDocument(ctx context.Context, cloudID string) (*domain.RemoteDocument, error)
	ListDocuments(ctx context.Context, ownerID string) ([]domain.RemoteDocument, error)
}

// SyncTrigger asks the host scheduler to run the sync engine soon.
type SyncTrigger interface {
	Trigger(ctx context.Context, reason string) error
}

// TriggerSource delivers trigger reasons until ctx is done.
type TriggerSource interface {
	SubscribeTriggers(ctx context.Context, handler func(context.Context, string) error) error
}

// DocumentEventPublisher fans registry mutations out to other consumers.
type DocumentEventPublisher interface {
	PublishDocumentEvent(ctx context.Context, event domain.DocumentEvent) error
}

// PageCounter reads the page count of a local artifact.
type PageCounter interface {
	CountPages(ctx context.Context, path string) (int, error)
}

// Clock is the time source for record timestamps.
type Clock interface {
	Now() time.Time
}

// SyncObserver receives engine measurements.
type SyncObserver interface {
	StartTask()
	FinishTask(kind domain.TaskKind, duration time.Duration, err error)
	ObserveQueueDepth(depth int)
	ObserveEngineState(state domain.EngineState)
}
