package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
	"github.com/kirillkom/scanmate-sync/internal/core/ports"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// DocumentObserver is called after a registry mutation has been persisted.
type DocumentObserver func(domain.DocumentEvent)

type RegistryOptions struct {
	Clock  ports.Clock
	NewID  func() string
	Logger *slog.Logger
}

// DocumentRegistry is the in-memory view of all documents for the running
// session. Every mutation is written to the record store before it becomes
// visible in memory, so a failed write leaves the registry unchanged.
type DocumentRegistry struct {
	store ports.RecordStore
	clock ports.Clock
	newID func() string
	log   *slog.Logger

	mu        sync.RWMutex
	records   []domain.DocumentRecord
	hydrated  bool
	observers []DocumentObserver
}

func NewDocumentRegistry(store ports.RecordStore, opts RegistryOptions) *DocumentRegistry {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &DocumentRegistry{
		store:   store,
		clock:   opts.Clock,
		newID:   opts.NewID,
		log:     opts.Logger,
		records: []domain.DocumentRecord{},
	}
}

// Subscribe registers an observer. Observers run synchronously on the
// mutating goroutine, outside the registry lock.
func (r *DocumentRegistry) Subscribe(observer DocumentObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, observer)
}

// Hydrate loads the persisted collection. Only the first call has an effect.
func (r *DocumentRegistry) Hydrate(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hydrated {
		return len(r.records)
	}
	r.records = r.store.Load(ctx)
	r.hydrated = true
	r.log.Info("registry_hydrated", "documents", len(r.records))
	return len(r.records)
}

func (r *DocumentRegistry) Hydrated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hydrated
}

// List returns the documents in insertion order, newest creation first.
func (r *DocumentRegistry) List() []domain.DocumentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DocumentRecord, len(r.records))
	copy(out, r.records)
	return out
}

func (r *DocumentRegistry) Get(id string) (domain.DocumentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.indexOf(id)
	if idx < 0 {
		return domain.DocumentRecord{}, false
	}
	return r.records[idx], true
}

func (r *DocumentRegistry) Create(ctx context.Context, title, localPath string, pages int) (domain.DocumentRecord, error) {
	now := r.clock.Now()
	rec := domain.DocumentRecord{
		ID:        r.newID(),
		Title:     title,
		LocalPath: localPath,
		Pages:     pages,
		Status:    domain.StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rec.Validate(); err != nil {
		return domain.DocumentRecord{}, err
	}
	if err := r.insertFront(ctx, rec, "create document"); err != nil {
		return domain.DocumentRecord{}, err
	}
	return rec, nil
}

// Materialize inserts a document that already exists in the cloud under its
// original id. An existing local record with the same id wins and is returned.
func (r *DocumentRegistry) Materialize(ctx context.Context, id string, remote domain.RemoteDocument) (domain.DocumentRecord, error) {
	if existing, ok := r.Get(id); ok {
		return existing, nil
	}
	pages := remote.Pages
	if pages < 1 {
		pages = 1
	}
	createdAt := remote.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.clock.Now()
	}
	updatedAt := remote.LastModified
	if updatedAt.Before(createdAt) {
		updatedAt = createdAt
	}
	rec := domain.DocumentRecord{
		ID:        id,
		Title:     remote.Title,
		LocalPath: remote.LocalPath,
		Pages:     pages,
		Status:    domain.StatusSynced,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		CloudID:   remote.CloudID,
	}
	if err := rec.Validate(); err != nil {
		return domain.DocumentRecord{}, err
	}
	if err := r.insertFront(ctx, rec, "materialize document"); err != nil {
		if errors.Is(err, errDuplicateID) {
			existing, _ := r.Get(id)
			return existing, nil
		}
		return domain.DocumentRecord{}, err
	}
	return rec, nil
}

// Update merges the patch into the record. An unknown id returns
// ErrDocumentNotFound and changes nothing.
func (r *DocumentRegistry) Update(ctx context.Context, id string, patch domain.DocumentPatch) (domain.DocumentRecord, error) {
	return r.mutate(ctx, id, "update document", func(rec domain.DocumentRecord, now time.Time) (domain.DocumentRecord, error) {
		return patch.Apply(rec, now)
	})
}

func (r *DocumentRegistry) SetStatus(ctx context.Context, id string, status domain.DocumentStatus) (domain.DocumentRecord, error) {
	if !status.Valid() {
		return domain.DocumentRecord{}, domain.WrapError(domain.ErrInvalidInput, "set status", fmt.Errorf("unknown status %q", status))
	}
	return r.Update(ctx, id, domain.DocumentPatch{Status: &status})
}

// MarkSynced records a successful upload: status and cloud id change together.
func (r *DocumentRegistry) MarkSynced(ctx context.Context, id, cloudID string) (domain.DocumentRecord, error) {
	status := domain.StatusSynced
	return r.Update(ctx, id, domain.DocumentPatch{Status: &status, CloudID: &cloudID})
}

// ApplyRemote overwrites the metadata fields from the cloud copy and marks the
// document synced. localPath is device-specific and is kept. updatedAt becomes
// the later of the local and remote timestamps.
func (r *DocumentRegistry) ApplyRemote(ctx context.Context, id string, remote domain.RemoteDocument) (domain.DocumentRecord, error) {
	return r.mutate(ctx, id, "apply remote document", func(rec domain.DocumentRecord, _ time.Time) (domain.DocumentRecord, error) {
		status := domain.StatusSynced
		patch := domain.DocumentPatch{Title: &remote.Title, Status: &status, CloudID: &remote.CloudID}
		if remote.Pages > 0 {
			patch.Pages = &remote.Pages
		}
		return patch.Apply(rec, remote.LastModified)
	})
}

// Remove persists the collection without the document and then drops it from
// memory. An unknown id returns ErrDocumentNotFound.
func (r *DocumentRegistry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	if err := r.checkHydrated("remove document"); err != nil {
		r.mu.Unlock()
		return err
	}
	idx := r.indexOf(id)
	if idx < 0 {
		r.mu.Unlock()
		return domain.WrapError(domain.ErrDocumentNotFound, "remove document", fmt.Errorf("id=%s", id))
	}
	removed := r.records[idx]
	next := make([]domain.DocumentRecord, 0, len(r.records)-1)
	next = append(next, r.records[:idx]...)
	next = append(next, r.records[idx+1:]...)
	if err := r.store.SaveAll(ctx, next); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("remove document: persist: %w", err)
	}
	r.records = next
	observers := r.observers
	r.mu.Unlock()

	r.notify(observers, domain.DocumentEvent{
		Type:       domain.DocumentRemoved,
		DocumentID: id,
		Status:     removed.Status,
		At:         r.clock.Now(),
	})
	return nil
}

var errDuplicateID = errors.New("duplicate document id")

func (r *DocumentRegistry) insertFront(ctx context.Context, rec domain.DocumentRecord, op string) error {
	r.mu.Lock()
	if err := r.checkHydrated(op); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.indexOf(rec.ID) >= 0 {
		r.mu.Unlock()
		return domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("%w: %s", errDuplicateID, rec.ID))
	}
	next := make([]domain.DocumentRecord, 0, len(r.records)+1)
	next = append(next, rec)
	next = append(next, r.records...)
	if err := r.store.SaveAll(ctx, next); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%s: persist: %w", op, err)
	}
	r.records = next
	observers := r.observers
	r.mu.Unlock()

	r.notify(observers, domain.DocumentEvent{
		Type:       domain.DocumentCreated,
		DocumentID: rec.ID,
		Status:     rec.Status,
		At:         rec.UpdatedAt,
	})
	return nil
}

func (r *DocumentRegistry) mutate(
	ctx context.Context,
	id, op string,
	change func(domain.DocumentRecord, time.Time) (domain.DocumentRecord, error),
) (domain.DocumentRecord, error) {
	r.mu.Lock()
	if err := r.checkHydrated(op); err != nil {
		r.mu.Unlock()
		return domain.DocumentRecord{}, err
	}
	idx := r.indexOf(id)
	if idx < 0 {
		r.mu.Unlock()
		return domain.DocumentRecord{}, domain.WrapError(domain.ErrDocumentNotFound, op, fmt.Errorf("id=%s", id))
	}
	current := r.records[idx]
	updated, err := change(current, r.clock.Now())
	if err != nil {
		r.mu.Unlock()
		return current, err
	}

	next := make([]domain.DocumentRecord, len(r.records))
	copy(next, r.records)
	next[idx] = updated
	if err := r.store.SaveAll(ctx, next); err != nil {
		r.mu.Unlock()
		return current, fmt.Errorf("%s: persist: %w", op, err)
	}
	r.records = next
	observers := r.observers
	r.mu.Unlock()

	r.notify(observers, domain.DocumentEvent{
		Type:       domain.DocumentUpdated,
		DocumentID: id,
		Status:     updated.Status,
		At:         updated.UpdatedAt,
	})
	return updated, nil
}

// checkHydrated must be called with mu held. Writing before the persisted
// collection is loaded would replace it with the in-memory subset.
func (r *DocumentRegistry) checkHydrated(op string) error {
	if r.hydrated {
		return nil
	}
	return domain.WrapError(domain.ErrNotHydrated, op, errors.New("hydrate has not run"))
}

func (r *DocumentRegistry) notify(observers []DocumentObserver, event domain.DocumentEvent) {
	for _, observer := range observers {
		observer(event)
	}
}

func (r *DocumentRegistry) indexOf(id string) int {
	for i := range r.records {
		if r.records[i].ID == id {
			return i
		}
	}
	return -1
}
