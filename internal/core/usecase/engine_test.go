package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
)

type upsertCall struct {
	record  domain.DocumentRecord
	ownerID string
}

type remoteFake struct {
	mu          sync.Mutex
	upsertErrs  []error
	fetchErr    error
	listErr     error
	upserts     []upsertCall
	docs        map[string]domain.RemoteDocument
	inFlight    int
	maxInFlight int

	// entered receives once per upsert and release must then be closed or
	// sent to before the upsert returns. Both are optional.
	entered chan struct{}
	release chan struct{}
}

func newRemoteFake() *remoteFake {
	return &remoteFake{docs: map[string]domain.RemoteDocument{}}
}

func (f *remoteFake) UpsertDocument(_ context.Context, record domain.DocumentRecord, ownerID string) (string, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.upserts = append(f.upserts, upsertCall{record: record, ownerID: ownerID})
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		if err != nil {
			return "", err
		}
	}
	for cloudID, doc := range f.docs {
		if doc.OwnerID == ownerID && doc.LocalID == record.ID {
			doc.Title = record.Title
			doc.LastModified = record.UpdatedAt
			f.docs[cloudID] = doc
			return cloudID, nil
		}
	}
	cloudID := fmt.Sprintf("c%d", len(f.docs)+1)
	f.docs[cloudID] = domain.RemoteDocument{
		CloudID:      cloudID,
		OwnerID:      ownerID,
		LocalID:      record.ID,
		Title:        record.Title,
		LocalPath:    record.LocalPath,
		Pages:        record.Pages,
		CreatedAt:    record.CreatedAt,
		LastModified: record.UpdatedAt,
	}
	return cloudID, nil
}

func (f *remoteFake) FetchDocument(_ context.Context, cloudID string) (*domain.RemoteDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	doc, ok := f.docs[cloudID]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "fetch", fmt.Errorf("cloud_id=%s", cloudID))
	}
	return &doc, nil
}

func (f *remoteFake) ListDocuments(_ context.Context, ownerID string) ([]domain.RemoteDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.RemoteDocument
	for _, doc := range f.docs {
		if doc.OwnerID == ownerID {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *remoteFake) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

type observerFake struct {
	mu       sync.Mutex
	started  int
	finished []error
	states   []domain.EngineState
}

func (o *observerFake) StartTask() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *observerFake) FinishTask(_ domain.TaskKind, _ time.Duration, err error) {
	o.mu.Lock()
	o.finished = append(o.finished, err)
	o.mu.Unlock()
}

func (o *observerFake) ObserveQueueDepth(int) {}

func (o *observerFake) ObserveEngineState(state domain.EngineState) {
	o.mu.Lock()
	o.states = append(o.states, state)
	o.mu.Unlock()
}

type engineFixture struct {
	registry *DocumentRegistry
	queue    *SyncQueue
	remote   *remoteFake
	engine   *SyncEngine
	observer *observerFake
	sleeps   []time.Duration
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{remote: newRemoteFake(), observer: &observerFake{}}
	f.registry, _ = newTestRegistry(t, newMemoryKV())
	f.queue = NewSyncQueue(nil)
	f.engine = NewSyncEngine(f.registry, f.queue, f.remote, EngineOptions{
		Backoff:  5 * time.Second,
		Observer: f.observer,
		Sleep: func(_ context.Context, d time.Duration) {
			f.sleeps = append(f.sleeps, d)
		},
	})
	f.engine.SetAccount("owner-1")
	return f
}

func (f *engineFixture) enqueue(t *testing.T, kind domain.TaskKind, documentID, cloudID string) {
	t.Helper()
	added, err := f.queue.Enqueue(domain.SyncTask{
		Kind:       kind,
		DocumentID: documentID,
		Payload:    domain.TaskPayload{OwnerID: "owner-1", CloudID: cloudID},
	})
	if err != nil || !added {
		t.Fatalf("Enqueue() = %v, %v", added, err)
	}
}

// syncedRecord creates a record that went through one successful upload.
func (f *engineFixture) syncedRecord(t *testing.T, title string) domain.DocumentRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := f.registry.Create(ctx, title, "/tmp/"+title+".jpg", 1)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	f.enqueue(t, domain.TaskUpload, rec.ID, "")
	if !f.engine.Tick(ctx) {
		t.Fatalf("initial upload tick did not complete")
	}
	rec, _ = f.registry.Get(rec.ID)
	if rec.Status != domain.StatusSynced {
		t.Fatalf("expected synced record, got %+v", rec)
	}
	return rec
}

func TestEngineUploadScenario(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, _ := f.registry.Create(ctx, "Scan A", "/tmp/a.jpg", 1)
	if rec.Status != domain.StatusIdle || rec.CloudID != "" {
		t.Fatalf("unexpected new record %+v", rec)
	}
	f.enqueue(t, domain.TaskUpload, rec.ID, "")

	if !f.engine.Tick(ctx) {
		t.Fatalf("Tick() should report a completed task")
	}
	got, _ := f.registry.Get(rec.ID)
	if got.Status != domain.StatusSynced || got.CloudID != "c1" {
		t.Fatalf("expected synced with c1, got %+v", got)
	}
	if f.queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", f.queue.Len())
	}
	if f.remote.upserts[0].ownerID != "owner-1" || f.remote.upserts[0].record.LocalPath != "/tmp/a.jpg" {
		t.Fatalf("unexpected upsert %+v", f.remote.upserts[0])
	}
	if f.engine.State() != domain.EngineIdle {
		t.Fatalf("expected idle engine, got %s", f.engine.State())
	}
	if f.engine.Tick(ctx) {
		t.Fatalf("Tick() on an empty queue must do nothing")
	}
}

func TestEngineDisabledWithoutAccount(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rec, _ := f.registry.Create(ctx, "A", "/a.jpg", 1)
	f.enqueue(t, domain.TaskUpload, rec.ID, "")
	f.engine.SetAccount("")

	if f.engine.Tick(ctx) {
		t.Fatalf("disabled engine must not process")
	}
	if f.remote.upsertCount() != 0 || f.queue.Len() != 1 {
		t.Fatalf("disabled engine touched the queue or remote")
	}
	if snap := f.queue.Snapshot(); snap[0].State != domain.TaskPending {
		t.Fatalf("disabled engine must not pick up the head, got %s", snap[0].State)
	}
}

func TestEngineRetriesHeadUntilSuccess(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rec, _ := f.registry.Create(ctx, "A", "/a.jpg", 1)
	other, _ := f.registry.Create(ctx, "B", "/b.jpg", 1)
	f.enqueue(t, domain.TaskUpload, rec.ID, "")
	f.enqueue(t, domain.TaskUpload, other.ID, "")

	const failures = 3
	for i := 0; i < failures; i++ {
		f.remote.upsertErrs = append(f.remote.upsertErrs, domain.WrapError(domain.ErrTemporary, "upsert", errors.New("timeout")))
	}

	for i := 0; i < failures; i++ {
		if f.engine.Tick(ctx) {
			t.Fatalf("attempt %d: Tick() reported success on failure", i+1)
		}
		got, _ := f.registry.Get(rec.ID)
		if got.Status != domain.StatusError {
			t.Fatalf("attempt %d: expected error status, got %s", i+1, got.Status)
		}
		snap := f.queue.Snapshot()
		if len(snap) != 2 || snap[0].DocumentID != rec.ID || snap[0].Attempts != i+1 || snap[0].Error == "" {
			t.Fatalf("attempt %d: head must stay with recorded failure, got %+v", i+1, snap)
		}
		if f.engine.State() != domain.EngineIdle {
			t.Fatalf("attempt %d: engine must return to idle after backoff, got %s", i+1, f.engine.State())
		}
	}
	if len(f.sleeps) != failures || f.sleeps[0] != 5*time.Second {
		t.Fatalf("expected %d constant backoffs, got %v", failures, f.sleeps)
	}

	if !f.engine.Tick(ctx) {
		t.Fatalf("Tick() should succeed once the remote recovers")
	}
	got, _ := f.registry.Get(rec.ID)
	if got.Status != domain.StatusSynced || got.CloudID == "" {
		t.Fatalf("expected synced after retry, got %+v", got)
	}
	if !f.engine.Tick(ctx) || f.queue.Len() != 0 {
		t.Fatalf("expected the second task to run next and the queue to be empty")
	}

	var sawError bool
	for _, state := range f.observer.states {
		if state == domain.EngineError {
			sawError = true
		}
	}
	if !sawError || len(f.observer.finished) != failures+2 {
		t.Fatalf("observer missed failures: states=%v finished=%d", f.observer.states, len(f.observer.finished))
	}
}

func TestEngineRemovedDocumentIsNoOp(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rec, _ := f.registry.Create(ctx, "A", "/a.jpg", 1)
	f.enqueue(t, domain.TaskUpload, rec.ID, "")
	if err := f.registry.Remove(ctx, rec.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if !f.engine.Tick(ctx) {
		t.Fatalf("task for a removed document should complete as a no-op")
	}
	if f.queue.Len() != 0 || f.remote.upsertCount() != 0 || len(f.sleeps) != 0 {
		t.Fatalf("expected silent discard: queue=%d upserts=%d sleeps=%d", f.queue.Len(), f.remote.upsertCount(), len(f.sleeps))
	}
	if f.observer.finished[0] != nil {
		t.Fatalf("no-op task must not be reported as failed: %v", f.observer.finished[0])
	}
}

func TestEngineResolveConflictRemoteNewer(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rec := f.syncedRecord(t, "local")

	remote := f.remote.docs[rec.CloudID]
	remote.Title = "remote title"
	remote.Pages = 7
	remote.LastModified = rec.UpdatedAt.Add(100 * time.Second)
	f.remote.docs[rec.CloudID] = remote
	upsertsBefore := f.remote.upsertCount()

	f.enqueue(t, domain.TaskResolveConflict, rec.ID, rec.CloudID)
	if !f.engine.Tick(ctx) {
		t.Fatalf("resolve tick did not complete")
	}
	got, _ := f.registry.Get(rec.ID)
	if got.Title != "remote title" || got.Pages != 7 || got.Status != domain.StatusSynced {
		t.Fatalf("expected remote metadata to win, got %+v", got)
	}
	if got.LocalPath != rec.LocalPath {
		t.Fatalf("local path must be kept, got %s", got.LocalPath)
	}
	if f.remote.upsertCount() != upsertsBefore {
		t.Fatalf("remote-wins resolution must not upload")
	}
}

func TestEngineResolveConflictLocalWinsOnTieAndIsStable(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rec := f.syncedRecord(t, "local")

	remote := f.remote.docs[rec.CloudID]
	remote.Title = "remote title"
	remote.LastModified = rec.UpdatedAt
	f.remote.docs[rec.CloudID] = remote

	for i := 0; i < 3; i++ {
		f.enqueue(t, domain.TaskResolveConflict, rec.ID, rec.CloudID)
		if !f.engine.Tick(ctx) {
			t.Fatalf("round %d: resolve tick did not complete", i)
		}
		got, _ := f.registry.Get(rec.ID)
		if got.Title != "local" || got.Status != domain.StatusSynced {
			t.Fatalf("round %d: local copy must win, got %+v", i, got)
		}
		if f.remote.docs[rec.CloudID].Title != "local" {
			t.Fatalf("round %d: remote must hold the local title, got %q", i, f.remote.docs[rec.CloudID].Title)
		}
	}
}

func TestEngineResolveConflictWithoutCloudCopyUploads(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rec, _ := f.registry.Create(ctx, "A", "/a.jpg", 1)
	f.enqueue(t, domain.TaskResolveConflict, rec.ID, "")

	if !f.engine.Tick(ctx) {
		t.Fatalf("resolve tick did not complete")
	}
	got, _ := f.registry.Get(rec.ID)
	if got.Status != domain.StatusSynced || f.remote.upsertCount() != 1 {
		t.Fatalf("expected upload, got %+v with %d upserts", got, f.remote.upsertCount())
	}
}

func TestEngineDownloadMaterializesRecord(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f.remote.docs["c42"] = domain.RemoteDocument{
		CloudID:      "c42",
		OwnerID:      "owner-1",
		LocalID:      "from-other-device",
		Title:        "Receipt",
		LocalPath:    "/other/receipt.pdf",
		Pages:        2,
		CreatedAt:    created,
		LastModified: created.Add(time.Hour),
	}
	f.enqueue(t, domain.TaskDownload, "from-other-device", "c42")
	f.enqueue(t, domain.TaskDownload, "vanished", "c404")

	if !f.engine.Tick(ctx) {
		t.Fatalf("download tick did not complete")
	}
	got, ok := f.registry.Get("from-other-device")
	if !ok || got.Status != domain.StatusSynced || got.CloudID != "c42" || got.Pages != 2 {
		t.Fatalf("unexpected materialized record %+v (found=%v)", got, ok)
	}

	if !f.engine.Tick(ctx) {
		t.Fatalf("download of a missing remote document should complete as a no-op")
	}
	if _, ok := f.registry.Get("vanished"); ok || f.queue.Len() != 0 {
		t.Fatalf("missing remote document must not be materialized")
	}
}

func TestEngineDownloadRejectsMismatchedRemote(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f.remote.docs["c42"] = domain.RemoteDocument{CloudID: "c42", OwnerID: "someone-else", LocalID: "orig", Title: "Foreign", Pages: 1, CreatedAt: at, LastModified: at}
	f.remote.docs["c43"] = domain.RemoteDocument{CloudID: "c43", OwnerID: "owner-1", LocalID: "orig-2", Title: "Mine", Pages: 1, CreatedAt: at, LastModified: at}
	f.remote.docs["c44"] = domain.RemoteDocument{CloudID: "c44", OwnerID: "someone-else", LocalID: "shared-id", Title: "Foreign", Pages: 1, CreatedAt: at, LastModified: at}
	f.enqueue(t, domain.TaskDownload, "mine", "c42")
	f.enqueue(t, domain.TaskDownload, "renamed", "c43")
	f.enqueue(t, domain.TaskDownload, "shared-id", "c44")

	for i := 0; i < 3; i++ {
		if !f.engine.Tick(ctx) {
			t.Fatalf("tick %d: rejected download should complete as a no-op", i)
		}
	}
	for _, id := range []string{"mine", "renamed", "shared-id"} {
		if got, ok := f.registry.Get(id); ok {
			t.Fatalf("document %s must not be materialized, got %+v", id, got)
		}
	}
	if f.queue.Len() != 0 || len(f.registry.List()) != 0 {
		t.Fatalf("expected empty queue and registry, got %d tasks, %d documents", f.queue.Len(), len(f.registry.List()))
	}
}

func TestEngineFailedDownloadLeavesNoRecord(t *testing.T) {
	f := newEngineFixture(t)
	f.remote.fetchErr = errors.New("connection reset")
	f.enqueue(t, domain.TaskDownload, "remote-doc", "c1")

	if f.engine.Tick(context.Background()) {
		t.Fatalf("failed download must not complete")
	}
	if _, ok := f.registry.Get("remote-doc"); ok {
		t.Fatalf("failed download must not create a record")
	}
	if snap := f.queue.Snapshot(); len(snap) != 1 || snap[0].Attempts != 1 {
		t.Fatalf("failed download must stay at the head, got %+v", snap)
	}
}

func TestEngineDoesNotSyncProcessingDocument(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rec, _ := f.registry.Create(ctx, "A", "/a.jpg", 1)
	if _, err := f.registry.SetStatus(ctx, rec.ID, domain.StatusProcessing); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	f.enqueue(t, domain.TaskUpload, rec.ID, "")

	if f.engine.Tick(ctx) {
		t.Fatalf("processing document must not be uploaded")
	}
	got, _ := f.registry.Get(rec.ID)
	if got.Status != domain.StatusProcessing || f.remote.upsertCount() != 0 {
		t.Fatalf("processing document was touched: %+v", got)
	}
}

func TestEngineSingleFlight(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	for _, title := range []string{"A", "B", "C"} {
		rec, _ := f.registry.Create(ctx, title, "/"+title, 1)
		f.enqueue(t, domain.TaskUpload, rec.ID, "")
	}
	f.remote.entered = make(chan struct{}, 1)
	f.remote.release = make(chan struct{})

	done := make(chan bool)
	go func() { done <- f.engine.Tick(ctx) }()
	<-f.remote.entered

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.engine.Tick(ctx) {
				t.Errorf("concurrent Tick() processed a task while another was in flight")
			}
		}()
	}
	wg.Wait()
	if f.engine.State() != domain.EngineRunning {
		t.Fatalf("expected running state during flight, got %s", f.engine.State())
	}

	close(f.remote.release)
	if !<-done {
		t.Fatalf("in-flight Tick() did not complete")
	}
	f.remote.entered = nil
	if f.remote.maxInFlight != 1 || f.remote.upsertCount() != 1 || f.queue.Len() != 2 {
		t.Fatalf("expected one task processed: maxInFlight=%d upserts=%d queue=%d",
			f.remote.maxInFlight, f.remote.upsertCount(), f.queue.Len())
	}
}

func TestEngineDrainDuringFlightDiscardsResult(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	rec, _ := f.registry.Create(ctx, "A", "/a.jpg", 1)
	f.enqueue(t, domain.TaskUpload, rec.ID, "")
	f.remote.entered = make(chan struct{}, 1)
	f.remote.release = make(chan struct{})

	done := make(chan bool)
	go func() { done <- f.engine.Tick(ctx) }()
	<-f.remote.entered

	f.queue.Drain()
	f.enqueue(t, domain.TaskUpload, rec.ID, "")
	close(f.remote.release)
	<-done

	got, _ := f.registry.Get(rec.ID)
	if got.Status == domain.StatusSynced || got.CloudID != "" {
		t.Fatalf("drained result must be discarded, got %+v", got)
	}
	snap := f.queue.Snapshot()
	if len(snap) != 1 || snap[0].State != domain.TaskPending || snap[0].Attempts != 0 {
		t.Fatalf("re-enqueued task must be untouched, got %+v", snap)
	}
}
