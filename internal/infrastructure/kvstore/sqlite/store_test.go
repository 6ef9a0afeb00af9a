package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "kv.db"))
	ctx := context.Background()

	if _, err := store.Get(ctx, "documents"); !domain.IsKind(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := store.Put(ctx, "documents", []byte(`["a"]`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(ctx, "documents", []byte(`["b"]`)); err != nil {
		t.Fatalf("Put() upsert error = %v", err)
	}
	got, err := store.Get(ctx, "documents")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `["b"]` {
		t.Fatalf("expected upserted value, got %s", got)
	}
	if err := store.Delete(ctx, "documents"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "documents"); !domain.IsKind(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	first := NewStore(db)
	if err := first.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := first.Put(ctx, "documents", []byte("durable")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_ = db.Close()

	second := newTestStore(t, path)
	got, err := second.Get(ctx, "documents")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if string(got) != "durable" {
		t.Fatalf("expected durable value, got %s", got)
	}
}
