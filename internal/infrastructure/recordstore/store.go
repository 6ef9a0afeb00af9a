package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
	"github.com/kirillkom/scanmate-sync/internal/core/ports"
)

const DefaultKey = "documents"

// Store keeps the full document collection as one JSON array under a single
// key of a KeyValueStore.
type Store struct {
	kv  ports.KeyValueStore
	key string
	log *slog.Logger
}

func New(kv ports.KeyValueStore, key string, logger *slog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, key: key, log: logger}
}

// Load never fails: a missing, unreadable or malformed collection loads as
// empty, and individually invalid elements are dropped.
func (s *Store) Load(ctx context.Context) []domain.DocumentRecord {
	raw, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if !domain.IsKind(err, domain.ErrKeyNotFound) {
			s.log.Warn("record_store_read_failed", "key", s.key, "error", err)
		}
		return []domain.DocumentRecord{}
	}
	return s.decode(raw)
}

func (s *Store) decode(raw []byte) []domain.DocumentRecord {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		s.log.Warn("record_store_corrupt", "key", s.key, "error", err)
		return []domain.DocumentRecord{}
	}

	out := make([]domain.DocumentRecord, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		var rec domain.DocumentRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			s.log.Warn("record_store_skip_element", "index", i, "error", err)
			continue
		}
		if err := rec.Validate(); err != nil {
			s.log.Warn("record_store_skip_element", "index", i, "document_id", rec.ID, "error", err)
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			s.log.Warn("record_store_skip_element", "index", i, "document_id", rec.ID, "error", "duplicate id")
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out
}

func (s *Store) SaveAll(ctx context.Context, records []domain.DocumentRecord) error {
	if len(records) == 0 {
		if err := s.kv.Delete(ctx, s.key); err != nil {
			return fmt.Errorf("delete empty collection: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	if err := s.kv.Put(ctx, s.key, raw); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	return nil
}

// Remove deletes one document from the persisted collection. Unlike Load, a
// failed read is returned: treating it as empty would report a delete that
// never reached the disk.
func (s *Store) Remove(ctx context.Context, id string) error {
	raw, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if domain.IsKind(err, domain.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("read records: %w", err)
	}
	records := s.decode(raw)
	next := make([]domain.DocumentRecord, 0, len(records))
	for _, rec := range records {
		if rec.ID != id {
			next = append(next, rec)
		}
	}
	if len(next) == len(records) {
		return nil
	}
	return s.SaveAll(ctx, next)
}
