package localfs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
)

// Storage keeps one file per key under basePath.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/store"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

func (s *Storage) Get(_ context.Context, key string) ([]byte, error) {
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrKeyNotFound, "read key", fmt.Errorf("key=%s", key))
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// Put writes to a temp file in the same directory, syncs it and renames it
// over the target, so readers see either the old or the new value.
func (s *Storage) Put(_ context.Context, key string, value []byte) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.basePath, ".tmp-"+encodeKey(key)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return s.syncDir()
}

func (s *Storage) Delete(_ context.Context, key string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return s.syncDir()
}

func (s *Storage) path(key string) (string, error) {
	if key == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve key", errors.New("key is empty"))
	}
	return filepath.Join(s.basePath, encodeKey(key)+".json"), nil
}

func (s *Storage) syncDir() error {
	dir, err := os.Open(s.basePath)
	if err != nil {
		return fmt.Errorf("open storage dir: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil && !syncUnsupported(err) {
		return fmt.Errorf("sync storage dir: %w", err)
	}
	return nil
}

// syncUnsupported reports filesystems and platforms that cannot fsync a
// directory.
func syncUnsupported(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, errors.ErrUnsupported)
}

// encodeKey maps a key to a file name reversibly, so distinct keys never
// share a file.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}
