package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"btdrop/internal/logging"
)

// FSStorage implements Storage using the local filesystem.
type FSStorage struct {
	basePath string
}

// NewFSStorage creates a new filesystem-based storage.
func NewFSStorage(basePath string) (*FSStorage, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", basePath, err)
	}
	return &FSStorage{basePath: basePath}, nil
}

func (s *FSStorage) path(key string) string {
	return filepath.Join(s.basePath, key)
}

// Save streams data to a temp file, fsyncs it and renames it into place, so
// a reader never observes a partially written object.
func (s *FSStorage) Save(ctx context.Context, key string, data io.Reader) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}

	final := s.path(key)
	f, err := os.CreateTemp(s.basePath, ".upload-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()

	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: data})
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to move %s into place: %w", key, err)
	}

	logging.Storage.Printf("saved key=%s bytes=%d", key, n)
	return n, nil
}

func (s *FSStorage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *FSStorage) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FSStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FSStorage) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	fi, err := os.Stat(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, ErrNotFound
	}
	return &ObjectInfo{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
