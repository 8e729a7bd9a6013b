package files

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"
)

var ErrNotFound = errors.New("object not found")
var ErrInvalidKey = errors.New("invalid storage key")

// validKeyPattern allows flat names only: no separators, no leading dot.
var validKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,254}$`)

// ValidateKey rejects keys that could escape the storage root.
func ValidateKey(key string) error {
	if !validKeyPattern.MatchString(key) || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Storage defines the interface for blob storage.
type Storage interface {
	Save(ctx context.Context, key string, data io.Reader) (int64, error)
	Load(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete succeeds when the object is already gone.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
}
