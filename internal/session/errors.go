package session

import (
	"errors"
	"fmt"

	"btdrop/internal/store"
)

var (
	ErrInvalidCodeFormat  = errors.New("invalid code format")
	ErrNotFound           = errors.New("code not found")
	ErrExpired            = errors.New("code has expired")
	ErrDuplicateCode      = store.ErrDuplicateCode
	ErrCodeSpaceExhausted = errors.New("no free code available")
	ErrContentMissing     = errors.New("file content is missing from storage")
	ErrFileNotFound       = errors.New("file not found")
)

// Reason classifies a ValidationError.
type Reason string

const (
	ReasonNoFiles      Reason = "no-files"
	ReasonSizeExceeded Reason = "size-exceeded"
	ReasonTypeRejected Reason = "type-rejected"
	ReasonBadName      Reason = "bad-name"
)

// ValidationError reports an upload batch that was rejected before any
// bytes were written.
type ValidationError struct {
	Reason Reason
	File   string // offending file name, empty for batch-level failures
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s", e.Reason, e.File, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

// StorageError wraps a content store failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
