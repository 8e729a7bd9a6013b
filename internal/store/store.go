package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrFileNotFound  = errors.New("file not found")
	ErrDuplicateCode = errors.New("code already in use")
	ErrInvalidCode   = errors.New("invalid code format")
	ErrInvalidUpdate = errors.New("invalid counter update")
)

var codePattern = regexp.MustCompile(`^\d{4}$`)

// ValidCode reports whether code is exactly four ASCII digits.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// FileRecord is the metadata of one uploaded file.
type FileRecord struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	OriginalName  string    `json:"original_name"`
	StorageKey    string    `json:"storage_key"`
	ContentType   string    `json:"content_type"`
	Size          int64     `json:"size"`
	UploadedAt    time.Time `json:"uploaded_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DownloadCount int64     `json:"download_count"`
	IsActive      bool      `json:"is_active"`
}

// Session groups the files uploaded together under one code.
type Session struct {
	Code          string        `json:"code"`
	Files         []*FileRecord `json:"files"`
	TotalSize     int64         `json:"total_size"`
	UploadedAt    time.Time     `json:"uploaded_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	DownloadCount int64         `json:"download_count"`
	IsActive      bool          `json:"is_active"`
}

// IsExpired reports whether the session's expiry is strictly before now.
func (s *Session) IsExpired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

// FindFile returns the file with the given id, or nil.
func (s *Session) FindFile(id string) *FileRecord {
	for _, f := range s.Files {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// Validate checks the structural invariants every registry enforces on insert.
func (s *Session) Validate() error {
	if !ValidCode(s.Code) {
		return ErrInvalidCode
	}
	if len(s.Files) == 0 {
		return fmt.Errorf("session %s has no files", s.Code)
	}
	if !s.ExpiresAt.After(s.UploadedAt) {
		return fmt.Errorf("session %s expires before it was uploaded", s.Code)
	}

	var total int64
	seen := make(map[string]bool, len(s.Files))
	for _, f := range s.Files {
		if f.ID == "" || seen[f.ID] {
			return fmt.Errorf("session %s has an empty or duplicate file id", s.Code)
		}
		seen[f.ID] = true
		if f.Code != s.Code {
			return fmt.Errorf("file %s belongs to %q, not %s", f.ID, f.Code, s.Code)
		}
		if !f.ExpiresAt.Equal(s.ExpiresAt) {
			return fmt.Errorf("file %s expiry differs from session %s", f.ID, s.Code)
		}
		total += f.Size
	}
	if total != s.TotalSize {
		return fmt.Errorf("session %s total size %d != sum of files %d", s.Code, s.TotalSize, total)
	}
	return nil
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.Files = make([]*FileRecord, len(s.Files))
	for i, f := range s.Files {
		fc := *f
		c.Files[i] = &fc
	}
	return &c
}

// CounterUpdate is the only mutation allowed on a stored session.
// Deltas are added to the current counters; FileID may be empty to touch
// only the session counter.
type CounterUpdate struct {
	SessionDownloads int64
	FileID           string
	FileDownloads    int64
}

func (u CounterUpdate) validate() error {
	if u.SessionDownloads < 0 || u.FileDownloads < 0 {
		return ErrInvalidUpdate
	}
	if u.FileID == "" && u.FileDownloads != 0 {
		return ErrInvalidUpdate
	}
	return nil
}

// Registry defines the interface for session metadata persistence.
type Registry interface {
	SaveSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, code string) (*Session, error)
	GetFile(ctx context.Context, fileID string) (*FileRecord, error)
	UpdateCounters(ctx context.Context, code string, upd CounterUpdate) error
	DeleteSession(ctx context.Context, code string) error
	ListExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	Close() error
}
