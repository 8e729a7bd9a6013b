package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Registry in process memory. All mutations take the
// write lock, which makes every operation linearizable.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	files    map[string]string // file id -> code
}

// NewMemoryStore creates an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		files:    make(map[string]string),
	}
}

func (m *MemoryStore) SaveSession(ctx context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.Code]; ok {
		return ErrDuplicateCode
	}
	for _, f := range s.Files {
		if _, ok := m.files[f.ID]; ok {
			return ErrDuplicateCode
		}
	}

	stored := s.Clone()
	m.sessions[s.Code] = stored
	for _, f := range stored.Files {
		m.files[f.ID] = s.Code
	}
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, code string) (*Session, error) {
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[code]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) GetFile(ctx context.Context, fileID string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	code, ok := m.files[fileID]
	if !ok {
		return nil, ErrFileNotFound
	}
	f := m.sessions[code].FindFile(fileID)
	if f == nil {
		return nil, ErrFileNotFound
	}
	fc := *f
	return &fc, nil
}

func (m *MemoryStore) UpdateCounters(ctx context.Context, code string, upd CounterUpdate) error {
	if !ValidCode(code) {
		return ErrInvalidCode
	}
	if err := upd.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return ErrNotFound
	}

	var file *FileRecord
	if upd.FileID != "" {
		if file = s.FindFile(upd.FileID); file == nil {
			return ErrFileNotFound
		}
	}

	s.DownloadCount += upd.SessionDownloads
	if file != nil {
		file.DownloadCount += upd.FileDownloads
	}
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, code string) error {
	if !ValidCode(code) {
		return ErrInvalidCode
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return nil
	}
	for _, f := range s.Files {
		delete(m.files, f.ID)
	}
	delete(m.sessions, code)
	return nil
}

func (m *MemoryStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*Session
	for _, s := range m.sessions {
		if s.IsExpired(now) {
			expired = append(expired, s.Clone())
		}
	}
	sortByUpload(expired)
	return expired, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s.Clone())
	}
	sortByUpload(all)
	return all, nil
}

func (m *MemoryStore) CodeExists(ctx context.Context, code string) (bool, error) {
	if !ValidCode(code) {
		return false, ErrInvalidCode
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.sessions[code]
	return ok, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func sortByUpload(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].UploadedAt.Equal(sessions[j].UploadedAt) {
			return sessions[i].Code < sessions[j].Code
		}
		return sessions[i].UploadedAt.Before(sessions[j].UploadedAt)
	})
}
