package cleanup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"btdrop/internal/files"
	"btdrop/internal/store"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// failingStorage wraps a real storage and fails Delete for selected keys.
type failingStorage struct {
	files.Storage
	mu      sync.Mutex
	failFor map[string]bool
	deletes []string
	block   chan struct{} // when set, Delete waits on it
	entered chan struct{}
}

func (f *failingStorage) Delete(ctx context.Context, key string) error {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.deletes = append(f.deletes, key)
	fail := f.failFor[key]
	f.mu.Unlock()
	if fail {
		return errors.New("storage unavailable")
	}
	return f.Storage.Delete(ctx, key)
}

type brokenRegistry struct {
	store.Registry
	listErr   error
	deleteErr error
}

func (b *brokenRegistry) ListExpiredSessions(ctx context.Context, now time.Time) ([]*store.Session, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	return b.Registry.ListExpiredSessions(ctx, now)
}

func (b *brokenRegistry) DeleteSession(ctx context.Context, code string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	return b.Registry.DeleteSession(ctx, code)
}

// seed writes content for every file and registers the session.
func seed(t *testing.T, reg store.Registry, fs files.Storage, code string, uploadedAt time.Time, retention time.Duration, nfiles int) *store.Session {
	t.Helper()
	ctx := context.Background()

	sess := &store.Session{
		Code:       code,
		UploadedAt: uploadedAt,
		ExpiresAt:  uploadedAt.Add(retention),
		IsActive:   true,
	}
	for i := 0; i < nfiles; i++ {
		key := code + "_" + string(rune('a'+i)) + ".txt"
		n, err := fs.Save(ctx, key, strings.NewReader("hello"))
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		sess.Files = append(sess.Files, &store.FileRecord{
			ID:         code + "-" + string(rune('a'+i)),
			Code:       code,
			StorageKey: key,
			Size:       n,
			UploadedAt: uploadedAt,
			ExpiresAt:  sess.ExpiresAt,
			IsActive:   true,
		})
		sess.TotalSize += n
	}
	if err := reg.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	return sess
}

func newFS(t *testing.T) *files.FSStorage {
	t.Helper()
	fs, err := files.NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStorage failed: %v", err)
	}
	return fs
}

func TestScheduler_RunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("removes expired sessions and content", func(t *testing.T) {
		reg := store.NewMemoryStore()
		fs := newFS(t)
		old := seed(t, reg, fs, "1111", baseTime.Add(-48*time.Hour), 24*time.Hour, 2)
		fresh := seed(t, reg, fs, "2222", baseTime.Add(-time.Hour), 24*time.Hour, 1)

		s := New(reg, fs, time.Minute)
		s.now = func() time.Time { return baseTime }

		res := s.RunOnce(ctx)
		if res.Err != nil {
			t.Fatalf("sweep failed: %v", res.Err)
		}
		if res.Sessions != 1 || res.Files != 2 {
			t.Errorf("result = %+v, want 1 session 2 files", res)
		}

		if _, err := reg.GetSession(ctx, "1111"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expired session still present: %v", err)
		}
		for _, f := range old.Files {
			if ok, _ := fs.Exists(ctx, f.StorageKey); ok {
				t.Errorf("content %s not deleted", f.StorageKey)
			}
		}

		if _, err := reg.GetSession(ctx, "2222"); err != nil {
			t.Errorf("live session removed: %v", err)
		}
		if ok, _ := fs.Exists(ctx, fresh.Files[0].StorageKey); !ok {
			t.Error("live content removed")
		}
	})

	t.Run("expiry boundary is exclusive", func(t *testing.T) {
		reg := store.NewMemoryStore()
		fs := newFS(t)
		seed(t, reg, fs, "3333", baseTime.Add(-24*time.Hour), 24*time.Hour, 1)

		s := New(reg, fs, time.Minute)
		s.now = func() time.Time { return baseTime }

		if res := s.RunOnce(ctx); res.Sessions != 0 {
			t.Errorf("session expiring exactly now was removed")
		}
	})

	t.Run("storage failure does not keep the record", func(t *testing.T) {
		reg := store.NewMemoryStore()
		fs := newFS(t)
		sess := seed(t, reg, fs, "4444", baseTime.Add(-48*time.Hour), time.Hour, 3)
		bad := &failingStorage{Storage: fs, failFor: map[string]bool{sess.Files[1].StorageKey: true}}

		s := New(reg, bad, time.Minute)
		s.now = func() time.Time { return baseTime }

		res := s.RunOnce(ctx)
		if res.StorageErrors != 1 || res.Files != 2 || res.Sessions != 1 {
			t.Errorf("result = %+v", res)
		}
		if len(bad.deletes) != 3 {
			t.Errorf("deletes attempted = %d, want 3", len(bad.deletes))
		}
		if ok, _ := reg.CodeExists(ctx, "4444"); ok {
			t.Error("record kept after storage failure")
		}

		// The orphan is not retried on the next sweep.
		res = s.RunOnce(ctx)
		if res.Sessions != 0 || len(bad.deletes) != 3 {
			t.Errorf("second sweep retried: %+v deletes=%d", res, len(bad.deletes))
		}
	})

	t.Run("listing failure is recorded", func(t *testing.T) {
		listErr := errors.New("connection refused")
		reg := &brokenRegistry{Registry: store.NewMemoryStore(), listErr: listErr}

		s := New(reg, newFS(t), time.Minute)
		res := s.RunOnce(ctx)
		if !errors.Is(res.Err, listErr) {
			t.Errorf("Err = %v, want %v", res.Err, listErr)
		}
		if res.RegistryErrors != 1 {
			t.Errorf("RegistryErrors = %d", res.RegistryErrors)
		}
	})

	t.Run("registry delete failure continues with next session", func(t *testing.T) {
		mem := store.NewMemoryStore()
		fs := newFS(t)
		seed(t, mem, fs, "5555", baseTime.Add(-72*time.Hour), time.Hour, 1)
		seed(t, mem, fs, "6666", baseTime.Add(-48*time.Hour), time.Hour, 1)
		reg := &brokenRegistry{Registry: mem, deleteErr: errors.New("readonly")}

		s := New(reg, fs, time.Minute)
		s.now = func() time.Time { return baseTime }

		res := s.RunOnce(ctx)
		if res.RegistryErrors != 2 || res.Sessions != 0 || res.Files != 2 {
			t.Errorf("result = %+v", res)
		}
	})
}

func TestScheduler_StartStop(t *testing.T) {
	t.Run("start runs an immediate sweep", func(t *testing.T) {
		reg := store.NewMemoryStore()
		fs := newFS(t)
		seed(t, reg, fs, "7777", time.Now().Add(-48*time.Hour), time.Hour, 1)

		s := New(reg, fs, time.Hour)
		s.Start(context.Background())
		defer s.Stop()

		deadline := time.Now().Add(2 * time.Second)
		for {
			ok, _ := reg.CodeExists(context.Background(), "7777")
			if !ok {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("initial sweep did not run")
			}
			time.Sleep(10 * time.Millisecond)
		}
	})

	t.Run("start and stop are idempotent", func(t *testing.T) {
		s := New(store.NewMemoryStore(), newFS(t), time.Hour)
		s.Stop()
		if s.Running() {
			t.Fatal("new scheduler reports running")
		}

		s.Start(context.Background())
		s.Start(context.Background())
		if !s.Running() {
			t.Fatal("scheduler not running after Start")
		}

		s.Stop()
		s.Stop()
		if s.Running() {
			t.Fatal("scheduler running after Stop")
		}

		s.Start(context.Background())
		if !s.Running() {
			t.Fatal("scheduler did not restart")
		}
		s.Stop()
	})

	t.Run("stop waits for in-flight sweep", func(t *testing.T) {
		reg := store.NewMemoryStore()
		fs := newFS(t)
		seed(t, reg, fs, "8888", time.Now().Add(-48*time.Hour), time.Hour, 1)

		slow := &failingStorage{
			Storage: fs,
			block:   make(chan struct{}),
			entered: make(chan struct{}, 1),
		}
		s := New(reg, slow, time.Hour)
		s.Start(context.Background())

		select {
		case <-slow.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("sweep never reached storage")
		}

		stopped := make(chan struct{})
		go func() {
			s.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			t.Fatal("Stop returned while a sweep was running")
		case <-time.After(50 * time.Millisecond):
		}

		close(slow.block)
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not return after sweep finished")
		}

		if ok, _ := reg.CodeExists(context.Background(), "8888"); ok {
			t.Error("in-flight sweep did not complete")
		}
	})

	t.Run("context cancellation ends the loop", func(t *testing.T) {
		s := New(store.NewMemoryStore(), newFS(t), 10*time.Millisecond)
		ctx, cancel := context.WithCancel(context.Background())
		s.Start(ctx)
		cancel()

		done := make(chan struct{})
		go func() {
			s.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop hung after context cancellation")
		}
	})

	t.Run("restart after context cancellation", func(t *testing.T) {
		reg := store.NewMemoryStore()
		fs := newFS(t)
		s := New(reg, fs, time.Hour)
		s.now = func() time.Time { return baseTime }

		ctx, cancel := context.WithCancel(context.Background())
		s.Start(ctx)
		cancel()

		deadline := time.Now().Add(2 * time.Second)
		for s.Running() {
			if time.Now().After(deadline) {
				t.Fatal("scheduler still reports running after its context was cancelled")
			}
			time.Sleep(5 * time.Millisecond)
		}

		seed(t, reg, fs, "4567", baseTime.Add(-48*time.Hour), time.Hour, 1)
		s.Start(context.Background())
		defer s.Stop()
		if !s.Running() {
			t.Fatal("expected Start to run the scheduler again")
		}

		deadline = time.Now().Add(2 * time.Second)
		for {
			if ok, _ := reg.CodeExists(context.Background(), "4567"); !ok {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("restarted scheduler did not sweep")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
}

func TestScheduler_Stats(t *testing.T) {
	reg := store.NewMemoryStore()
	fs := newFS(t)
	seed(t, reg, fs, "1234", baseTime.Add(-48*time.Hour), time.Hour, 2)
	seed(t, reg, fs, "2345", baseTime.Add(-2*time.Hour), 24*time.Hour, 1)
	seed(t, reg, fs, "3456", baseTime.Add(-time.Hour), 24*time.Hour, 3)

	s := New(reg, fs, time.Minute)
	s.now = func() time.Time { return baseTime }

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalSessions != 3 || stats.ActiveSessions != 2 || stats.ExpiredSessions != 1 {
		t.Errorf("session counts = %+v", stats)
	}
	if stats.TotalFiles != 6 {
		t.Errorf("TotalFiles = %d, want 6", stats.TotalFiles)
	}
	if stats.TotalBytes != 30 {
		t.Errorf("TotalBytes = %d, want 30", stats.TotalBytes)
	}
	if !stats.OldestUpload.Equal(baseTime.Add(-48*time.Hour)) || !stats.NewestUpload.Equal(baseTime.Add(-time.Hour)) {
		t.Errorf("upload range = %s .. %s", stats.OldestUpload, stats.NewestUpload)
	}

	t.Run("empty registry", func(t *testing.T) {
		s := New(store.NewMemoryStore(), fs, 0)
		stats, err := s.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.TotalSessions != 0 || !stats.OldestUpload.IsZero() {
			t.Errorf("stats = %+v", stats)
		}
		if s.interval != DefaultInterval {
			t.Errorf("interval = %s, want default", s.interval)
		}
	})
}
