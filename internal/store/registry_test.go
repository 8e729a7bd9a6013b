package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(code string, uploadedAt time.Time, sizes ...int64) *Session {
	expires := uploadedAt.Add(24 * time.Hour)
	s := &Session{
		Code:       code,
		UploadedAt: uploadedAt,
		ExpiresAt:  expires,
		IsActive:   true,
	}
	for i, size := range sizes {
		s.Files = append(s.Files, &FileRecord{
			ID:           fmt.Sprintf("%s-file-%d", code, i),
			Code:         code,
			OriginalName: fmt.Sprintf("doc%d.pdf", i),
			StorageKey:   fmt.Sprintf("1700000000000_abcd%04d_doc%d.pdf", i, i),
			ContentType:  "application/pdf",
			Size:         size,
			UploadedAt:   uploadedAt,
			ExpiresAt:    expires,
			IsActive:     true,
		})
		s.TotalSize += size
	}
	return s
}

// runRegistryTests exercises behaviour every Registry backend must share.
func runRegistryTests(t *testing.T, newRegistry func(t *testing.T) Registry) {
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		r := newRegistry(t)
		want := newTestSession("4821", baseTime, 100, 250)

		if err := r.SaveSession(ctx, want); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		got, err := r.GetSession(ctx, "4821")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if got.Code != want.Code || got.TotalSize != 350 {
			t.Errorf("got code=%s total=%d, want 4821/350", got.Code, got.TotalSize)
		}
		if !got.UploadedAt.Equal(want.UploadedAt) || !got.ExpiresAt.Equal(want.ExpiresAt) {
			t.Errorf("timestamps changed: %v/%v", got.UploadedAt, got.ExpiresAt)
		}
		if len(got.Files) != 2 {
			t.Fatalf("expected 2 files, got %d", len(got.Files))
		}
		for i, f := range got.Files {
			w := want.Files[i]
			if f.ID != w.ID || f.OriginalName != w.OriginalName || f.StorageKey != w.StorageKey || f.Size != w.Size {
				t.Errorf("file %d mismatch: got %+v, want %+v", i, f, w)
			}
			if !f.IsActive {
				t.Errorf("file %d should be active", i)
			}
		}
	})

	t.Run("get missing", func(t *testing.T) {
		r := newRegistry(t)
		if _, err := r.GetSession(ctx, "9999"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("invalid code", func(t *testing.T) {
		r := newRegistry(t)
		for _, code := range []string{"", "123", "12345", "12a4", "١٢٣٤"} {
			if _, err := r.GetSession(ctx, code); !errors.Is(err, ErrInvalidCode) {
				t.Errorf("GetSession(%q): expected ErrInvalidCode, got %v", code, err)
			}
		}
	})

	t.Run("duplicate code", func(t *testing.T) {
		r := newRegistry(t)
		if err := r.SaveSession(ctx, newTestSession("1111", baseTime, 10)); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		dup := newTestSession("1111", baseTime.Add(time.Minute), 20)
		dup.Files[0].ID = "other-id"
		if err := r.SaveSession(ctx, dup); !errors.Is(err, ErrDuplicateCode) {
			t.Errorf("expected ErrDuplicateCode, got %v", err)
		}

		got, err := r.GetSession(ctx, "1111")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if got.TotalSize != 10 {
			t.Errorf("original session was overwritten: total=%d", got.TotalSize)
		}
	})

	t.Run("rejects invalid session", func(t *testing.T) {
		r := newRegistry(t)
		empty := newTestSession("2222", baseTime)
		if err := r.SaveSession(ctx, empty); err == nil {
			t.Error("expected error for session without files")
		}

		wrongTotal := newTestSession("2223", baseTime, 5)
		wrongTotal.TotalSize = 6
		if err := r.SaveSession(ctx, wrongTotal); err == nil {
			t.Error("expected error for mismatched total size")
		}

		if exists, _ := r.CodeExists(ctx, "2222"); exists {
			t.Error("rejected session should not be stored")
		}
	})

	t.Run("get file", func(t *testing.T) {
		r := newRegistry(t)
		s := newTestSession("3030", baseTime, 1, 2)
		if err := r.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		f, err := r.GetFile(ctx, s.Files[1].ID)
		if err != nil {
			t.Fatalf("GetFile failed: %v", err)
		}
		if f.Code != "3030" || f.Size != 2 {
			t.Errorf("unexpected file: %+v", f)
		}

		if _, err := r.GetFile(ctx, "nope"); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("expected ErrFileNotFound, got %v", err)
		}
	})

	t.Run("update counters", func(t *testing.T) {
		r := newRegistry(t)
		s := newTestSession("5050", baseTime, 1, 2)
		if err := r.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		if err := r.UpdateCounters(ctx, "5050", CounterUpdate{SessionDownloads: 1}); err != nil {
			t.Fatalf("UpdateCounters failed: %v", err)
		}
		upd := CounterUpdate{SessionDownloads: 1, FileID: s.Files[1].ID, FileDownloads: 1}
		if err := r.UpdateCounters(ctx, "5050", upd); err != nil {
			t.Fatalf("UpdateCounters failed: %v", err)
		}

		got, _ := r.GetSession(ctx, "5050")
		if got.DownloadCount != 2 {
			t.Errorf("session downloads = %d, want 2", got.DownloadCount)
		}
		if got.Files[0].DownloadCount != 0 || got.Files[1].DownloadCount != 1 {
			t.Errorf("file downloads = %d/%d, want 0/1", got.Files[0].DownloadCount, got.Files[1].DownloadCount)
		}
	})

	t.Run("update counters errors", func(t *testing.T) {
		r := newRegistry(t)
		s := newTestSession("6060", baseTime, 1)
		if err := r.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		if err := r.UpdateCounters(ctx, "7070", CounterUpdate{SessionDownloads: 1}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := r.UpdateCounters(ctx, "6060", CounterUpdate{FileID: "missing", FileDownloads: 1}); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("expected ErrFileNotFound, got %v", err)
		}
		if err := r.UpdateCounters(ctx, "6060", CounterUpdate{SessionDownloads: -1}); !errors.Is(err, ErrInvalidUpdate) {
			t.Errorf("expected ErrInvalidUpdate, got %v", err)
		}
		if err := r.UpdateCounters(ctx, "6060", CounterUpdate{FileDownloads: 1}); !errors.Is(err, ErrInvalidUpdate) {
			t.Errorf("expected ErrInvalidUpdate without file id, got %v", err)
		}

		got, _ := r.GetSession(ctx, "6060")
		if got.DownloadCount != 0 {
			t.Errorf("failed updates must not change counters, got %d", got.DownloadCount)
		}
	})

	t.Run("concurrent counter updates", func(t *testing.T) {
		r := newRegistry(t)
		s := newTestSession("8080", baseTime, 1)
		if err := r.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- r.UpdateCounters(ctx, "8080", CounterUpdate{SessionDownloads: 1, FileID: s.Files[0].ID, FileDownloads: 1})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("UpdateCounters failed: %v", err)
			}
		}

		got, _ := r.GetSession(ctx, "8080")
		if got.DownloadCount != n || got.Files[0].DownloadCount != n {
			t.Errorf("lost updates: session=%d file=%d, want %d", got.DownloadCount, got.Files[0].DownloadCount, n)
		}
	})

	t.Run("delete", func(t *testing.T) {
		r := newRegistry(t)
		s := newTestSession("9090", baseTime, 1)
		if err := r.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		if err := r.DeleteSession(ctx, "9090"); err != nil {
			t.Fatalf("DeleteSession failed: %v", err)
		}
		if _, err := r.GetSession(ctx, "9090"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if _, err := r.GetFile(ctx, s.Files[0].ID); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("expected file record removed, got %v", err)
		}

		// Deleting again is a no-op.
		if err := r.DeleteSession(ctx, "9090"); err != nil {
			t.Errorf("second DeleteSession should succeed, got %v", err)
		}

		// The code can be reused.
		reuse := newTestSession("9090", baseTime.Add(time.Hour), 3)
		reuse.Files[0].ID = "reused"
		if err := r.SaveSession(ctx, reuse); err != nil {
			t.Errorf("code should be reusable after delete: %v", err)
		}
	})

	t.Run("list expired", func(t *testing.T) {
		r := newRegistry(t)
		old := newTestSession("1000", baseTime.Add(-48*time.Hour), 1)
		older := newTestSession("1001", baseTime.Add(-72*time.Hour), 1)
		fresh := newTestSession("1002", baseTime, 1)
		for _, s := range []*Session{old, older, fresh} {
			if err := r.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession failed: %v", err)
			}
		}

		expired, err := r.ListExpiredSessions(ctx, baseTime)
		if err != nil {
			t.Fatalf("ListExpiredSessions failed: %v", err)
		}
		if len(expired) != 2 {
			t.Fatalf("expected 2 expired, got %d", len(expired))
		}
		if expired[0].Code != "1001" || expired[1].Code != "1000" {
			t.Errorf("expected oldest first, got %s, %s", expired[0].Code, expired[1].Code)
		}
		if len(expired[0].Files) != 1 {
			t.Errorf("expired session should carry its files")
		}

		// Expiry is strict: a session expiring exactly now is still live.
		atBoundary, err := r.ListExpiredSessions(ctx, fresh.ExpiresAt)
		if err != nil {
			t.Fatalf("ListExpiredSessions failed: %v", err)
		}
		if len(atBoundary) != 2 {
			t.Errorf("session expiring exactly now should not be listed, got %d", len(atBoundary))
		}
	})

	t.Run("list sessions", func(t *testing.T) {
		r := newRegistry(t)
		sessions, err := r.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		if len(sessions) != 0 {
			t.Errorf("expected empty registry, got %d", len(sessions))
		}

		for i, code := range []string{"4003", "4001", "4002"} {
			if err := r.SaveSession(ctx, newTestSession(code, baseTime.Add(time.Duration(i)*time.Minute), 1)); err != nil {
				t.Fatalf("SaveSession failed: %v", err)
			}
		}
		sessions, err = r.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		if len(sessions) != 3 || sessions[0].Code != "4003" {
			t.Errorf("unexpected listing: %d sessions", len(sessions))
		}
	})

	t.Run("code exists", func(t *testing.T) {
		r := newRegistry(t)
		if exists, err := r.CodeExists(ctx, "5555"); err != nil || exists {
			t.Errorf("CodeExists = %v, %v; want false, nil", exists, err)
		}
		if err := r.SaveSession(ctx, newTestSession("5555", baseTime, 1)); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
		if exists, err := r.CodeExists(ctx, "5555"); err != nil || !exists {
			t.Errorf("CodeExists = %v, %v; want true, nil", exists, err)
		}
	})

	t.Run("returned sessions are copies", func(t *testing.T) {
		r := newRegistry(t)
		if err := r.SaveSession(ctx, newTestSession("6565", baseTime, 1)); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
		got, _ := r.GetSession(ctx, "6565")
		got.DownloadCount = 99
		got.Files[0].OriginalName = "mutated"

		again, _ := r.GetSession(ctx, "6565")
		if again.DownloadCount != 0 || again.Files[0].OriginalName != "doc0.pdf" {
			t.Error("caller mutation leaked into the registry")
		}
	})
}
