package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"btdrop/internal/files"
	"btdrop/internal/logging"
	"btdrop/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("btdrop-session")

const (
	DefaultRetention    = 24 * time.Hour
	DefaultMaxTotalSize = 2 << 30 // 2 GiB
)

// Config holds the service limits.
type Config struct {
	Retention    time.Duration
	MaxTotalSize int64
}

// Service creates sessions and serves their files.
type Service struct {
	registry  store.Registry
	storage   files.Storage
	allocator *Allocator

	retention    time.Duration
	maxTotalSize int64
	now          func() time.Time
}

// NewService creates a new session service. Zero config values select the
// defaults.
func NewService(registry store.Registry, storage files.Storage, allocator *Allocator, cfg Config) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = DefaultMaxTotalSize
	}
	return &Service{
		registry:     registry,
		storage:      storage,
		allocator:    allocator,
		retention:    cfg.Retention,
		maxTotalSize: cfg.MaxTotalSize,
		now:          time.Now,
	}
}

// Upload is one file of a batch. Size is the declared length of Content.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.Reader
}

// FileInfo is the public view of a stored file.
type FileInfo struct {
	ID           string `json:"id"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	ContentType  string `json:"mimetype"`
}

// CreateResult is returned by CreateSession.
type CreateResult struct {
	Code      string     `json:"code"`
	Files     []FileInfo `json:"files"`
	TotalSize int64      `json:"totalSize"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// SessionInfo is the public view of a live session.
type SessionInfo struct {
	Code          string     `json:"code"`
	Files         []FileInfo `json:"files"`
	TotalSize     int64      `json:"totalSize"`
	UploadedAt    time.Time  `json:"uploadedAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	DownloadCount int64      `json:"downloadCount"`
}

// Download is an opened file ready to stream. The caller must close Content.
type Download struct {
	Content     io.ReadCloser
	Name        string
	ContentType string
	Size        int64
	ModTime     time.Time
}

type preparedUpload struct {
	Upload
	name        string
	contentType string
}

// CreateSession validates the batch, writes every file to storage and
// registers the session under a fresh code. Nothing is left behind on
// failure.
func (s *Service) CreateSession(ctx context.Context, uploads []Upload) (*CreateResult, error) {
	ctx, span := tracer.Start(ctx, "session.create",
		trace.WithAttributes(attribute.Int("file_count", len(uploads))),
	)
	defer span.End()

	prepared, total, err := s.validate(uploads)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			sessionCreateFailuresTotal.WithLabelValues(string(ve.Reason)).Inc()
		}
		return nil, err
	}

	code, err := s.allocator.Allocate(ctx)
	if err != nil {
		sessionCreateFailuresTotal.WithLabelValues("allocate").Inc()
		span.RecordError(err)
		return nil, err
	}

	now := s.now().UTC()
	sess := &store.Session{
		Code:       code,
		TotalSize:  total,
		UploadedAt: now,
		ExpiresAt:  now.Add(s.retention),
		IsActive:   true,
	}

	var written []string
	for _, u := range prepared {
		key := storageKey(now, u.name)
		// One extra byte lets an over-long body show up as a size mismatch.
		n, err := s.storage.Save(ctx, key, io.LimitReader(u.Content, u.Size+1))
		if err == nil && n != u.Size {
			written = append(written, key)
			err = fmt.Errorf("wrote %d bytes, declared %d", n, u.Size)
		}
		if err != nil {
			s.rollback(written)
			sessionCreateFailuresTotal.WithLabelValues("storage").Inc()
			span.RecordError(err)
			logging.Storage.Printf("save failed key=%s: %v", key, err)
			return nil, &StorageError{Op: "save", Key: key, Err: err}
		}
		written = append(written, key)

		sess.Files = append(sess.Files, &store.FileRecord{
			ID:           uuid.NewString(),
			Code:         code,
			OriginalName: u.name,
			StorageKey:   key,
			ContentType:  u.contentType,
			Size:         u.Size,
			UploadedAt:   now,
			ExpiresAt:    sess.ExpiresAt,
			IsActive:     true,
		})
	}

	if err := s.register(ctx, sess); err != nil {
		s.rollback(written)
		sessionCreateFailuresTotal.WithLabelValues("registry").Inc()
		span.RecordError(err)
		return nil, err
	}

	sessionsCreatedTotal.Inc()
	uploadedBytesTotal.Add(float64(total))
	span.SetAttributes(attribute.String("code", sess.Code), attribute.Int64("total_size", total))
	logging.Registry.Printf("session created code=%s files=%d size=%s", sess.Code, len(sess.Files), humanize.IBytes(uint64(total)))

	return &CreateResult{
		Code:      sess.Code,
		Files:     publicFiles(sess.Files),
		TotalSize: sess.TotalSize,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// validate checks the whole batch before any byte is written.
func (s *Service) validate(uploads []Upload) ([]preparedUpload, int64, error) {
	if len(uploads) == 0 {
		return nil, 0, &ValidationError{Reason: ReasonNoFiles, Msg: "no files provided"}
	}

	prepared := make([]preparedUpload, 0, len(uploads))
	var total int64
	for _, u := range uploads {
		name, err := displayName(u.Name)
		if err != nil {
			return nil, 0, err
		}
		ct, err := checkContentType(name, u.ContentType)
		if err != nil {
			return nil, 0, err
		}
		if u.Size < 0 || u.Content == nil {
			return nil, 0, &ValidationError{Reason: ReasonSizeExceeded, File: name, Msg: "file size unknown"}
		}
		// total never exceeds maxTotalSize here, so the subtraction cannot wrap.
		if u.Size > s.maxTotalSize-total {
			return nil, 0, &ValidationError{
				Reason: ReasonSizeExceeded,
				Msg: fmt.Sprintf("total upload size exceeds %s limit",
					humanize.IBytes(uint64(s.maxTotalSize))),
			}
		}
		total += u.Size
		prepared = append(prepared, preparedUpload{Upload: u, name: name, contentType: ct})
	}
	return prepared, total, nil
}

// register inserts the session, picking a new code whenever a concurrent
// upload claimed the current one first. Storage keys do not depend on the
// code so nothing is rewritten.
func (s *Service) register(ctx context.Context, sess *store.Session) error {
	for attempt := 1; ; attempt++ {
		err := s.registry.SaveSession(ctx, sess)
		if !errors.Is(err, store.ErrDuplicateCode) {
			return err
		}
		if attempt >= s.allocator.MaxAttempts() {
			return ErrCodeSpaceExhausted
		}

		logging.Registry.Printf("code %s taken during registration, reallocating", sess.Code)
		code, err := s.allocator.Allocate(ctx)
		if err != nil {
			return err
		}
		sess.Code = code
		for _, f := range sess.Files {
			f.Code = code
		}
	}
}

// rollback removes content written for a batch that will not be registered.
// It runs detached from the request so a cancelled client cannot leak files.
func (s *Service) rollback(keys []string) {
	ctx := context.Background()
	for _, key := range keys {
		if err := s.storage.Delete(ctx, key); err != nil {
			logging.Storage.Printf("rollback failed key=%s: %v", key, err)
		}
	}
}

// GetSessionInfo returns the public view of a live session.
func (s *Service) GetSessionInfo(ctx context.Context, code string) (*SessionInfo, error) {
	ctx, span := tracer.Start(ctx, "session.info",
		trace.WithAttributes(attribute.String("code", code)),
	)
	defer span.End()

	sess, err := s.live(ctx, code)
	if err != nil {
		return nil, err
	}

	return &SessionInfo{
		Code:          sess.Code,
		Files:         publicFiles(sess.Files),
		TotalSize:     sess.TotalSize,
		UploadedAt:    sess.UploadedAt,
		ExpiresAt:     sess.ExpiresAt,
		DownloadCount: sess.DownloadCount,
	}, nil
}

// DownloadFile opens one file of a live session and meters the download.
// Counters are bumped once the content is open; a failed counter update
// is logged and does not fail the download.
func (s *Service) DownloadFile(ctx context.Context, code, fileID string) (*Download, error) {
	ctx, span := tracer.Start(ctx, "session.download",
		trace.WithAttributes(
			attribute.String("code", code),
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	sess, err := s.live(ctx, code)
	if err != nil {
		return nil, err
	}

	f := sess.FindFile(fileID)
	if f == nil {
		return nil, ErrFileNotFound
	}

	info, err := s.storage.Stat(ctx, f.StorageKey)
	if errors.Is(err, files.ErrNotFound) {
		logging.Storage.Printf("content missing code=%s file_id=%s key=%s", code, fileID, f.StorageKey)
		return nil, ErrContentMissing
	}
	if err != nil {
		span.RecordError(err)
		return nil, &StorageError{Op: "stat", Key: f.StorageKey, Err: err}
	}

	content, err := s.storage.Load(ctx, f.StorageKey)
	if errors.Is(err, files.ErrNotFound) {
		return nil, ErrContentMissing
	}
	if err != nil {
		span.RecordError(err)
		return nil, &StorageError{Op: "load", Key: f.StorageKey, Err: err}
	}

	upd := store.CounterUpdate{SessionDownloads: 1, FileID: f.ID, FileDownloads: 1}
	if err := s.registry.UpdateCounters(ctx, code, upd); err != nil {
		logging.Registry.Printf("failed to update download counters code=%s file_id=%s: %v", code, f.ID, err)
	}
	downloadsTotal.Inc()

	return &Download{
		Content:     content,
		Name:        f.OriginalName,
		ContentType: f.ContentType,
		Size:        info.Size,
		ModTime:     info.ModTime,
	}, nil
}

// live resolves code to a session that has neither expired nor been
// deactivated.
func (s *Service) live(ctx context.Context, code string) (*store.Session, error) {
	if !store.ValidCode(code) {
		return nil, ErrInvalidCodeFormat
	}

	sess, err := s.registry.GetSession(ctx, code)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, store.ErrInvalidCode):
		return nil, ErrInvalidCodeFormat
	case err != nil:
		return nil, fmt.Errorf("failed to load session %s: %w", code, err)
	}

	if !sess.IsActive || sess.IsExpired(s.now()) {
		return nil, ErrExpired
	}
	return sess, nil
}

func publicFiles(records []*store.FileRecord) []FileInfo {
	out := make([]FileInfo, len(records))
	for i, f := range records {
		out[i] = FileInfo{
			ID:           f.ID,
			OriginalName: f.OriginalName,
			Size:         f.Size,
			ContentType:  f.ContentType,
		}
	}
	return out
}
