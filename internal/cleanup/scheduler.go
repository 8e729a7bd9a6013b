// Package cleanup removes expired sessions and their content on a fixed
// period.
package cleanup

import (
	"context"
	"sync"
	"time"

	"btdrop/internal/files"
	"btdrop/internal/logging"
	"btdrop/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultInterval = 60 * time.Minute

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btdrop_cleanup_runs_total",
		Help: "Cleanup sweeps executed.",
	})

	sessionsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btdrop_cleanup_sessions_deleted_total",
		Help: "Expired sessions removed from the registry.",
	})

	filesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btdrop_cleanup_files_deleted_total",
		Help: "Expired files removed from content storage.",
	})

	storageErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btdrop_cleanup_storage_errors_total",
		Help: "Content deletions that failed during cleanup.",
	})

	durationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "btdrop_cleanup_duration_seconds",
		Help:    "Duration of cleanup sweeps in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult summarises one sweep.
type SweepResult struct {
	Sessions       int // sessions removed from the registry
	Files          int // content objects deleted
	StorageErrors  int
	RegistryErrors int
	Duration       time.Duration
	Err            error // set when the expired listing itself failed
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	TotalSessions   int       `json:"totalSessions"`
	ActiveSessions  int       `json:"activeSessions"`
	ExpiredSessions int       `json:"expiredSessions"`
	TotalFiles      int       `json:"totalFiles"`
	TotalBytes      int64     `json:"totalBytes"`
	OldestUpload    time.Time `json:"oldestUpload,omitempty"`
	NewestUpload    time.Time `json:"newestUpload,omitempty"`
}

// Scheduler periodically deletes expired sessions. It is either stopped or
// running; sweeps never overlap.
type Scheduler struct {
	registry store.Registry
	storage  files.Storage
	interval time.Duration
	now      func() time.Time

	sweepMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped scheduler. A non-positive interval selects
// DefaultInterval.
func New(registry store.Registry, storage files.Storage, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		registry: registry,
		storage:  storage,
		interval: interval,
		now:      time.Now,
	}
}

// Start runs a sweep immediately and then once per interval until Stop is
// called or ctx is cancelled. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		logging.Cleanup.Printf("warning: scheduler already running, ignoring start")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(loopCtx, s.done)
	logging.Cleanup.Printf("scheduler started (interval=%s)", s.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish. No sweep
// starts after Stop returns. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
	logging.Cleanup.Printf("scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.exited(done)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// exited marks the scheduler stopped when the loop ends on its own, which
// happens when the context passed to Start is cancelled. A loop replaced by
// a later Start leaves the state alone.
func (s *Scheduler) exited(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.done == done {
		s.running = false
		s.cancel()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// A started sweep runs to completion even if Stop is called meanwhile.
	s.RunOnce(context.WithoutCancel(ctx))
}

// RunOnce performs a single sweep. Content deletion failures are logged and
// counted; the registry record is removed regardless so a session is never
// retried.
func (s *Scheduler) RunOnce(ctx context.Context) *SweepResult {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := time.Now()
	result := &SweepResult{}
	defer func() {
		result.Duration = time.Since(start)
		runsTotal.Inc()
		sessionsDeletedTotal.Add(float64(result.Sessions))
		filesDeletedTotal.Add(float64(result.Files))
		storageErrorsTotal.Add(float64(result.StorageErrors))
		durationSeconds.Observe(result.Duration.Seconds())
	}()

	expired, err := s.registry.ListExpiredSessions(ctx, s.now())
	if err != nil {
		logging.Cleanup.Printf("failed to list expired sessions: %v", err)
		result.RegistryErrors++
		result.Err = err
		return result
	}

	for _, sess := range expired {
		for _, f := range sess.Files {
			if err := s.storage.Delete(ctx, f.StorageKey); err != nil {
				result.StorageErrors++
				logging.Cleanup.Printf("failed to delete content code=%s file_id=%s key=%s: %v", sess.Code, f.ID, f.StorageKey, err)
				continue
			}
			result.Files++
		}

		if err := s.registry.DeleteSession(ctx, sess.Code); err != nil {
			result.RegistryErrors++
			logging.Cleanup.Printf("failed to delete session code=%s: %v", sess.Code, err)
			continue
		}
		result.Sessions++
	}

	if result.Sessions > 0 || result.StorageErrors > 0 || result.RegistryErrors > 0 {
		logging.Cleanup.Printf("sweep done: %d sessions, %d files removed (%d storage errors, %d registry errors)",
			result.Sessions, result.Files, result.StorageErrors, result.RegistryErrors)
	}
	return result
}

// Stats derives counts from the registry at call time.
func (s *Scheduler) Stats(ctx context.Context) (*Stats, error) {
	sessions, err := s.registry.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	stats := &Stats{TotalSessions: len(sessions)}
	for _, sess := range sessions {
		if sess.IsExpired(now) {
			stats.ExpiredSessions++
		} else {
			stats.ActiveSessions++
		}
		stats.TotalFiles += len(sess.Files)
		stats.TotalBytes += sess.TotalSize

		if stats.OldestUpload.IsZero() || sess.UploadedAt.Before(stats.OldestUpload) {
			stats.OldestUpload = sess.UploadedAt
		}
		if sess.UploadedAt.After(stats.NewestUpload) {
			stats.NewestUpload = sess.UploadedAt
		}
	}
	return stats, nil
}
