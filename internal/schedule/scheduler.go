// Package schedule implements the Concurrent File Scheduler: a bounded
// work set that admits files for ingestion, deferring admission under
// embedding-queue backpressure, memory pressure, or an unavailable
// embedding service, without ever cancelling ingestion already in flight.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrentFiles bounds how many files are mid-ingestion at once
// when Config.MaxConcurrentFiles is unset.
const DefaultMaxConcurrentFiles = 8

const memoryPollInterval = 250 * time.Millisecond

// ErrStopped is returned by Submit once the scheduler has begun stopping.
var ErrStopped = errors.New("scheduler stopped")

// Config bounds the scheduler's admission policy.
type Config struct {
	// MaxConcurrentFiles is the work set size. Defaults to
	// DefaultMaxConcurrentFiles.
	MaxConcurrentFiles int

	// MemoryCeilingBytes, if non-zero, pauses new admissions whenever
	// runtime.MemStats.Alloc exceeds it. Already-admitted files are
	// unaffected.
	MemoryCeilingBytes uint64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentFiles <= 0 {
		c.MaxConcurrentFiles = DefaultMaxConcurrentFiles
	}
	return c
}

// IngestFunc runs one file's ingestion pipeline. Its error is logged, never
// propagated to Stop: one file's failure must never halt the scheduler or
// its siblings.
type IngestFunc func(ctx context.Context, path string) error

// Scheduler is the Concurrent File Scheduler.
type Scheduler struct {
	cfg    Config
	ingest IngestFunc

	sem   *semaphore.Weighted
	group errgroup.Group
	active int64

	admitCtx    context.Context
	cancelAdmit context.CancelFunc

	mu            sync.Mutex
	gate          chan struct{} // closed while admissions are allowed through
	paused        bool
	backpressured bool
	held          int64 // permits reserved back to shrink effective capacity
	stopping      bool
}

// New creates a Scheduler that calls ingest for every admitted path.
func New(cfg Config, ingest IngestFunc) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	gate := make(chan struct{})
	close(gate)

	return &Scheduler{
		cfg:         cfg,
		ingest:      ingest,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentFiles)),
		admitCtx:    ctx,
		cancelAdmit: cancel,
		gate:        gate,
	}
}

// Submit blocks until a slot is admitted (respecting pause, backpressure,
// and the memory ceiling) or ctx is cancelled, then runs ingest(ctx, path)
// in the background. Returns ErrStopped if the scheduler has begun
// stopping.
func (s *Scheduler) Submit(ctx context.Context, path string) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrStopped
	}
	s.mu.Unlock()

	if err := s.waitForAdmission(ctx); err != nil {
		return err
	}

	atomic.AddInt64(&s.active, 1)
	s.group.Go(func() error {
		defer atomic.AddInt64(&s.active, -1)
		defer s.sem.Release(1)
		if err := s.ingest(ctx, path); err != nil {
			slog.Warn("cfs_ingest_error", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	})
	return nil
}

// waitForAdmission blocks until the pause gate is open, memory is under
// ceiling, and a semaphore slot is free, in that order, or returns an
// error if ctx or the scheduler's own shutdown wins the race first.
func (s *Scheduler) waitForAdmission(ctx context.Context) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	select {
	case <-gate:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.admitCtx.Done():
		return ErrStopped
	}

	if err := s.waitForMemory(ctx); err != nil {
		return err
	}

	if err := s.sem.Acquire(s.admitCtx, 1); err != nil {
		return ErrStopped
	}
	if ctx.Err() != nil {
		s.sem.Release(1)
		return ctx.Err()
	}
	return nil
}

func (s *Scheduler) waitForMemory(ctx context.Context) error {
	if s.cfg.MemoryCeilingBytes == 0 {
		return nil
	}
	for {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if m.Alloc <= s.cfg.MemoryCeilingBytes {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.admitCtx.Done():
			return ErrStopped
		case <-time.After(memoryPollInterval):
		}
	}
}

// Pause halts new admissions entirely, for when the embedding service is
// in its Error state. Files already admitted keep running.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.gate = make(chan struct{})
}

// Paused reports whether the scheduler is currently rejecting new
// admissions, for status/stats reporting.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Resume reopens admissions after a Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.gate)
}

// SetBackpressure halves the effective work set size while asserted is
// true, restoring full capacity once it is false. The reservation is
// best-effort: if fewer than half the permits are free at the moment
// backpressure asserts, whatever is free gets reserved, and the shortfall
// is not made up while backpressure stays asserted: a repeated call with
// the same state returns without reserving more.
func (s *Scheduler) SetBackpressure(asserted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if asserted == s.backpressured {
		return
	}
	s.backpressured = asserted

	if asserted {
		half := int64(s.cfg.MaxConcurrentFiles) / 2
		if half < 1 {
			half = 1
		}
		var reserved int64
		for reserved < half && s.sem.TryAcquire(1) {
			reserved++
		}
		s.held = reserved
		return
	}

	if s.held > 0 {
		s.sem.Release(s.held)
		s.held = 0
	}
}

// ActiveCount reports how many files are currently mid-ingestion.
func (s *Scheduler) ActiveCount() int {
	return int(atomic.LoadInt64(&s.active))
}

// Stop cancels pending admissions and waits for every already-admitted
// ingestion to finish. Submit returns ErrStopped for any caller racing
// against it.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.stopping = true
	gate := s.gate
	paused := s.paused
	s.mu.Unlock()

	s.cancelAdmit()
	if paused {
		close(gate) // unblock anyone waiting in waitForAdmission so they observe stopping
	}

	return s.group.Wait()
}
