// Package supervisor is the Startup Coordinator: it owns the storage
// directory lock and drives every long-lived component (embedding client,
// FSS, VSA, Embedding Queue, File Ingestor, Concurrent File Scheduler,
// Watcher, Search Service) through a single ordered startup, and tears the
// same stages down in reverse on Shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/localsem/localsem/internal/chunk"
	"github.com/localsem/localsem/internal/config"
	"github.com/localsem/localsem/internal/embed"
	coreerrors "github.com/localsem/localsem/internal/errors"
	"github.com/localsem/localsem/internal/fss"
	"github.com/localsem/localsem/internal/gitignore"
	"github.com/localsem/localsem/internal/ingest"
	"github.com/localsem/localsem/internal/parser"
	"github.com/localsem/localsem/internal/queue"
	"github.com/localsem/localsem/internal/schedule"
	"github.com/localsem/localsem/internal/search"
	"github.com/localsem/localsem/internal/store"
	"github.com/localsem/localsem/internal/watcher"
)

// schemaVersion is the current on-disk format version. Bumping it forces
// every storage directory opened by an older version through the
// destructive migration in runSchemaMigration.
const schemaVersion = 1

const lockRetryInterval = 200 * time.Millisecond

// Config bounds the Supervisor's startup.
type Config struct {
	// RootPath is the project root being indexed and searched.
	RootPath string

	// StorageDir holds fss.db, the vector index and the schema version
	// marker. Defaults to RootPath/.localsem. The daemon's control socket
	// and PID file are kept under ~/.localsem, not here.
	StorageDir string

	// Core is the effective project configuration (§6's option set). If
	// nil, config.NewConfig's defaults are used.
	Core *config.Config

}

// coldStartTimeout bounds how long Start waits for the embedding service
// client (spawned or pre-existing) to report ready before giving up.
const coldStartTimeout = 30 * time.Second

func (c Config) withDefaults() Config {
	if c.StorageDir == "" {
		c.StorageDir = filepath.Join(c.RootPath, ".localsem")
	}
	if c.Core == nil {
		c.Core = config.NewConfig()
	}
	return c
}

// Supervisor wires and owns the components of one indexed project.
type Supervisor struct {
	cfg Config

	lock *flock.Flock

	Embedder  embed.Embedder
	FSS       *fss.Store
	VSA       *store.VSA
	Registry  *parser.Registry
	Queue     *queue.Queue
	Sink      *ingest.CommitSink
	Ingestor  *ingest.Ingestor
	Scheduler *schedule.Scheduler
	Watcher   *watcher.HybridWatcher
	Search    *search.Service

	mu           sync.Mutex
	started      bool
	shutdown     bool
	ownsEmbedder bool
	ready        chan struct{}
	wg           sync.WaitGroup
	stopScan     context.CancelFunc
}

// New creates a Supervisor. Call Start to bring every component up.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults(), ready: make(chan struct{})}
}

// Ready is closed once every startup stage has completed successfully.
func (sup *Supervisor) Ready() <-chan struct{} {
	return sup.ready
}

// Start runs the startup sequence of spec.md §4.11 in order:
//  1. open storage directory, acquire exclusive lock, run schema migration
//  2. wait for the embedding service client to report ready
//  3. load the FSS cache
//  4. start the Embedding Queue, Concurrent File Scheduler and Watcher
//  5. signal ready
//
// A failure at any stage leaves already-acquired resources in place for
// the caller to clean up via Shutdown; Start itself does not attempt
// partial rollback, since spec.md treats startup failure as fatal to the
// whole process.
func (sup *Supervisor) Start(ctx context.Context) error {
	sup.mu.Lock()
	if sup.started {
		sup.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	sup.started = true
	sup.mu.Unlock()

	if err := os.MkdirAll(sup.cfg.StorageDir, 0o755); err != nil {
		return coreerrors.IOError("create storage directory", err)
	}

	if err := sup.acquireLock(ctx); err != nil {
		return err
	}

	if err := sup.runSchemaMigration(); err != nil {
		return err
	}

	embedder := sup.Embedder
	if embedder == nil {
		opened, err := sup.openEmbedder(ctx)
		if err != nil {
			return err
		}
		embedder = opened
		sup.Embedder = embedder
		sup.ownsEmbedder = true
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, coldStartTimeout)
		defer cancel()
		if err := waitForReady(waitCtx, embedder); err != nil {
			return coreerrors.SupervisorError("embedding service not ready", err)
		}
	}

	fssStore, err := fss.NewStore(filepath.Join(sup.cfg.StorageDir, "fss.db"))
	if err != nil {
		return coreerrors.IOError("open file status store", err)
	}
	if err := fssStore.BulkLoadCache(); err != nil {
		return coreerrors.IOError("load file status cache", err)
	}
	sup.FSS = fssStore

	vsa, err := sup.openVSA(embedder.Dimensions())
	if err != nil {
		return err
	}
	sup.VSA = vsa

	sup.Registry = parser.NewDefaultRegistry()

	sink := ingest.NewCommitSink(vsa, fssStore)
	sup.Sink = sink

	q := queue.New(sup.queueConfig(), embedder, sink)
	sup.Queue = q

	sup.Ingestor = ingest.New(ingest.Config{
		RootPath:     sup.cfg.RootPath,
		ChunkOptions: chunk.DefaultOptions(),
	}, sup.Registry, fssStore, q, sink)

	sup.Scheduler = schedule.New(sup.schedulerConfig(), sup.Ingestor.IngestFile)
	q.SetBackpressureListener(sup.Scheduler.SetBackpressure)

	searchOpts := search.DefaultOptions()
	searchSvc, err := search.New(embedder, vsa, searchOpts)
	if err != nil {
		return coreerrors.SupervisorError("construct search service", err)
	}
	sup.Search = searchSvc

	scanCtx, cancel := context.WithCancel(context.Background())
	sup.stopScan = cancel

	q.Start(scanCtx)

	if err := sup.startWatcher(scanCtx); err != nil {
		return err
	}

	sup.wg.Add(1)
	go func() {
		defer sup.wg.Done()
		if err := sup.ScanAll(scanCtx); err != nil {
			slog.Warn("supervisor_initial_scan_error", slog.String("error", err.Error()))
		}
	}()

	close(sup.ready)
	return nil
}

// ScanAll walks RootPath and submits every file not excluded by the
// project's patterns to the Scheduler, the same way the Watcher submits a
// freshly created file. It runs once at startup so files that already
// existed before the daemon had ever seen this project still get indexed:
// the Watcher only reports changes from the moment it starts.
func (sup *Supervisor) ScanAll(ctx context.Context) error {
	patterns := append(append([]string{}, sup.cfg.Core.ExcludePatterns...), sup.cfg.Core.BundlePatterns...)

	return filepath.WalkDir(sup.cfg.RootPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(sup.cfg.RootPath, path)
		if relErr != nil || rel == "." {
			return nil
		}

		base := filepath.Base(rel)
		if d.IsDir() {
			if base == ".git" || base == ".localsem" || gitignore.MatchesAnyPattern(rel, patterns) {
				return filepath.SkipDir
			}
			return nil
		}

		if gitignore.MatchesAnyPattern(rel, patterns) {
			return nil
		}

		if err := sup.Scheduler.Submit(ctx, rel); err != nil {
			slog.Warn("supervisor_scan_submit_error", slog.String("path", rel), slog.String("error", err.Error()))
		}
		return nil
	})
}

// queueConfig derives queue.Config from the project configuration.
func (sup *Supervisor) queueConfig() queue.Config {
	qc := sup.cfg.Core.Queue
	cfg := queue.DefaultConfig()
	if qc.BatchSize > 0 {
		cfg.BatchSize = qc.BatchSize
	}
	if qc.BatchTokenCap > 0 {
		cfg.BatchTokenCap = qc.BatchTokenCap
	}
	if qc.MaxQueueSize > 0 {
		cfg.MaxQueueSize = qc.MaxQueueSize
	}
	if qc.BackpressureThreshold > 0 {
		cfg.BackpressureThreshold = qc.BackpressureThreshold
	}
	return cfg
}

// schedulerConfig derives schedule.Config from the project configuration.
func (sup *Supervisor) schedulerConfig() schedule.Config {
	sc := sup.cfg.Core.Scheduler
	cfg := schedule.Config{MaxConcurrentFiles: sc.MaxConcurrentFiles}
	if sc.MemorySoftCeilingMB > 0 {
		cfg.MemoryCeilingBytes = uint64(sc.MemorySoftCeilingMB) * 1024 * 1024
	}
	return cfg
}

// openEmbedder constructs the embedding service client and blocks until it
// reports ready, per spec.md §4.11 stage 2. embed.New already blocks on the
// server's health check internally, so no separate wait is needed here.
func (sup *Supervisor) openEmbedder(ctx context.Context) (embed.Embedder, error) {
	waitCtx, cancel := context.WithTimeout(ctx, coldStartTimeout)
	defer cancel()

	embedder, err := embed.New(waitCtx, sup.cfg.Core.Embedding, sup.cfg.Core.Timeouts, sup.cfg.Core.ModelID)
	if err != nil {
		return nil, coreerrors.SupervisorError("create embedding client", err)
	}
	return embedder, nil
}

// waitForReady polls Available with exponential backoff, grounded on the
// same escalating-interval polling idiom used to wait for a subprocess
// model server to come up.
func waitForReady(ctx context.Context, embedder embed.Embedder) error {
	interval := 100 * time.Millisecond
	const maxInterval = 2 * time.Second

	for {
		if embedder.Available(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

func (sup *Supervisor) openVSA(dimensions int) (*store.VSA, error) {
	vsa, err := store.NewVSA(store.DefaultConfig(dimensions))
	if err != nil {
		return nil, coreerrors.SupervisorError("create vector store", err)
	}

	indexPath := filepath.Join(sup.cfg.StorageDir, "vectors.idx")
	if _, statErr := os.Stat(indexPath); statErr == nil {
		if err := vsa.Load(indexPath); err != nil {
			slog.Warn("supervisor_vsa_load_error", slog.String("error", err.Error()))
		}
	}
	return vsa, nil
}

func (sup *Supervisor) startWatcher(ctx context.Context) error {
	opts := watcher.DefaultOptions()
	opts.IgnorePatterns = append(append([]string{}, sup.cfg.Core.ExcludePatterns...), sup.cfg.Core.BundlePatterns...)

	w, err := watcher.NewHybridWatcher(opts)
	if err != nil {
		return coreerrors.SupervisorError("create watcher", err)
	}
	sup.Watcher = w

	if err := runAsync(w, ctx, sup.cfg.RootPath); err != nil {
		return coreerrors.SupervisorError("start watcher", err)
	}

	sup.wg.Add(1)
	go sup.consumeEvents(ctx, w)

	return nil
}

// runAsync starts the watcher in the background and returns once the first
// Start call has had a chance to fail fast (e.g. invalid root path), or
// nil if it's still running after a short grace window.
func runAsync(w *watcher.HybridWatcher, ctx context.Context, rootPath string) error {
	started := make(chan error, 1)
	go func() {
		started <- w.Start(ctx, rootPath)
	}()

	select {
	case err := <-started:
		return err
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

func (sup *Supervisor) consumeEvents(ctx context.Context, w *watcher.HybridWatcher) {
	defer sup.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			for _, ev := range batch {
				sup.handleEvent(ctx, ev)
			}
		}
	}
}

func (sup *Supervisor) handleEvent(ctx context.Context, ev watcher.FileEvent) {
	switch ev.Operation {
	case watcher.OpDelete:
		if err := sup.Ingestor.RemoveFile(ev.Path, sup.VSA); err != nil {
			slog.Warn("supervisor_remove_file_error", slog.String("path", ev.Path), slog.String("error", err.Error()))
		}
	case watcher.OpCreate, watcher.OpModify:
		if err := sup.Scheduler.Submit(ctx, ev.Path); err != nil {
			slog.Warn("supervisor_submit_error", slog.String("path", ev.Path), slog.String("error", err.Error()))
		}
	}
}

// acquireLock takes the storage directory's exclusive lock, retrying until
// ctx is cancelled. A held lock means another process already has this
// project open.
func (sup *Supervisor) acquireLock(ctx context.Context) error {
	lockPath := filepath.Join(sup.cfg.StorageDir, ".lock")
	lock := flock.New(lockPath)

	for {
		ok, err := lock.TryLock()
		if err != nil {
			return coreerrors.SupervisorError("acquire storage lock", err)
		}
		if ok {
			sup.lock = lock
			return nil
		}
		select {
		case <-ctx.Done():
			return coreerrors.SupervisorError("acquire storage lock", ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

// runSchemaMigration compares the on-disk schema version marker against
// schemaVersion. A mismatch means the vector store's model/dimension
// contract may have changed, so every vector row and FileStatus entry is
// invalidated rather than trusted: vectors are tied to a specific
// embedding model, and mixed-model stores are forbidden.
func (sup *Supervisor) runSchemaMigration() error {
	versionPath := filepath.Join(sup.cfg.StorageDir, ".db-version")

	onDisk, err := readVersion(versionPath)
	if err != nil {
		return coreerrors.SupervisorError("read schema version", err)
	}

	if onDisk == schemaVersion {
		return nil
	}

	if onDisk != 0 {
		slog.Warn("supervisor_schema_migration",
			slog.Int("from", onDisk), slog.Int("to", schemaVersion))
		for _, name := range []string{"vectors.idx", "vectors.idx.meta", "fss.db"} {
			_ = os.Remove(filepath.Join(sup.cfg.StorageDir, name))
		}
	}

	return writeVersion(versionPath, schemaVersion)
}

func readVersion(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var v int
	if _, err := fmt.Sscanf(string(data), "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func writeVersion(path string, version int) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", version)), 0o644)
}

// Shutdown tears down every component in the reverse order Start brought
// them up, saving the vector index before releasing the storage lock.
func (sup *Supervisor) Shutdown(ctx context.Context) error {
	sup.mu.Lock()
	if sup.shutdown {
		sup.mu.Unlock()
		return nil
	}
	sup.shutdown = true
	sup.mu.Unlock()

	if sup.stopScan != nil {
		sup.stopScan()
	}
	if sup.Watcher != nil {
		_ = sup.Watcher.Stop()
	}
	if sup.Scheduler != nil {
		_ = sup.Scheduler.Stop()
	}
	if sup.Queue != nil {
		sup.Queue.Stop()
	}

	sup.wg.Wait()

	if sup.VSA != nil {
		indexPath := filepath.Join(sup.cfg.StorageDir, "vectors.idx")
		if err := sup.VSA.Save(indexPath); err != nil {
			slog.Warn("supervisor_vsa_save_error", slog.String("error", err.Error()))
		}
		_ = sup.VSA.Close()
	}
	if sup.FSS != nil {
		_ = sup.FSS.Close()
	}
	if sup.Embedder != nil && sup.ownsEmbedder {
		_ = sup.Embedder.Close()
	}

	if sup.lock != nil {
		_ = sup.lock.Unlock()
	}

	return nil
}
