package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/localsem/localsem/internal/async"
	"github.com/localsem/localsem/internal/embed"
	"github.com/localsem/localsem/internal/supervisor"
)

// projectState is one project's loaded Supervisor, plus the bookkeeping
// the Daemon needs to evict it under LRU pressure.
type projectState struct {
	rootPath   string
	storageDir string
	sup        *supervisor.Supervisor
	loadedAt   time.Time
	lastUsed   time.Time

	reindexMu sync.Mutex
	reindexer *async.BackgroundIndexer
}

// Close shuts down the project's Supervisor, if one was ever attached,
// after stopping any reindex still running in the background.
func (p *projectState) Close() error {
	p.reindexMu.Lock()
	if p.reindexer != nil && p.reindexer.IsRunning() {
		p.reindexer.Stop()
	}
	p.reindexMu.Unlock()

	if p.sup == nil {
		return nil
	}
	return p.sup.Shutdown(context.Background())
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithEmbedder overrides the embedding client every project's Supervisor
// is built with. Mostly for tests, to avoid needing a running embedding
// server.
func WithEmbedder(e embed.Embedder) Option {
	return func(d *Daemon) { d.embedder = e }
}

// Daemon is the multi-project RequestHandler backing Server: one process
// and an LRU cache of at most Config.MaxProjects live Supervisors. An
// embedding client given through WithEmbedder is shared across every
// indexed project; without one, each project's Supervisor builds its own.
type Daemon struct {
	cfg     Config
	embedder embed.Embedder
	server  *Server
	pidFile *PIDFile

	started time.Time

	mu       sync.RWMutex
	projects map[string]*projectState
}

// NewDaemon validates cfg and constructs a Daemon. It does not start
// listening; call Start for that.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		pidFile:  NewPIDFile(cfg.PIDPath),
		projects: make(map[string]*projectState),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start brings up the control socket and blocks until ctx is cancelled,
// then tears down every loaded project's Supervisor before returning.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}
	if err := d.pidFile.Write(); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer func() { _ = d.pidFile.Remove() }()

	srv, err := NewServer(d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	srv.SetHandler(d)
	d.server = srv

	d.started = time.Now()

	err = srv.ListenAndServe(ctx)

	d.cleanup()

	return err
}

// cleanup closes every loaded project and drops the embedder, so a
// stopped Daemon holds no background goroutines or open files.
func (d *Daemon) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for path, state := range d.projects {
		if err := state.Close(); err != nil {
			slog.Warn("daemon_project_close_error", slog.String("project", path), slog.String("error", err.Error()))
		}
	}
	d.projects = make(map[string]*projectState)
	d.embedder = nil
}

// GetStatus reports the daemon's own state, independent of any project.
func (d *Daemon) GetStatus() StatusResult {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(d.started).Round(time.Second).String(),
		EmbedderType:   "unavailable",
		EmbedderStatus: "unavailable",
		ProjectsLoaded: len(d.projects),
	}

	if d.embedder != nil {
		status.EmbedderType = d.embedder.ModelName()
		status.EmbedderStatus = "ready"
		if !d.embedder.Available(context.Background()) {
			status.EmbedderStatus = "recovering"
		}
	}

	return status
}

// HandleSearch answers a search against an already-indexed project. It
// does not index on demand: a project with no storage directory on disk
// has never been indexed, and the caller should call HandleIndex first.
func (d *Daemon) HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	state, err := d.getProject(ctx, params.RootPath, false)
	if err != nil {
		return nil, err
	}

	groups, err := state.sup.Search.Search(ctx, params.Query, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	results := make([]SearchResult, 0, len(groups))
	for _, g := range groups {
		inScope := len(params.Scopes) == 0
		for _, scope := range params.Scopes {
			if strings.HasPrefix(g.Path, scope) {
				inScope = true
				break
			}
		}
		if !inScope {
			continue
		}
		results = append(results, SearchResult{
			FilePath: g.TopHit.Path,
			Offset:   g.TopHit.Offset,
			Score:    float64(g.TopHit.Score),
			Content:  g.TopHit.Text,
		})
	}
	return results, nil
}

// HandleIndex loads or creates the project's Supervisor, which performs
// its own initial full scan on startup.
func (d *Daemon) HandleIndex(ctx context.Context, params IndexParams) (IndexResult, error) {
	if _, err := d.getProject(ctx, params.RootPath, true); err != nil {
		return IndexResult{}, err
	}
	return IndexResult{RootPath: params.RootPath, Started: true}, nil
}

// HandleReindex re-runs the full scan against an already-loaded project,
// re-submitting every file. FileStatus entries are kept, so a file whose
// content hash and parser version still match its record is skipped.
func (d *Daemon) HandleReindex(ctx context.Context, params ReindexParams) (ReindexResult, error) {
	state, err := d.getProject(ctx, params.RootPath, true)
	if err != nil {
		return ReindexResult{}, err
	}

	state.reindexMu.Lock()
	defer state.reindexMu.Unlock()

	if state.reindexer != nil && state.reindexer.IsRunning() {
		return ReindexResult{RootPath: params.RootPath, Queued: true}, nil
	}

	indexer := async.NewBackgroundIndexer(async.IndexerConfig{DataDir: state.storageDir})
	indexer.IndexFunc = func(ctx context.Context, _ *async.IndexProgress) error {
		return state.sup.ScanAll(ctx)
	}
	state.reindexer = indexer
	indexer.Start(context.Background())

	return ReindexResult{RootPath: params.RootPath, Queued: true}, nil
}

// HandlePause halts new admissions to a project's scheduler.
func (d *Daemon) HandlePause(ctx context.Context, params PauseParams) (PauseResult, error) {
	state, err := d.getProject(ctx, params.RootPath, false)
	if err != nil {
		return PauseResult{}, err
	}
	state.sup.Scheduler.Pause()
	return PauseResult{Paused: true}, nil
}

// HandleResume reopens admissions to a project's scheduler.
func (d *Daemon) HandleResume(ctx context.Context, params ResumeParams) (ResumeResult, error) {
	state, err := d.getProject(ctx, params.RootPath, false)
	if err != nil {
		return ResumeResult{}, err
	}
	state.sup.Scheduler.Resume()
	return ResumeResult{Resumed: true}, nil
}

// HandleStats reports index size and queue depth for one project.
func (d *Daemon) HandleStats(ctx context.Context, params StatsParams) (StatsResult, error) {
	state, err := d.getProject(ctx, params.RootPath, false)
	if err != nil {
		return StatsResult{}, err
	}

	vstats := state.sup.VSA.Stats()
	return StatsResult{
		RootPath:      params.RootPath,
		RowCount:      vstats.RowCount,
		DistinctPaths: vstats.DistinctPaths,
		QueueDepth:    state.sup.Queue.Depth(),
		Paused:        state.sup.Scheduler.Paused(),
	}, nil
}

// HandleShutdown asks the whole daemon process to stop. The actual socket
// close happens in Server.handleShutdown, after this response is sent.
func (d *Daemon) HandleShutdown(ctx context.Context) (ShutdownResult, error) {
	return ShutdownResult{Shutdown: true}, nil
}

// getProject returns the cached Supervisor for rootPath, loading one from
// disk (or creating a fresh one, if create is true) when not cached.
// create distinguishes HandleIndex (always build) from HandleSearch/
// HandlePause/HandleResume/HandleStats (only attach to an existing index).
func (d *Daemon) getProject(ctx context.Context, rootPath string, create bool) (*projectState, error) {
	d.mu.Lock()
	if state, ok := d.projects[rootPath]; ok {
		state.lastUsed = time.Now()
		d.mu.Unlock()
		return state, nil
	}
	d.mu.Unlock()

	storageDir := filepath.Join(rootPath, ".localsem")
	if !create {
		if _, err := os.Stat(filepath.Join(storageDir, ".db-version")); os.IsNotExist(err) {
			return nil, fmt.Errorf("no index found for %s", rootPath)
		}
	}

	if async.HasIncompleteLock(storageDir) {
		slog.Warn("daemon_incomplete_reindex_detected", slog.String("project", rootPath))
	}

	sup := supervisor.New(supervisor.Config{RootPath: rootPath})
	if d.embedder != nil {
		// Tests and embedded callers can pin a specific client; Start still
		// runs the readiness wait against it, which mock embedders satisfy
		// immediately.
		sup.Embedder = d.embedder
	}
	if err := sup.Start(ctx); err != nil {
		return nil, fmt.Errorf("start project %s: %w", rootPath, err)
	}

	now := time.Now()
	state := &projectState{rootPath: rootPath, storageDir: storageDir, sup: sup, loadedAt: now, lastUsed: now}

	d.mu.Lock()
	d.evictLRU()
	d.projects[rootPath] = state
	d.mu.Unlock()

	return state, nil
}

// evictLRU drops the least-recently-used projects until there is room for
// one more under Config.MaxProjects. Called with d.mu held, before the new
// project is inserted.
func (d *Daemon) evictLRU() {
	limit := d.cfg.MaxProjects
	if limit <= 0 || len(d.projects) < limit {
		return
	}

	paths := make([]string, 0, len(d.projects))
	for p := range d.projects {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		return d.projects[paths[i]].lastUsed.Before(d.projects[paths[j]].lastUsed)
	})

	for _, p := range paths[:len(paths)-limit+1] {
		state := d.projects[p]
		delete(d.projects, p)
		if err := state.Close(); err != nil {
			slog.Warn("daemon_evict_close_error", slog.String("project", p), slog.String("error", err.Error()))
		}
	}
}
