package ingest

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/localsem/localsem/internal/fss"
	"github.com/localsem/localsem/internal/queue"
	"github.com/localsem/localsem/internal/store"
)

// CommitSink is the Embedding Queue's on_batch_complete/on_batch_failed
// sink and doubles as the File Ingestor's commit path. A file's chunks can
// land in more than one batch; the sink accumulates rows per path and only
// calls VSA.ReplaceFile + FSS.Set once every chunk the Ingestor registered
// has come back, so a partially-embedded file is never committed.
//
// Registration is keyed by path rather than ingestion_id: the Ingestor
// calls Register before handing chunks to the queue, which closes the race
// a string ingestion_id returned only after admission would otherwise
// leave open against the queue's single consumer goroutine.
type CommitSink struct {
	mu      sync.Mutex
	vector  VectorWriter
	status  StatusStore
	pending map[string]*pendingCommit
}

type pendingCommit struct {
	meta  FileMeta
	total int
	rows  []store.VectorRow
}

// NewCommitSink creates a sink writing committed files into vector and
// status.
func NewCommitSink(vector VectorWriter, status StatusStore) *CommitSink {
	return &CommitSink{
		vector:  vector,
		status:  status,
		pending: make(map[string]*pendingCommit),
	}
}

// Register records that path has total chunks in flight, described by meta.
// A stale registration left behind by a cancelled ingestion for the same
// path is silently replaced.
func (s *CommitSink) Register(path string, total int, meta FileMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[path] = &pendingCommit{meta: meta, total: total, rows: make([]store.VectorRow, 0, total)}
}

// OnBatchComplete implements queue.BatchSink.
func (s *CommitSink) OnBatchComplete(batch []queue.QueuedChunk, vectors [][]float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	toCommit := make(map[string]*pendingCommit)

	for i, item := range batch {
		pc, ok := s.pending[item.Path]
		if !ok {
			// No registration (e.g. sink restarted mid-flight); drop silently,
			// the Ingestor's Ingestion.Wait will still resolve.
			continue
		}
		pc.rows = append(pc.rows, store.VectorRow{
			ID:            item.Path + "#" + strconv.Itoa(item.ChunkIndex),
			Path:          item.Path,
			ChunkIndex:    item.ChunkIndex,
			Offset:        item.Offset,
			Text:          item.Text,
			Vector:        vectors[i],
			Mtime:         pc.meta.Mtime,
			ParserVersion: pc.meta.ParserVersion,
			IndexedAt:     time.Now(),
		})
		if len(pc.rows) >= pc.total {
			toCommit[item.Path] = pc
			delete(s.pending, item.Path)
		}
	}

	for path, pc := range toCommit {
		s.commit(path, pc)
	}
}

// OnBatchFailed implements queue.BatchSink. Every path touched by the
// failed batch is marked Failed; its registration is dropped so a retry
// starts clean.
func (s *CommitSink) OnBatchFailed(batch []queue.QueuedChunk, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, item := range batch {
		if seen[item.Path] {
			continue
		}
		seen[item.Path] = true
		delete(s.pending, item.Path)

		if setErr := s.status.Set(item.Path, fss.Patch{
			State:     fss.StateFailed,
			LastError: strPtr(err.Error()),
			IndexedAt: timePtr(time.Now()),
		}); setErr != nil {
			slog.Warn("ingest_commit_sink_mark_failed_error",
				slog.String("path", item.Path), slog.String("error", setErr.Error()))
		}
	}
}

func (s *CommitSink) commit(path string, pc *pendingCommit) {
	if err := s.vector.ReplaceFile(path, pc.rows); err != nil {
		slog.Warn("ingest_commit_replace_file_error", slog.String("path", path), slog.String("error", err.Error()))
		_ = s.status.Set(path, fss.Patch{
			State:     fss.StateFailed,
			LastError: strPtr("commit: " + err.Error()),
			IndexedAt: timePtr(time.Now()),
		})
		return
	}

	if err := s.status.Set(path, fss.Patch{
		State:         fss.StateIndexed,
		ContentHash:   strPtr(pc.meta.ContentHash),
		ParserVersion: intPtr(pc.meta.ParserVersion),
		ChunkCount:    intPtr(len(pc.rows)),
		IndexedAt:     timePtr(time.Now()),
		LastError:     strPtr(""),
	}); err != nil {
		slog.Warn("ingest_commit_status_set_error", slog.String("path", path), slog.String("error", err.Error()))
	}
}
