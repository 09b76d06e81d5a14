// Package ingest implements the File Ingestor: the per-file state machine
// that takes a path from Discovered through Parsing, Chunking, Enqueued,
// AwaitingVectors and Committing to Indexed (or Failed at any step).
//
// The package does not walk the filesystem or watch for changes; it is
// handed one path at a time by the Concurrent File Scheduler and reads the
// file itself.
package ingest

import (
	"time"

	"github.com/localsem/localsem/internal/fss"
	"github.com/localsem/localsem/internal/queue"
	"github.com/localsem/localsem/internal/store"
)

// DefaultMaxFileSize is the ceiling above which a file is skipped rather
// than read into memory.
const DefaultMaxFileSize int64 = 100 * 1024 * 1024

// DefaultRetryAge is how long a Failed record must sit before it becomes
// eligible for another indexing attempt, absent any other trigger.
const DefaultRetryAge = 24 * time.Hour

// FileMeta is the provenance a CommitSink needs to finish a file's record
// once every chunk's vector has arrived.
type FileMeta struct {
	ContentHash   string
	ParserVersion int
	Mtime         time.Time
}

// Enqueuer is the subset of queue.Queue the Ingestor needs, so tests can
// substitute a fake.
type Enqueuer interface {
	AddChunks(path string, chunks []queue.Chunk) (*queue.Ingestion, error)
}

// VectorWriter is the subset of store.VSA the Ingestor and its CommitSink
// need.
type VectorWriter interface {
	ReplaceFile(path string, rows []store.VectorRow) error
	DeleteByPath(path string) error
}

// StatusStore is the subset of fss.Store the Ingestor and its CommitSink
// need.
type StatusStore interface {
	Get(path string) (*fss.FileStatus, bool)
	Set(path string, patch fss.Patch) error
	Delete(path string) error
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func timePtr(t time.Time) *time.Time { return &t }
