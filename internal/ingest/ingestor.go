package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/localsem/localsem/internal/chunk"
	"github.com/localsem/localsem/internal/fss"
	"github.com/localsem/localsem/internal/parser"
	"github.com/localsem/localsem/internal/queue"
)

// Config bounds the Ingestor's behaviour.
type Config struct {
	// RootPath is the project root; paths handed to IngestFile are relative
	// to it.
	RootPath string

	// MaxFileSize is the ceiling above which a file is skipped. Defaults to
	// DefaultMaxFileSize.
	MaxFileSize int64

	// RetryAge is how long a Failed record sits before it is retried absent
	// any other trigger. Defaults to DefaultRetryAge.
	RetryAge time.Duration

	// ChunkOptions configures the Chunker. Defaults to chunk.DefaultOptions.
	ChunkOptions chunk.Options
}

func (c Config) withDefaults() Config {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.RetryAge <= 0 {
		c.RetryAge = DefaultRetryAge
	}
	if c.ChunkOptions.TargetTokens <= 0 {
		c.ChunkOptions = chunk.DefaultOptions()
	}
	return c
}

// Ingestor drives one file at a time through Discovered -> NeedsIndex? ->
// Parsing -> Chunking -> Enqueued -> AwaitingVectors -> Committing ->
// Indexed/Failed. Committing itself happens inside the CommitSink, which is
// the Embedding Queue's batch-completion callback; IngestFile's job ends at
// handing chunks to the queue and waiting for them to resolve.
type Ingestor struct {
	cfg      Config
	registry *parser.Registry
	status   StatusStore
	queue    Enqueuer
	sink     *CommitSink
	now      func() time.Time
}

// New creates an Ingestor. sink must be the same CommitSink registered as
// the queue's BatchSink, since IngestFile registers provenance on it before
// every AddChunks call.
func New(cfg Config, registry *parser.Registry, status StatusStore, q Enqueuer, sink *CommitSink) *Ingestor {
	return &Ingestor{
		cfg:      cfg.withDefaults(),
		registry: registry,
		status:   status,
		queue:    q,
		sink:     sink,
		now:      time.Now,
	}
}

// IngestFile runs the full pipeline for the file at relPath (relative to
// cfg.RootPath). A file that does not need (re)indexing, is a symlink, is
// oversized, is binary, or has no registered parser is skipped without
// error: those are not failures, just non-events.
func (ing *Ingestor) IngestFile(ctx context.Context, relPath string) error {
	absPath := filepath.Join(ing.cfg.RootPath, relPath)

	info, err := os.Lstat(absPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", relPath, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	if info.Size() > ing.cfg.MaxFileSize {
		return nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", relPath, err)
	}
	if isBinaryContent(content) {
		return nil
	}

	ext := filepath.Ext(relPath)
	reg, ok := ing.registry.Lookup(ext)
	if !ok || !ing.registry.IsEnabled(ext) {
		return nil
	}

	contentHash := hashContent(content)
	if !ing.needsIndex(relPath, contentHash, reg.Version) {
		return nil
	}

	_ = ing.status.Set(relPath, fss.Patch{State: fss.StateParsing})

	text, _, version, err := ing.registry.Extract(ctx, ext, content)
	if err != nil {
		_ = ing.status.Set(relPath, fss.Patch{
			State:     fss.StateFailed,
			LastError: strPtr("parse: " + err.Error()),
			IndexedAt: timePtr(ing.now()),
		})
		return fmt.Errorf("parse %s: %w", relPath, err)
	}

	pieces := chunk.Split(text, ing.cfg.ChunkOptions)
	if len(pieces) == 0 {
		// Empty or whitespace-only extraction: commit a zero-row file
		// directly, no queue round trip needed.
		return ing.commitEmpty(relPath, contentHash, version)
	}

	chunks := make([]queue.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = queue.Chunk{Path: relPath, ChunkIndex: i, Offset: p.Offset, Text: p.Text}
	}

	_ = ing.status.Set(relPath, fss.Patch{State: fss.StateEmbedding})

	ing.sink.Register(relPath, len(chunks), FileMeta{
		ContentHash:   contentHash,
		ParserVersion: version,
		Mtime:         info.ModTime(),
	})

	ingestion, err := ing.queue.AddChunks(relPath, chunks)
	if err != nil {
		_ = ing.status.Set(relPath, fss.Patch{
			State:     fss.StateFailed,
			LastError: strPtr("enqueue: " + err.Error()),
			IndexedAt: timePtr(ing.now()),
		})
		return fmt.Errorf("enqueue %s: %w", relPath, err)
	}

	if err := ingestion.Wait(ctx); err != nil {
		// Context cancellation: leave FSS alone, the caller is abandoning
		// this attempt, not declaring it failed. An embed failure already
		// marked Failed inside the CommitSink.
		if ctx.Err() != nil {
			ingestion.Cancel()
			return ctx.Err()
		}
		return fmt.Errorf("embed %s: %w", relPath, err)
	}

	return nil
}

// RemoveFile deletes relPath's vectors and status record, for a Watcher
// delete event or a reconciliation pass finding the file gone.
func (ing *Ingestor) RemoveFile(relPath string, vector VectorWriter) error {
	if err := vector.DeleteByPath(relPath); err != nil {
		return fmt.Errorf("delete vectors for %s: %w", relPath, err)
	}
	if err := ing.status.Delete(relPath); err != nil {
		return fmt.Errorf("delete status for %s: %w", relPath, err)
	}
	return nil
}

func (ing *Ingestor) commitEmpty(relPath, contentHash string, parserVersion int) error {
	return ing.status.Set(relPath, fss.Patch{
		State:         fss.StateIndexed,
		ContentHash:   strPtr(contentHash),
		ParserVersion: intPtr(parserVersion),
		ChunkCount:    intPtr(0),
		IndexedAt:     timePtr(ing.now()),
		LastError:     strPtr(""),
	})
}

// needsIndex implements the File Ingestor's NeedsIndex? transition.
func (ing *Ingestor) needsIndex(path, contentHash string, registryVersion int) bool {
	record, ok := ing.status.Get(path)
	if !ok {
		return true
	}
	if record.ContentHash != contentHash {
		return true
	}
	if record.ParserVersion < registryVersion {
		return true
	}
	if record.State == fss.StateOutdated {
		return true
	}
	if record.State == fss.StateFailed {
		// IndexedAt doubles as the last-attempt timestamp on Failed records,
		// since a failed attempt never reaches the successful-index write.
		return ing.now().Sub(record.IndexedAt) > ing.cfg.RetryAge
	}
	return false
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// isBinaryContent reports whether content looks binary, by the presence of
// a null byte in its first 512 bytes.
func isBinaryContent(content []byte) bool {
	n := len(content)
	if n > 512 {
		n = 512
	}
	for i := 0; i < n; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}
