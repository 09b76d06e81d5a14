// Package queue implements the Embedding Queue: a bounded FIFO of chunks
// shared by producer ingestions and a single-consumer batcher that drains
// into the embedding service in greedily-packed batches.
package queue

import (
	"context"
	"sync"
	"time"
)

// Chunk is one unit of text awaiting embedding.
type Chunk struct {
	Path       string
	ChunkIndex int
	Offset     int
	Text       string
}

// QueuedChunk is a Chunk tagged with the ingestion that produced it, so
// completion can be tracked per (ingestion_id, chunk_index).
type QueuedChunk struct {
	Chunk
	IngestionID string
}

// Ingestion tracks completion of every chunk submitted together for one
// file. It resolves exactly once, either successfully or with the first
// error encountered across its chunks.
type Ingestion struct {
	ID          string
	Path        string
	TotalChunks int
	StartedAt   time.Time

	mu              sync.Mutex
	processedChunks int
	firstErr        error
	done            chan struct{}
	resolved        bool
	cancelled       bool
}

func newIngestion(id, path string, total int) *Ingestion {
	return &Ingestion{
		ID:          id,
		Path:        path,
		TotalChunks: total,
		StartedAt:   time.Now(),
		done:        make(chan struct{}),
	}
}

// Processed reports how many of this ingestion's chunks have completed
// (successfully or not) so far.
func (ing *Ingestion) Processed() int {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.processedChunks
}

// Cancel marks the ingestion cancelled. The consumer drops this ingestion's
// remaining queued chunks after the batch currently in flight completes;
// chunks already dispatched still resolve normally.
func (ing *Ingestion) Cancel() {
	ing.mu.Lock()
	ing.cancelled = true
	ing.mu.Unlock()
}

func (ing *Ingestion) isCancelled() bool {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.cancelled
}

// complete records one chunk's outcome and resolves the ingestion once every
// chunk has been accounted for.
func (ing *Ingestion) complete(err error) {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	ing.processedChunks++
	if err != nil && ing.firstErr == nil {
		ing.firstErr = err
	}
	if ing.processedChunks >= ing.TotalChunks && !ing.resolved {
		ing.resolved = true
		close(ing.done)
	}
}

// Wait blocks until every chunk of this ingestion has completed, returning
// the first error encountered (nil on full success), or ctx's error if ctx
// is cancelled first.
func (ing *Ingestion) Wait(ctx context.Context) error {
	select {
	case <-ing.done:
		ing.mu.Lock()
		defer ing.mu.Unlock()
		return ing.firstErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
