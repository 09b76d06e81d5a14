package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	coreerrors "github.com/localsem/localsem/internal/errors"
	"github.com/localsem/localsem/internal/chunk"
)

// Config bounds the queue's memory footprint and batching behaviour.
type Config struct {
	MaxQueueSize          int // hard cap; AddChunks rejects once reached
	BackpressureThreshold int // high-water mark; crossing it fires the listener
	BatchSize             int // max chunks per batch dispatched to the embedder
	BatchTokenCap         int // max estimated tokens per batch
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:          2000,
		BackpressureThreshold: 1000,
		BatchSize:             32,
		BatchTokenCap:         7000,
	}
}

// Embedder embeds a batch of document chunk texts, in order. Satisfied
// directly by embed.Embedder's EmbedBatch method.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// BatchSink receives the outcome of a dispatched batch. OnBatchComplete is
// the File Ingestor's commit path; OnBatchFailed marks every chunk in a
// batch whose EmbedBatch call returned an error. Failed batches are not
// retried.
type BatchSink interface {
	OnBatchComplete(batch []QueuedChunk, vectors [][]float32)
	OnBatchFailed(batch []QueuedChunk, err error)
}

// Queue is the bounded embedding FIFO plus its single-consumer batcher.
type Queue struct {
	cfg      Config
	embedder Embedder
	sink     BatchSink

	mu         sync.Mutex
	items      []QueuedChunk
	ingestions map[string]*Ingestion
	notEmpty   chan struct{}
	backpressured bool
	listener   func(bool)

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	runMu   sync.Mutex
}

// New creates a queue that dispatches batches to embedder and reports their
// outcome to sink.
func New(cfg Config, embedder Embedder, sink BatchSink) *Queue {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.BatchTokenCap <= 0 {
		cfg.BatchTokenCap = DefaultConfig().BatchTokenCap
	}
	return &Queue{
		cfg:        cfg,
		embedder:   embedder,
		sink:       sink,
		ingestions: make(map[string]*Ingestion),
		notEmpty:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetBackpressureListener registers fn to be invoked whenever queue depth
// crosses BackpressureThreshold, in either direction.
func (q *Queue) SetBackpressureListener(fn func(bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = fn
}

// Depth returns the current number of chunks waiting in the queue.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// AddChunks appends path's chunks atomically under a fresh ingestion_id and
// returns the Ingestion handle the caller awaits for completion. An empty
// chunks slice (an empty file) returns an already-resolved Ingestion without
// touching the queue, matching the File Ingestor's zero-chunk edge case.
func (q *Queue) AddChunks(path string, chunks []Chunk) (*Ingestion, error) {
	id := uuid.NewString()

	if len(chunks) == 0 {
		ing := newIngestion(id, path, 0)
		close(ing.done)
		ing.resolved = true
		return ing, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items)+len(chunks) > q.cfg.MaxQueueSize {
		return nil, coreerrors.QueueFullError(fmt.Sprintf("embedding queue full: %d/%d chunks, cannot admit %d more for %s", len(q.items), q.cfg.MaxQueueSize, len(chunks), path))
	}

	ing := newIngestion(id, path, len(chunks))
	q.ingestions[id] = ing

	for _, c := range chunks {
		q.items = append(q.items, QueuedChunk{Chunk: c, IngestionID: id})
	}

	q.checkBackpressureLocked()
	q.signalNotEmpty()

	return ing, nil
}

func (q *Queue) checkBackpressureLocked() {
	if q.cfg.BackpressureThreshold <= 0 || q.listener == nil {
		return
	}
	depth := len(q.items)
	switch {
	case !q.backpressured && depth > q.cfg.BackpressureThreshold:
		q.backpressured = true
		go q.listener(true)
	case q.backpressured && depth <= q.cfg.BackpressureThreshold:
		q.backpressured = false
		go q.listener(false)
	}
}

func (q *Queue) signalNotEmpty() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// nextBatch pops a greedily-packed batch off the front of the queue: chunks
// in FIFO order until the next one would exceed BatchSize or
// BatchTokenCap. Always returns at least one chunk if the queue is
// non-empty, even if that single chunk alone exceeds the token cap.
func (q *Queue) nextBatch() []QueuedChunk {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	var batch []QueuedChunk
	tokens := 0
	i := 0
	for ; i < len(q.items) && len(batch) < q.cfg.BatchSize; i++ {
		item := q.items[i]
		t := chunk.EstimateTokens(item.Text)
		if len(batch) > 0 && tokens+t > q.cfg.BatchTokenCap {
			break
		}
		batch = append(batch, item)
		tokens += t
	}

	q.items = q.items[i:]
	q.checkBackpressureLocked()
	return batch
}

// Start launches the consumer loop in a background goroutine. Non-blocking;
// use Wait or Stop to observe termination.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	if q.running {
		q.runMu.Unlock()
		return
	}
	q.running = true
	q.runMu.Unlock()

	go q.run(ctx)
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.doneCh)
	defer func() {
		q.runMu.Lock()
		q.running = false
		q.runMu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		batch := q.nextBatch()
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-q.notEmpty:
				continue
			}
		}

		texts := make([]string, len(batch))
		for i, item := range batch {
			texts[i] = item.Text
		}

		vectors, err := q.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			q.failBatch(batch, err)
			continue
		}

		q.completeBatch(batch, vectors)
	}
}

func (q *Queue) completeBatch(batch []QueuedChunk, vectors [][]float32) {
	live := q.dropCancelled(batch)
	if len(live) > 0 {
		q.sink.OnBatchComplete(live, vectorsFor(batch, live, vectors))
	}
	q.markComplete(batch, nil)
}

func (q *Queue) failBatch(batch []QueuedChunk, err error) {
	live := q.dropCancelled(batch)
	if len(live) > 0 {
		q.sink.OnBatchFailed(live, err)
	}
	q.markComplete(batch, err)
}

// dropCancelled filters out chunks belonging to an ingestion the caller
// cancelled while this batch was in flight.
func (q *Queue) dropCancelled(batch []QueuedChunk) []QueuedChunk {
	q.mu.Lock()
	defer q.mu.Unlock()

	live := make([]QueuedChunk, 0, len(batch))
	for _, item := range batch {
		ing, ok := q.ingestions[item.IngestionID]
		if ok && ing.isCancelled() {
			continue
		}
		live = append(live, item)
	}
	return live
}

func vectorsFor(batch, live []QueuedChunk, vectors [][]float32) [][]float32 {
	if len(live) == len(batch) {
		return vectors
	}
	out := make([][]float32, 0, len(live))
	for i, item := range batch {
		for _, l := range live {
			if l == item {
				out = append(out, vectors[i])
				break
			}
		}
	}
	return out
}

func (q *Queue) markComplete(batch []QueuedChunk, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range batch {
		if ing, ok := q.ingestions[item.IngestionID]; ok {
			ing.complete(err)
			if ing.Processed() >= ing.TotalChunks {
				delete(q.ingestions, item.IngestionID)
			}
		}
	}
}

// Stop signals the consumer to stop and blocks until it does.
func (q *Queue) Stop() {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return
	}
	q.runMu.Unlock()

	close(q.stopCh)
	<-q.doneCh
}

// Wait blocks until the consumer loop exits.
func (q *Queue) Wait() {
	<-q.doneCh
}
