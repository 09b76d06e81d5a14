package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls [][]string
	fail  bool
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.mu.Unlock()

	if f.fail {
		return nil, fmt.Errorf("embed server down")
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{float32(i)}
	}
	return vecs, nil
}

type fakeSink struct {
	mu        sync.Mutex
	completed []QueuedChunk
	failed    []QueuedChunk
}

func (f *fakeSink) OnBatchComplete(batch []QueuedChunk, _ [][]float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, batch...)
}

func (f *fakeSink) OnBatchFailed(batch []QueuedChunk, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, batch...)
}

func TestQueue_AddChunks_EmptySliceResolvesImmediately(t *testing.T) {
	q := New(DefaultConfig(), &fakeEmbedder{}, &fakeSink{})
	ing, err := q.AddChunks("empty.txt", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, ing.Wait(ctx))
}

func TestQueue_AddChunks_RejectsOverHardCap(t *testing.T) {
	q := New(Config{MaxQueueSize: 2, BatchSize: 32, BatchTokenCap: 7000}, &fakeEmbedder{}, &fakeSink{})
	_, err := q.AddChunks("a.txt", []Chunk{{ChunkIndex: 0, Text: "x"}, {ChunkIndex: 1, Text: "y"}, {ChunkIndex: 2, Text: "z"}})
	assert.Error(t, err)
}

func TestQueue_DrainsAndResolvesIngestion(t *testing.T) {
	embedder := &fakeEmbedder{}
	sink := &fakeSink{}
	q := New(DefaultConfig(), embedder, sink)

	ing, err := q.AddChunks("a.txt", []Chunk{
		{ChunkIndex: 0, Text: "hello"},
		{ChunkIndex: 1, Text: "world"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, ing.Wait(waitCtx))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.completed, 2)
}

func TestQueue_EmbedFailure_MarksIngestionFailed(t *testing.T) {
	embedder := &fakeEmbedder{fail: true}
	sink := &fakeSink{}
	q := New(DefaultConfig(), embedder, sink)

	ing, err := q.AddChunks("a.txt", []Chunk{{ChunkIndex: 0, Text: "hello"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	assert.Error(t, ing.Wait(waitCtx))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.failed, 1)
}

func TestQueue_BackpressureListener_FiresOnHighWaterCrossing(t *testing.T) {
	q := New(Config{MaxQueueSize: 10, BackpressureThreshold: 1, BatchSize: 32, BatchTokenCap: 7000}, &fakeEmbedder{}, &fakeSink{})

	var mu sync.Mutex
	var states []bool
	q.SetBackpressureListener(func(asserted bool) {
		mu.Lock()
		states = append(states, asserted)
		mu.Unlock()
	})

	_, err := q.AddChunks("a.txt", []Chunk{{ChunkIndex: 0, Text: "x"}, {ChunkIndex: 1, Text: "y"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 1 && states[0] == true
	}, time.Second, 10*time.Millisecond)
}

func TestQueue_BatchRespectsBatchSizeCap(t *testing.T) {
	embedder := &fakeEmbedder{}
	sink := &fakeSink{}
	q := New(Config{MaxQueueSize: 100, BatchSize: 2, BatchTokenCap: 7000}, embedder, sink)

	chunks := []Chunk{
		{ChunkIndex: 0, Text: "a"}, {ChunkIndex: 1, Text: "b"}, {ChunkIndex: 2, Text: "c"},
	}
	ing, err := q.AddChunks("a.txt", chunks)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, ing.Wait(waitCtx))

	embedder.mu.Lock()
	defer embedder.mu.Unlock()
	assert.GreaterOrEqual(t, len(embedder.calls), 2, "3 chunks with batch size 2 must take at least 2 batches")
	for _, call := range embedder.calls {
		assert.LessOrEqual(t, len(call), 2)
	}
}
