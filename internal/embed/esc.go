package embed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/localsem/localsem/internal/config"
)

// request is one unit of dispatch work: a batch of texts (len 1 for a
// query) submitted through either the priority or normal channel, with a
// channel of its own to carry the result back to the caller that's
// blocked waiting on it.
type request struct {
	ctx    context.Context
	texts  []string
	kind   Kind
	result chan requestResult
}

type requestResult struct {
	vectors [][]float32
	err     error
}

// client is the Embedding Service Client: it owns a supervised server
// process and serialises every embed call through a single dispatch
// goroutine so at most one HTTP round trip is ever outstanding. Queries
// submitted via Embed jump the queue ahead of batches submitted via
// EmbedBatch, but never preempt a batch already being sent.
type client struct {
	proc *process
	http *httpClient

	dimension int
	modelName string
	normalize bool
	pooling   string

	queryTimeout time.Duration
	batchTimeout time.Duration

	priorityCh chan *request
	normalCh   chan *request
	closeCh    chan struct{}
	closedCh   chan struct{}
}

// New builds the ESC from configuration and starts its supervised server
// process and dispatch loop. The caller must call Close to release the
// server and its connections.
func New(ctx context.Context, cfg config.EmbeddingConfig, timeouts config.TimeoutsConfig, modelName string) (Embedder, error) {
	hc := newHTTPClient(cfg.Endpoint)

	healthInterval := time.Duration(cfg.HealthCheckIntervalMS) * time.Millisecond
	restartWindow := time.Duration(cfg.RestartWindowMS) * time.Millisecond
	proc := newProcess(cfg.ServerCommand, hc, healthInterval, 30*time.Second, cfg.MaxRestarts, restartWindow)

	c := &client{
		proc:         proc,
		http:         hc,
		dimension:    cfg.Dimension,
		modelName:    modelName,
		normalize:    cfg.Normalize,
		pooling:      string(cfg.Pooling),
		queryTimeout: durationOrDefault(timeouts.QueryTimeoutMS, 5*time.Second),
		batchTimeout: durationOrDefault(timeouts.BatchTimeoutMS, 30*time.Second),
		priorityCh:   make(chan *request, 8),
		normalCh:     make(chan *request, 64),
		closeCh:      make(chan struct{}),
		closedCh:     make(chan struct{}),
	}

	if err := proc.start(ctx); err != nil {
		return nil, err
	}

	go c.dispatchLoop()
	return c, nil
}

func durationOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// dispatchLoop is the ESC's single consumer: it reads one request at a
// time, preferring the priority (query) lane, and runs it to completion
// before looking at the next. This is what guarantees at most one HTTP
// round trip is ever in flight and that a query can't interrupt a batch
// already underway.
func (c *client) dispatchLoop() {
	defer close(c.closedCh)

	for {
		select {
		case <-c.closeCh:
			c.drain()
			return
		case req := <-c.priorityCh:
			c.serve(req)
		default:
			select {
			case <-c.closeCh:
				c.drain()
				return
			case req := <-c.priorityCh:
				c.serve(req)
			case req := <-c.normalCh:
				c.serve(req)
			}
		}
	}
}

// drain fails every request still queued when the ESC is closing, so no
// caller is left blocked forever.
func (c *client) drain() {
	for {
		select {
		case req := <-c.priorityCh:
			req.result <- requestResult{err: ErrServiceUnavailable}
		case req := <-c.normalCh:
			req.result <- requestResult{err: ErrServiceUnavailable}
		default:
			return
		}
	}
}

func (c *client) serve(req *request) {
	vectors, err := c.embedWithSplitRetry(req.ctx, req.texts)
	req.result <- requestResult{vectors: vectors, err: err}
}

// embedWithSplitRetry implements the OversizedBatch policy (spec §4.1):
// on ErrOversizedBatch the batch is split in half and each half is
// retried once; a half that still fails surfaces the error rather than
// splitting further.
func (c *client) embedWithSplitRetry(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := c.callOnce(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	if !errors.Is(err, ErrOversizedBatch) || len(texts) < 2 {
		return nil, err
	}

	mid := len(texts) / 2
	left, err := c.callOnce(ctx, texts[:mid])
	if err != nil {
		return nil, err
	}
	right, err := c.callOnce(ctx, texts[mid:])
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func (c *client) callOnce(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := c.http.embed(ctx, texts, c.normalize, c.pooling)
	if err != nil {
		return nil, err
	}
	for _, v := range vectors {
		if c.dimension > 0 && len(v) != c.dimension {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), c.dimension)
		}
	}
	return vectors, nil
}

func (c *client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.dispatch(ctx, c.queryTimeout, KindQuery, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.dispatch(ctx, c.batchTimeout, KindDocument, texts)
}

func (c *client) dispatch(ctx context.Context, timeout time.Duration, kind Kind, texts []string) ([][]float32, error) {
	if c.proc.State() == stateError {
		return nil, ErrServiceUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &request{ctx: callCtx, texts: texts, kind: kind, result: make(chan requestResult, 1)}

	ch := c.normalCh
	if kind == KindQuery {
		ch = c.priorityCh
	}

	select {
	case ch <- req:
	case <-c.closeCh:
		return nil, ErrServiceUnavailable
	case <-callCtx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, callCtx.Err())
	}

	select {
	case res := <-req.result:
		return res.vectors, res.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, callCtx.Err())
	}
}

func (c *client) Dimensions() int { return c.dimension }

func (c *client) ModelName() string { return c.modelName }

func (c *client) Available(ctx context.Context) bool {
	if c.proc.State() == stateError {
		return false
	}
	return c.http.health(ctx)
}

func (c *client) Close() error {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
		<-c.closedCh
	}
	c.proc.stop()
	c.http.closeIdleConnections()
	return nil
}
