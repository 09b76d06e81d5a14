// Package embed is the Embedding Service Client (ESC): the in-process
// façade over an out-of-process embedding model server. It owns the
// server's lifecycle (spawn, health-check, restart, shutdown) and
// serialises every request through a single dispatch lane so at most one
// HTTP round trip to the server is ever in flight.
package embed

import (
	"context"
	"errors"
)

// Kind distinguishes a query embedding from a document batch, so the ESC
// can give queries priority in its dispatch lane without letting them
// preempt a document batch already in flight.
type Kind int

const (
	KindDocument Kind = iota
	KindQuery
)

// Sentinel errors matching the ESC's failure taxonomy (spec §7). Embedder
// callers should use errors.Is against these rather than inspecting
// *errors.CoreError directly.
var (
	// ErrServiceUnavailable means the server could not be reached or has
	// exhausted its restart budget. Retryable by the caller once the
	// server recovers.
	ErrServiceUnavailable = errors.New("embedding service unavailable")

	// ErrTimeout means a request exceeded its per-batch or per-query
	// deadline.
	ErrTimeout = errors.New("embedding request timed out")

	// ErrProtocolError means the server responded but not according to
	// the wire contract (bad JSON, missing or malformed fields).
	ErrProtocolError = errors.New("embedding server returned a malformed response")

	// ErrOversizedBatch means the server rejected a batch as too large,
	// and splitting it in half did not resolve the problem either.
	ErrOversizedBatch = errors.New("embedding batch rejected as oversized")

	// ErrDimensionMismatch means a returned vector's length didn't match
	// the configured dimension. Fatal: indicates model/config skew.
	ErrDimensionMismatch = errors.New("embedding server returned an unexpected vector dimension")
)

// Embedder is the capability the rest of the system depends on: the
// Embedding Queue's consumer calls EmbedBatch for document chunks, and the
// Search Service calls Embed for one query at a time. Both share the same
// ESC instance and its serial dispatch lane.
type Embedder interface {
	// Embed returns the embedding vector for a single query string, using
	// the priority lane ahead of any queued document batches.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, in order, dispatched as a
	// single document batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector dimension D every embedding
	// from this client has.
	Dimensions() int

	// ModelName identifies the model the server is configured with.
	ModelName() string

	// Available reports whether the server is currently reachable and
	// healthy, without going through the serial dispatch lane.
	Available(ctx context.Context) bool

	// Close stops the supervised server process (if the ESC spawned one)
	// and releases the HTTP client's connections.
	Close() error
}
