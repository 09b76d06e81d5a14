// Package store is the persistence layer: the Vector Store Adapter (VSA)
// wrapping a local HNSW vector index, plus helpers for the on-disk schema
// version marker and embedding-model fingerprint.
package store

import (
	"fmt"
	"time"
)

// VectorRow is a single indexed chunk: its vector plus enough provenance to
// reconstruct a search Hit and to validate staleness against the FSS.
type VectorRow struct {
	ID            string // "{path}#{chunk_index}"
	Path          string
	ChunkIndex    int
	Offset        int
	Text          string
	Vector        []float32
	Mtime         time.Time
	ParserVersion int
	IndexedAt     time.Time
}

// Hit is a single VSA search result.
type Hit struct {
	ID         string
	Path       string
	ChunkIndex int
	Offset     int
	Text       string
	Score      float32
	Mtime      time.Time
}

// Stats summarizes the vector store's contents.
type Stats struct {
	RowCount      int
	DistinctPaths int
}

// Config configures the underlying HNSW graph.
type Config struct {
	// Dimensions is the vector dimension, fixed by the active embedding model.
	Dimensions int

	// Metric is the distance metric: "cos" (cosine) or "l2" (euclidean).
	Metric string

	// M is HNSW max connections per layer.
	M int

	// EfSearch is HNSW query-time search width.
	EfSearch int
}

// DefaultConfig returns sensible defaults for the vector store.
func DefaultConfig(dimensions int) Config {
	return Config{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   20,
	}
}

// ErrDimensionMismatch indicates a vector's length does not match the
// store's configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (run 'localsem index --force')", e.Expected, e.Got)
}
