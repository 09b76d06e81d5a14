// Package search implements the short query path: embed the query text,
// search the vector store, and group hits by their source file.
package search

import "github.com/localsem/localsem/internal/store"

// Hit is a single scored chunk match, re-exported from store for callers
// that only import search.
type Hit = store.Hit

// GroupedResult is every hit for one path, ordered by score, with the
// path's best-scoring hit surfaced for quick display.
type GroupedResult struct {
	Path    string
	TopHit  Hit
	Hits    []Hit
}

// Options configures a search call.
type Options struct {
	// K is the number of grouped (per-path) results to return.
	K int

	// GroupingFactor multiplies K to size the raw top-k vector search,
	// since multiple raw hits can collapse into one path group.
	GroupingFactor int
}

// DefaultOptions returns the spec's suggested defaults.
func DefaultOptions() Options {
	return Options{K: 10, GroupingFactor: 4}
}
