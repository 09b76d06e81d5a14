package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/localsem/localsem/internal/embed"
	"github.com/localsem/localsem/internal/store"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// VectorSearcher is the subset of store.VSA the Service needs, so tests
// can substitute a fake.
type VectorSearcher interface {
	Search(qvec []float32, k int) ([]store.Hit, error)
}

// Service embeds a query through the embedding service client and answers
// it against the vector store, grouping raw hits by path.
type Service struct {
	embedder embed.Embedder
	vector   VectorSearcher
	opts     Options
}

// New creates a search Service. Returns an error if either dependency is nil.
func New(embedder embed.Embedder, vector VectorSearcher, opts Options) (*Service, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector searcher is required", ErrNilDependency)
	}
	if opts.K <= 0 {
		opts.K = DefaultOptions().K
	}
	if opts.GroupingFactor <= 0 {
		opts.GroupingFactor = DefaultOptions().GroupingFactor
	}
	return &Service{embedder: embedder, vector: vector, opts: opts}, nil
}

// Search embeds query and returns up to k GroupedResults, ordered by each
// group's top hit score. Safe to call while indexing is in progress: it
// only reads from the vector store and uses the embedder's query path,
// never the embedding queue's document batches.
func (s *Service) Search(ctx context.Context, query string, k int) ([]GroupedResult, error) {
	if query == "" {
		return nil, nil
	}
	if k <= 0 {
		k = s.opts.K
	}

	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rawK := k * s.opts.GroupingFactor
	hits, err := s.vector.Search(qvec, rawK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	return groupByPath(hits, k), nil
}

// groupByPath collapses raw hits into per-path groups, ordering hits
// within a group by score (descending) and groups by their top hit's
// score, then truncates to k groups.
func groupByPath(hits []store.Hit, k int) []GroupedResult {
	if len(hits) == 0 {
		return nil
	}

	order := make([]string, 0)
	byPath := make(map[string][]store.Hit)
	for _, h := range hits {
		if _, seen := byPath[h.Path]; !seen {
			order = append(order, h.Path)
		}
		byPath[h.Path] = append(byPath[h.Path], h)
	}

	groups := make([]GroupedResult, 0, len(order))
	for _, path := range order {
		pathHits := byPath[path]
		sort.Slice(pathHits, func(i, j int) bool {
			return pathHits[i].Score > pathHits[j].Score
		})
		groups = append(groups, GroupedResult{
			Path:   path,
			TopHit: pathHits[0],
			Hits:   pathHits,
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].TopHit.Score > groups[j].TopHit.Score
	})

	if len(groups) > k {
		groups = groups[:k]
	}
	return groups
}
