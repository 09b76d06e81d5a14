package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// rowMeta is everything about a VectorRow, including its (already
// normalised) vector. The vector is duplicated here rather than read back
// out of the HNSW graph, since the graph exposes no node-lookup-by-key
// operation, only Add/Search/Import/Export.
type rowMeta struct {
	Path          string
	ChunkIndex    int
	Offset        int
	Text          string
	Vector        []float32
	Mtime         int64 // unix seconds
	ParserVersion int
	IndexedAt     int64 // unix seconds
}

// VSA is the Vector Store Adapter: a local HNSW index plus the id/path
// bookkeeping the spec's upsert/delete/replace/search contract needs on top
// of a bare nearest-neighbour graph.
type VSA struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config Config

	idMap   map[string]uint64 // row id -> internal key
	keyMap  map[uint64]string // internal key -> row id
	meta    map[string]rowMeta
	byPath  map[string]map[string]struct{} // path -> set of row ids
	nextKey uint64

	closed bool
}

type vsaMetadata struct {
	IDMap   map[string]uint64
	Meta    map[string]rowMeta
	NextKey uint64
	Config  Config
}

func newGraph(cfg Config) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		g.Distance = hnsw.EuclideanDistance
	default:
		g.Distance = hnsw.CosineDistance
	}
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25
	return g
}

// NewVSA creates a vector store backed by a fresh HNSW graph.
func NewVSA(cfg Config) (*VSA, error) {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	return &VSA{
		graph:  newGraph(cfg),
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		meta:   make(map[string]rowMeta),
		byPath: make(map[string]map[string]struct{}),
	}, nil
}

// Upsert appends or merges rows by id. Writes are serialised behind the VSA's
// single write lock; a concurrent Search always observes either the old row
// or the new one, never a partially-written one.
func (s *VSA) Upsert(rows []VectorRow) error {
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, row := range rows {
		if len(row.Vector) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(row.Vector)}
		}
	}

	for _, row := range rows {
		s.removeLocked(row.ID)

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(row.Vector))
		copy(vec, row.Vector)
		if s.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[row.ID] = key
		s.keyMap[key] = row.ID
		s.meta[row.ID] = rowMeta{
			Path:          row.Path,
			ChunkIndex:    row.ChunkIndex,
			Offset:        row.Offset,
			Text:          row.Text,
			Vector:        vec,
			Mtime:         row.Mtime.Unix(),
			ParserVersion: row.ParserVersion,
			IndexedAt:     row.IndexedAt.Unix(),
		}

		pathSet, ok := s.byPath[row.Path]
		if !ok {
			pathSet = make(map[string]struct{})
			s.byPath[row.Path] = pathSet
		}
		pathSet[row.ID] = struct{}{}
	}

	return nil
}

// removeLocked drops id's lazy-deleted mapping (graph node is orphaned, not
// physically removed, matching the same lazy-deletion tradeoff coder/hnsw
// requires to avoid corrupting the graph on last-node deletion).
func (s *VSA) removeLocked(id string) {
	key, exists := s.idMap[id]
	if !exists {
		return
	}
	delete(s.keyMap, key)
	delete(s.idMap, id)
	if m, ok := s.meta[id]; ok {
		if pathSet, ok := s.byPath[m.Path]; ok {
			delete(pathSet, id)
			if len(pathSet) == 0 {
				delete(s.byPath, m.Path)
			}
		}
	}
	delete(s.meta, id)
}

// DeleteByPath removes every row whose path matches.
func (s *VSA) DeleteByPath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for id := range s.byPath[path] {
		delete(s.keyMap, s.idMap[id])
		delete(s.idMap, id)
		delete(s.meta, id)
	}
	delete(s.byPath, path)

	return nil
}

// ReplaceFile performs delete_by_path followed by upsert under a single
// write-lock acquisition, so readers never observe a state with neither the
// old rows nor the new ones (or a mix of both).
func (s *VSA) ReplaceFile(path string, rows []VectorRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, row := range rows {
		if len(row.Vector) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(row.Vector)}
		}
	}

	for id := range s.byPath[path] {
		delete(s.keyMap, s.idMap[id])
		delete(s.idMap, id)
		delete(s.meta, id)
	}
	delete(s.byPath, path)

	for _, row := range rows {
		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(row.Vector))
		copy(vec, row.Vector)
		if s.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}
		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[row.ID] = key
		s.keyMap[key] = row.ID
		s.meta[row.ID] = rowMeta{
			Path:          row.Path,
			ChunkIndex:    row.ChunkIndex,
			Offset:        row.Offset,
			Text:          row.Text,
			Vector:        vec,
			Mtime:         row.Mtime.Unix(),
			ParserVersion: row.ParserVersion,
			IndexedAt:     row.IndexedAt.Unix(),
		}

		pathSet, ok := s.byPath[row.Path]
		if !ok {
			pathSet = make(map[string]struct{})
			s.byPath[row.Path] = pathSet
		}
		pathSet[row.ID] = struct{}{}
	}

	return nil
}

// Search returns the k nearest rows to qvec ordered by descending score.
func (s *VSA) Search(qvec []float32, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if len(qvec) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(qvec)}
	}
	if s.graph.Len() == 0 {
		return []Hit{}, nil
	}

	query := make([]float32, len(qvec))
	copy(query, qvec)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(query)
	}

	nodes := s.graph.Search(query, k)

	hits := make([]Hit, 0, len(nodes))
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue // lazily-deleted orphan
		}
		m := s.meta[id]

		distance := s.graph.Distance(query, node.Value)
		hits = append(hits, Hit{
			ID:         id,
			Path:       m.Path,
			ChunkIndex: m.ChunkIndex,
			Offset:     m.Offset,
			Text:       m.Text,
			Score:      distanceToScore(distance, s.config.Metric),
			Mtime:      unixToTime(m.Mtime),
		})
	}

	return hits, nil
}

// Stats reports row and distinct-path counts.
func (s *VSA) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{RowCount: len(s.idMap), DistinctPaths: len(s.byPath)}
}

// Compact rebuilds the graph from the currently-live rows, dropping
// lazily-deleted orphans. Safe to call concurrently with Search: the old
// graph continues serving reads until the rebuilt one is swapped in under
// the write lock.
func (s *VSA) Compact() error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	type liveRow struct {
		key uint64
		vec []float32
	}
	live := make([]liveRow, 0, len(s.idMap))
	for id, key := range s.idMap {
		live = append(live, liveRow{key: key, vec: s.meta[id].Vector})
	}
	cfg := s.config
	s.mu.RUnlock()

	fresh := newGraph(cfg)
	for _, row := range live {
		fresh.Add(hnsw.MakeNode(row.key, row.vec))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	s.graph = fresh
	return nil
}

// Save persists the index to disk using an atomic temp-file-then-rename.
func (s *VSA) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpIndexPath := path + ".tmp"
	file, err := os.Create(tmpIndexPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmpIndexPath, path); err != nil {
		os.Remove(tmpIndexPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	return s.saveMetadata(path + ".meta")
}

func (s *VSA) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := vsaMetadata{IDMap: s.idMap, Meta: s.meta, NextKey: s.nextKey, Config: s.config}

	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load loads a previously-saved index from disk.
func (s *VSA) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if err := s.loadMetadata(path + ".meta"); err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	if err := s.graph.Import(reader); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	return nil
}

func (s *VSA) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer file.Close()

	var meta vsaMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return fmt.Errorf("decode vsa metadata: %w", err)
	}

	s.idMap = meta.IDMap
	s.meta = meta.Meta
	s.keyMap = make(map[uint64]string)
	s.byPath = make(map[string]map[string]struct{})
	s.nextKey = meta.NextKey
	s.config = meta.Config
	s.graph = newGraph(s.config)

	for id, key := range s.idMap {
		s.keyMap[key] = id
		m := s.meta[id]
		pathSet, ok := s.byPath[m.Path]
		if !ok {
			pathSet = make(map[string]struct{})
			s.byPath[m.Path] = pathSet
		}
		pathSet[id] = struct{}{}
	}

	return nil
}

// Close releases resources.
func (s *VSA) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

func unixToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts a distance value to an ascending similarity score.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		// Cosine distance ranges 0 (identical) to 2 (opposite).
		return 1.0 - distance/2.0
	}
}
