// Package fss implements the File Status Store: a persistent per-path
// record of indexing state, kept alongside the vector store so a restart
// can resume from exactly where it left off instead of re-walking every
// file's content.
package fss

import "time"

// State is a FileStatus's position in the indexing lifecycle.
type State string

const (
	StateQueued   State = "queued"
	StateParsing  State = "parsing"
	StateEmbedding State = "embedding"
	StateIndexed  State = "indexed"
	StateFailed   State = "failed"
	StateOutdated State = "outdated"
)

// FileStatus is the per-path record. A path has exactly one record; it is
// Indexed only while ContentHash and ParserVersion still match the current
// file and registry, otherwise it is Outdated.
type FileStatus struct {
	Path          string
	State         State
	ContentHash   string
	ParserVersion int
	ChunkCount    int
	IndexedAt     time.Time
	LastError     string
}

// Patch describes a partial update to a FileStatus. Nil fields are left
// unchanged by Set. State is always applied since every write is a state
// transition.
type Patch struct {
	State         State
	ContentHash   *string
	ParserVersion *int
	ChunkCount    *int
	IndexedAt     *time.Time
	LastError     *string
}
