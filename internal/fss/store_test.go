package fss

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_GetMissingPath(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.Get("/nowhere")
	assert.False(t, ok)
}

func TestStore_SetThenGet_VisibleImmediately(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	defer s.Close()

	hash := "abc123"
	version := 1
	chunks := 3
	now := time.Unix(1700000000, 0).UTC()
	err = s.Set("/docs/a.md", Patch{
		State:         StateIndexed,
		ContentHash:   &hash,
		ParserVersion: &version,
		ChunkCount:    &chunks,
		IndexedAt:     &now,
	})
	require.NoError(t, err)

	got, ok := s.Get("/docs/a.md")
	require.True(t, ok)
	assert.Equal(t, StateIndexed, got.State)
	assert.Equal(t, "abc123", got.ContentHash)
	assert.Equal(t, 1, got.ParserVersion)
	assert.Equal(t, 3, got.ChunkCount)
	assert.Equal(t, now, got.IndexedAt)
}

func TestStore_Set_PartialPatchPreservesOtherFields(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	defer s.Close()

	hash := "abc123"
	version := 1
	require.NoError(t, s.Set("/docs/a.md", Patch{State: StateParsing, ContentHash: &hash, ParserVersion: &version}))

	lastErr := "embed server down"
	require.NoError(t, s.Set("/docs/a.md", Patch{State: StateFailed, LastError: &lastErr}))

	got, ok := s.Get("/docs/a.md")
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "embed server down", got.LastError)
	assert.Equal(t, "abc123", got.ContentHash, "unrelated fields from the prior patch must survive")
	assert.Equal(t, 1, got.ParserVersion)
}

func TestStore_Delete(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("/docs/a.md", Patch{State: StateIndexed}))
	require.NoError(t, s.Delete("/docs/a.md"))

	_, ok := s.Get("/docs/a.md")
	assert.False(t, ok)
}

func TestStore_IterByState(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("/a.md", Patch{State: StateQueued}))
	require.NoError(t, s.Set("/b.md", Patch{State: StateQueued}))
	require.NoError(t, s.Set("/c.md", Patch{State: StateIndexed}))

	var queued []string
	for st := range s.IterByState(StateQueued) {
		queued = append(queued, st.Path)
	}
	assert.ElementsMatch(t, []string{"/a.md", "/b.md"}, queued)

	var indexed []string
	for st := range s.IterByState(StateIndexed) {
		indexed = append(indexed, st.Path)
	}
	assert.Equal(t, []string{"/c.md"}, indexed)
}

func TestStore_BulkLoadCache_PopulatesFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file_status.db")

	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("/a.md", Patch{State: StateIndexed}))
	require.NoError(t, s.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.BulkLoadCache())
	got, ok := reopened.Get("/a.md")
	require.True(t, ok)
	assert.Equal(t, StateIndexed, got.State)
}

func TestStore_CloseIsIdempotent(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
