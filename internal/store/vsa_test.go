package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitVec(dim int, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}

func TestVSA_UpsertAndSearch(t *testing.T) {
	v, err := NewVSA(DefaultConfig(4))
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, v.Upsert([]VectorRow{
		{ID: "a.txt#0", Path: "a.txt", ChunkIndex: 0, Vector: unitVec(4, 0), Mtime: now, IndexedAt: now},
		{ID: "b.txt#0", Path: "b.txt", ChunkIndex: 0, Vector: unitVec(4, 1), Mtime: now, IndexedAt: now},
	}))

	hits, err := v.Search(unitVec(4, 0), 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "a.txt#0", hits[0].ID)
}

func TestVSA_Upsert_RejectsWrongDimension(t *testing.T) {
	v, err := NewVSA(DefaultConfig(4))
	require.NoError(t, err)

	err = v.Upsert([]VectorRow{{ID: "a#0", Path: "a", Vector: []float32{1, 2}}})
	require.Error(t, err)
	var mismatch ErrDimensionMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestVSA_DeleteByPath_RemovesAllRowsForPath(t *testing.T) {
	v, err := NewVSA(DefaultConfig(4))
	require.NoError(t, err)

	require.NoError(t, v.Upsert([]VectorRow{
		{ID: "a#0", Path: "a", ChunkIndex: 0, Vector: unitVec(4, 0)},
		{ID: "a#1", Path: "a", ChunkIndex: 1, Vector: unitVec(4, 1)},
		{ID: "b#0", Path: "b", ChunkIndex: 0, Vector: unitVec(4, 2)},
	}))

	require.NoError(t, v.DeleteByPath("a"))

	stats := v.Stats()
	assert.Equal(t, 1, stats.RowCount)
	assert.Equal(t, 1, stats.DistinctPaths)
}

func TestVSA_ReplaceFile_OldRowsGoneNewRowsPresent(t *testing.T) {
	v, err := NewVSA(DefaultConfig(4))
	require.NoError(t, err)

	require.NoError(t, v.Upsert([]VectorRow{
		{ID: "a#0", Path: "a", ChunkIndex: 0, Vector: unitVec(4, 0)},
	}))

	require.NoError(t, v.ReplaceFile("a", []VectorRow{
		{ID: "a#0", Path: "a", ChunkIndex: 0, Vector: unitVec(4, 2)},
		{ID: "a#1", Path: "a", ChunkIndex: 1, Vector: unitVec(4, 3)},
	}))

	stats := v.Stats()
	assert.Equal(t, 2, stats.RowCount)
	assert.Equal(t, 1, stats.DistinctPaths)
}

func TestVSA_Compact_PreservesLiveRows(t *testing.T) {
	v, err := NewVSA(DefaultConfig(4))
	require.NoError(t, err)

	require.NoError(t, v.Upsert([]VectorRow{
		{ID: "a#0", Path: "a", ChunkIndex: 0, Vector: unitVec(4, 0)},
		{ID: "b#0", Path: "b", ChunkIndex: 0, Vector: unitVec(4, 1)},
	}))
	require.NoError(t, v.DeleteByPath("a"))
	require.NoError(t, v.Compact())

	stats := v.Stats()
	assert.Equal(t, 1, stats.RowCount)

	hits, err := v.Search(unitVec(4, 1), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b#0", hits[0].ID)
}

func TestVSA_SaveLoad_RoundTrips(t *testing.T) {
	v, err := NewVSA(DefaultConfig(4))
	require.NoError(t, err)
	require.NoError(t, v.Upsert([]VectorRow{
		{ID: "a#0", Path: "a", ChunkIndex: 0, Offset: 7, Text: "hello", Vector: unitVec(4, 0)},
	}))

	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.hnsw")
	require.NoError(t, v.Save(path))

	reloaded, err := NewVSA(DefaultConfig(4))
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(path))

	stats := reloaded.Stats()
	assert.Equal(t, 1, stats.RowCount)

	hits, err := reloaded.Search(unitVec(4, 0), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "hello", hits[0].Text)
	assert.Equal(t, 7, hits[0].Offset)
}

func TestSchema_NeedsMigration_FreshStoreNeverMigrates(t *testing.T) {
	assert.False(t, NeedsMigration(0, Fingerprint{}, Fingerprint{ModelID: "m", Dimension: 768}))
}

func TestSchema_NeedsMigration_OnFingerprintChange(t *testing.T) {
	assert.True(t, NeedsMigration(CurrentSchemaVersion, Fingerprint{ModelID: "old", Dimension: 768}, Fingerprint{ModelID: "new", Dimension: 768}))
}

func TestSchema_WriteThenReadSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	fp := Fingerprint{ModelID: "multilingual-e5", Dimension: 768}
	require.NoError(t, WriteSchemaVersion(dir, CurrentSchemaVersion, fp))

	version, gotFP, err := ReadSchemaVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	assert.Equal(t, fp, gotFP)
}
