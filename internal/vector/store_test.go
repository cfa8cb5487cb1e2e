package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/errs"
)

func testSpecs() []PartitionSpec {
	return []PartitionSpec{
		{Name: "embeddings_small", Model: "small", Dimensions: 2},
		{Name: "embeddings_large", Model: "large", Dimensions: 3},
	}
}

func TestOpenStore_memory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenStore(ctx, &config.VectorConfig{Backend: "memory"}, testSpecs(), WithSnapshotDir(dir))
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, "small", []Record{rec("a", "d1", 0, 1, 0)}))
	require.NoError(t, s.Upsert(ctx, "large", []Record{rec("b", "d1", 0, 0, 0, 1)}))

	hits, err := s.Query(ctx, "small", []float32{1, 0}, 5, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ChunkID, "queries never cross partitions")

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"embeddings_small": 1, "embeddings_large": 1}, counts)

	require.NoError(t, s.Save())
	reopened, err := OpenStore(ctx, &config.VectorConfig{Backend: "memory"}, testSpecs(), WithSnapshotDir(dir))
	require.NoError(t, err)
	refs, err := reopened.ListChunks(ctx)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestStore_dimensionGuard(t *testing.T) {
	ctx := context.Background()
	s, err := OpenStore(ctx, &config.VectorConfig{Backend: "memory"}, testSpecs())
	require.NoError(t, err)

	_, err = s.Query(ctx, "small", []float32{1, 0, 0}, 5, Filter{})
	assert.True(t, errs.Is(err, errs.KindValidation))
	err = s.Upsert(ctx, "large", []Record{rec("x", "d", 0, 1, 0)})
	assert.True(t, errs.Is(err, errs.KindValidation))
	_, err = s.Query(ctx, "unknown", []float32{1, 0}, 5, Filter{})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestStore_DeleteDocumentAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	s, err := OpenStore(ctx, &config.VectorConfig{Backend: "memory"}, testSpecs())
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, "small", []Record{rec("a", "d1", 0, 1, 0), rec("c", "d2", 0, 0, 1)}))
	require.NoError(t, s.Upsert(ctx, "large", []Record{rec("b", "d1", 0, 0, 0, 1)}))

	n, err := s.DeleteDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	refs, _ := s.ListChunks(ctx)
	assert.Equal(t, []ChunkRef{{ChunkID: "c", DocumentID: "d2"}}, refs)
}

func TestOpenStore_unknownBackend(t *testing.T) {
	_, err := OpenStore(context.Background(), &config.VectorConfig{Backend: "faiss"}, testSpecs())
	assert.Error(t, err)
}
