package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "github.com/notesim/notesim/internal/errors"
)

func newTestRepo(t *testing.T) (*Repository, string) {
	t.Helper()
	dir := t.TempDir()
	repo := NewRepository(dir)
	require.NoError(t, repo.Init(context.Background(), 3, "test-model"))
	t.Cleanup(func() { _ = repo.Close() })
	return repo, dir
}

func testChunk(path string, seq, total int, vec []float32) *Chunk {
	return &Chunk{
		ID:        ChunkID(path, seq),
		Path:      path,
		Title:     path,
		Text:      "content of " + path,
		Seq:       seq,
		Total:     total,
		Embedding: vec,
	}
}

func TestRepositoryRequiresInit(t *testing.T) {
	// Given a repository that was never initialized
	repo := NewRepository(t.TempDir())
	ctx := context.Background()

	// Then every accessor fails with the not-initialized code
	_, err := repo.PutMulti(ctx, nil)
	assert.Equal(t, ierr.ErrCodeNotInitialized, ierr.GetCode(err))
	_, err = repo.RemoveByPath(ctx, "a.md")
	assert.Equal(t, ierr.ErrCodeNotInitialized, ierr.GetCode(err))
	_, err = repo.FindSimilar(ctx, []float32{1, 0, 0}, 5, SearchOptions{})
	assert.Equal(t, ierr.ErrCodeNotInitialized, ierr.GetCode(err))
	_, err = repo.Count(ctx)
	assert.Equal(t, ierr.ErrCodeNotInitialized, ierr.GetCode(err))
	assert.Equal(t, ierr.ErrCodeNotInitialized, ierr.GetCode(repo.Persist()))

	// And Close before Init is still safe
	assert.NoError(t, repo.Close())
}

func TestRepositoryPutAndSearch(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	// Given two notes with orthogonal embeddings
	n, err := repo.PutMulti(ctx, []*Chunk{
		testChunk("a.md", 0, 1, []float32{1, 0, 0}),
		testChunk("b.md", 0, 1, []float32{0, 1, 0}),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// When searching near the first note's vector
	results, err := repo.FindSimilar(ctx, []float32{1, 0, 0}, 2, SearchOptions{})

	// Then both come back, best match first
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a.md", results[0].Path)
	assert.Equal(t, "b.md", results[1].Path)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.InDelta(t, 1.0, float64(results[0].Score), 0.001)
}

func TestRepositoryDropsInvalidChunks(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	// Given a batch mixing valid and invalid entries
	n, err := repo.PutMulti(ctx, []*Chunk{
		testChunk("good.md", 0, 1, []float32{1, 0, 0}),
		testChunk("noembed.md", 0, 1, nil),
		testChunk("wrongdim.md", 0, 1, []float32{1, 0}),
		nil,
	})

	// Then the invalid entries are dropped and the rest land
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRepositoryReplaceOnUpdate(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	// Given a note indexed as three chunks
	_, err := repo.PutMulti(ctx, []*Chunk{
		testChunk("n.md", 0, 3, []float32{1, 0, 0}),
		testChunk("n.md", 1, 3, []float32{0, 1, 0}),
		testChunk("n.md", 2, 3, []float32{0, 0, 1}),
	})
	require.NoError(t, err)

	// When the note shrinks to one chunk on reindex
	removed, err := repo.RemoveByPath(ctx, "n.md")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	_, err = repo.PutMulti(ctx, []*Chunk{
		testChunk("n.md", 0, 1, []float32{1, 0, 0}),
	})
	require.NoError(t, err)

	// Then no stale chunk survives in either layer
	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := repo.FindSimilar(ctx, []float32{0, 0, 1}, 10, SearchOptions{})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, 0, r.Seq, "stale chunk %d returned from search", r.Seq)
	}
}

func TestRepositoryRemoveUnknownPath(t *testing.T) {
	repo, _ := newTestRepo(t)

	removed, err := repo.RemoveByPath(context.Background(), "never-indexed.md")

	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRepositoryExclusionStillFillsLimit(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	// Given one dominant note and several others
	chunks := []*Chunk{
		testChunk("self.md", 0, 2, []float32{1, 0, 0}),
		testChunk("self.md", 1, 2, []float32{0.9, 0.1, 0}),
		testChunk("near.md", 0, 1, []float32{0.8, 0.2, 0}),
		testChunk("mid.md", 0, 1, []float32{0.5, 0.5, 0}),
		testChunk("far.md", 0, 1, []float32{0, 0, 1}),
	}
	_, err := repo.PutMulti(ctx, chunks)
	require.NoError(t, err)

	// When searching near the dominant note while excluding it
	results, err := repo.FindSimilar(ctx, []float32{1, 0, 0}, 3,
		SearchOptions{ExcludePaths: []string{"self.md"}})

	// Then the excluded path never appears and the limit still fills
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NotEqual(t, "self.md", r.Path)
	}
	assert.Equal(t, "near.md", results[0].Path)
}

func TestRepositoryMinScoreFilter(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.PutMulti(ctx, []*Chunk{
		testChunk("close.md", 0, 1, []float32{1, 0, 0}),
		testChunk("opposite.md", 0, 1, []float32{-1, 0, 0}),
	})
	require.NoError(t, err)

	results, err := repo.FindSimilar(ctx, []float32{1, 0, 0}, 10,
		SearchOptions{MinScore: 0.5})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "close.md", results[0].Path)
}

func TestRepositorySurvivesReopen(t *testing.T) {
	// Given an index persisted to disk
	dir := t.TempDir()
	ctx := context.Background()

	repo := NewRepository(dir)
	require.NoError(t, repo.Init(ctx, 3, "test-model"))
	_, err := repo.PutMulti(ctx, []*Chunk{
		testChunk("a.md", 0, 1, []float32{1, 0, 0}),
		testChunk("b.md", 0, 1, []float32{0, 1, 0}),
	})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	// When a fresh repository opens the same directory
	reopened := NewRepository(dir)
	require.NoError(t, reopened.Init(ctx, 3, "test-model"))
	defer func() { _ = reopened.Close() }()

	// Then content and search behavior carry over
	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	results, err := reopened.FindSimilar(ctx, []float32{0, 1, 0}, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b.md", results[0].Path)
}

func TestRepositoryRecoversFromLostSnapshot(t *testing.T) {
	// Given a persisted index whose graph snapshot is gone while the
	// metadata sidecar survived
	dir := t.TempDir()
	ctx := context.Background()

	repo := NewRepository(dir)
	require.NoError(t, repo.Init(ctx, 3, "test-model"))
	_, err := repo.PutMulti(ctx, []*Chunk{
		testChunk("a.md", 0, 1, []float32{1, 0, 0}),
		testChunk("b.md", 0, 1, []float32{0, 1, 0}),
	})
	require.NoError(t, err)
	require.NoError(t, repo.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, snapshotFileName)))

	// When a fresh repository opens the same directory
	reopened := NewRepository(dir)
	require.NoError(t, reopened.Init(ctx, 3, "test-model"))
	defer func() { _ = reopened.Close() }()

	// Then the vectors are rebuilt from the records, not just counted
	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	results, err := reopened.FindSimilar(ctx, []float32{1, 0, 0}, 2, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a.md", results[0].Path)

	// And the rebuilt snapshot makes the next open self-sufficient
	require.NoError(t, reopened.Close())
	again := NewRepository(dir)
	require.NoError(t, again.Init(ctx, 3, "test-model"))
	defer func() { _ = again.Close() }()
	results, err = again.FindSimilar(ctx, []float32{0, 1, 0}, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b.md", results[0].Path)
}

func TestRepositoryOrphansDoNotStarveSearch(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	// Given a removed note whose vectors sat closest to the query,
	// leaving lazily-deleted nodes in the graph
	_, err := repo.PutMulti(ctx, []*Chunk{
		testChunk("dead.md", 0, 2, []float32{1, 0, 0}),
		testChunk("dead.md", 1, 2, []float32{0.99, 0.1, 0}),
		testChunk("live1.md", 0, 1, []float32{0, 1, 0}),
		testChunk("live2.md", 0, 1, []float32{0, 0, 1}),
	})
	require.NoError(t, err)
	_, err = repo.RemoveByPath(ctx, "dead.md")
	require.NoError(t, err)

	// When searching near the removed vectors with a small limit
	results, err := repo.FindSimilar(ctx, []float32{1, 0, 0}, 2, SearchOptions{})

	// Then the live chunks still fill the limit
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, "dead.md", r.Path)
	}
}

func TestRepositoryPersistCompactsRemovedVectors(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	// Given more removed vectors than live ones
	_, err := repo.PutMulti(ctx, []*Chunk{
		testChunk("a.md", 0, 1, []float32{1, 0, 0}),
		testChunk("b.md", 0, 1, []float32{0, 1, 0}),
		testChunk("c.md", 0, 1, []float32{0, 0, 1}),
	})
	require.NoError(t, err)
	_, err = repo.RemoveByPath(ctx, "b.md")
	require.NoError(t, err)
	_, err = repo.RemoveByPath(ctx, "c.md")
	require.NoError(t, err)

	// When flushing the snapshot
	require.NoError(t, repo.Persist())

	// Then the orphans are gone from the graph, not just unmapped
	assert.Equal(t, 1, repo.index.Count())
	assert.Equal(t, 1, repo.index.Nodes())

	results, err := repo.FindSimilar(ctx, []float32{1, 0, 0}, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.md", results[0].Path)
}

func TestRepositoryRejectsDimensionChange(t *testing.T) {
	// Given an index created with 3 dimensions
	dir := t.TempDir()
	ctx := context.Background()
	repo := NewRepository(dir)
	require.NoError(t, repo.Init(ctx, 3, "test-model"))
	require.NoError(t, repo.Close())

	// When reopening with a different dimension
	reopened := NewRepository(dir)
	err := reopened.Init(ctx, 5, "other-model")

	// Then initialization refuses rather than corrupting the index
	require.Error(t, err)
	assert.Equal(t, ierr.ErrCodeDimensionMismatch, ierr.GetCode(err))
}

func TestRepositoryPersistIsNoopWhenClean(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.PutMulti(ctx, []*Chunk{
		testChunk("a.md", 0, 1, []float32{1, 0, 0}),
	})
	require.NoError(t, err)

	require.NoError(t, repo.Persist())
	// Second call has nothing to write.
	require.NoError(t, repo.Persist())
}
