package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestChunkRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Given a saved chunk
	in := testChunk("note.md", 2, 5, []float32{0.25, -0.5, 1})
	require.NoError(t, db.SaveChunks(ctx, []*Chunk{in}))

	// When reading everything back
	var out []*Chunk
	require.NoError(t, db.AllChunks(ctx, func(c *Chunk) error {
		out = append(out, c)
		return nil
	}))

	// Then all fields survive, embedding included
	require.Len(t, out, 1)
	assert.Equal(t, in.ID, out[0].ID)
	assert.Equal(t, "note.md", out[0].Path)
	assert.Equal(t, 2, out[0].Seq)
	assert.Equal(t, 5, out[0].Total)
	assert.Equal(t, in.Embedding, out[0].Embedding)
	assert.False(t, out[0].CreatedAt.IsZero())
}

func TestSaveChunksUpserts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c := testChunk("note.md", 0, 1, []float32{1, 0, 0})
	require.NoError(t, db.SaveChunks(ctx, []*Chunk{c}))
	c.Text = "updated"
	require.NoError(t, db.SaveChunks(ctx, []*Chunk{c}))

	count, err := db.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteChunksByPath(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveChunks(ctx, []*Chunk{
		testChunk("keep.md", 0, 1, []float32{1, 0, 0}),
		testChunk("drop.md", 0, 2, []float32{0, 1, 0}),
		testChunk("drop.md", 1, 2, []float32{0, 0, 1}),
	}))

	removed, err := db.DeleteChunksByPath(ctx, "drop.md")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := db.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWatermarkLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mtime := time.Now().Truncate(time.Microsecond)

	// Unset watermark reads as absent, not as an error.
	_, ok, err := db.GetWatermark(ctx, "note.md")
	require.NoError(t, err)
	assert.False(t, ok)

	// Set, read back with nanosecond fidelity, overwrite, delete.
	require.NoError(t, db.SetWatermark(ctx, "note.md", mtime))
	got, ok, err := db.GetWatermark(ctx, "note.md")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(mtime))

	later := mtime.Add(time.Hour)
	require.NoError(t, db.SetWatermark(ctx, "note.md", later))
	marks, err := db.AllWatermarks(ctx)
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.True(t, marks["note.md"].Equal(later))

	require.NoError(t, db.DeleteWatermark(ctx, "note.md"))
	_, ok, err = db.GetWatermark(ctx, "note.md")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	v, err := db.GetState(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, db.SetState(ctx, "k", "v1"))
	require.NoError(t, db.SetState(ctx, "k", "v2"))
	v, err = db.GetState(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestVectorCodec(t *testing.T) {
	in := []float32{0, 1, -1, 0.5, 3.14159}
	assert.Equal(t, in, decodeVector(encodeVector(in)))
	assert.Empty(t, decodeVector(nil))
}
