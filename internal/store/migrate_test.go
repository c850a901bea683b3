package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLegacyBlob(t *testing.T, dir string, records []legacyRecord) {
	t.Helper()
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, legacyBlobName), data, 0o644))
}

func legacyVec(v float32) []float32 {
	return []float32{v, 1 - v, 0}
}

func TestMigrationImportsValidRecordsOnly(t *testing.T) {
	// Given a legacy blob with ten valid and two invalid records
	dir := t.TempDir()
	records := make([]legacyRecord, 0, 12)
	for i := 0; i < 10; i++ {
		records = append(records, legacyRecord{
			Path:      "note.md",
			Text:      "chunk",
			Seq:       i,
			Total:     10,
			Embedding: legacyVec(float32(i) / 10),
		})
	}
	records = append(records,
		legacyRecord{Path: "", Embedding: legacyVec(0.5)}, // no path
		legacyRecord{Path: "bad.md", Seq: 0},              // no embedding
	)
	writeLegacyBlob(t, dir, records)

	db, err := OpenDB(filepath.Join(dir, dbFileName))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// When migrating
	ctx := context.Background()
	require.NoError(t, MigrateLegacySnapshot(ctx, db, dir))

	// Then only the valid records are imported
	count, err := db.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	// And the blob is kept as a renamed backup, not deleted
	_, err = os.Stat(filepath.Join(dir, legacyBlobName))
	assert.True(t, os.IsNotExist(err))
	backups, err := filepath.Glob(filepath.Join(dir, legacyBlobName+".migrated-*"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	// And the completion flag is durably set
	flag, err := db.GetState(ctx, StateKeyMigrated)
	require.NoError(t, err)
	assert.Equal(t, "true", flag)
}

func TestMigrationAcceptsMapShapedBlob(t *testing.T) {
	// Given the older map-shaped snapshot keyed by note path
	dir := t.TempDir()
	blob := legacySnapshot{Embeddings: map[string][]legacyRecord{
		"alpha.md": {
			{Text: "a0", Seq: 0, Total: 2, Embedding: legacyVec(0.1)},
			{Text: "a1", Seq: 1, Total: 2, Embedding: legacyVec(0.2)},
		},
		"beta.md": {
			{Text: "b0", Seq: 0, Total: 1, Embedding: legacyVec(0.3)},
		},
	}}
	data, err := json.Marshal(blob)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, legacyBlobName), data, 0o644))

	db, err := OpenDB(filepath.Join(dir, dbFileName))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// When migrating
	ctx := context.Background()
	require.NoError(t, MigrateLegacySnapshot(ctx, db, dir))

	// Then the map keys supply the record paths
	count, err := db.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	var paths []string
	require.NoError(t, db.AllChunks(ctx, func(c *Chunk) error {
		paths = append(paths, c.Path)
		return nil
	}))
	assert.ElementsMatch(t, []string{"alpha.md", "alpha.md", "beta.md"}, paths)
}

func TestMigrationRunsOnce(t *testing.T) {
	// Given a completed migration
	dir := t.TempDir()
	db, err := OpenDB(filepath.Join(dir, dbFileName))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	require.NoError(t, MigrateLegacySnapshot(ctx, db, dir))

	// When a legacy blob reappears afterwards
	writeLegacyBlob(t, dir, []legacyRecord{
		{Path: "ghost.md", Text: "x", Embedding: legacyVec(0.4)},
	})
	require.NoError(t, MigrateLegacySnapshot(ctx, db, dir))

	// Then the flag, not the blob's presence, gates the run
	count, err := db.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = os.Stat(filepath.Join(dir, legacyBlobName))
	assert.NoError(t, err, "a post-migration blob is left untouched")
}

func TestMigrationFailsOnGarbageBlob(t *testing.T) {
	// Given an unparseable blob
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, legacyBlobName), []byte("{not json"), 0o644))

	db, err := OpenDB(filepath.Join(dir, dbFileName))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// When migrating
	ctx := context.Background()
	err = MigrateLegacySnapshot(ctx, db, dir)

	// Then the migration fails and stays pending for the next attempt
	require.Error(t, err)
	flag, ferr := db.GetState(ctx, StateKeyMigrated)
	require.NoError(t, ferr)
	assert.NotEqual(t, "true", flag)
	_, serr := os.Stat(filepath.Join(dir, legacyBlobName))
	assert.NoError(t, serr, "the blob must survive a failed migration")
}

func TestMigrationRunsThroughRepositoryInit(t *testing.T) {
	// Given a legacy blob in the data directory
	dir := t.TempDir()
	writeLegacyBlob(t, dir, []legacyRecord{
		{Path: "old.md", Title: "Old", Text: "legacy content", Seq: 0, Total: 1, Embedding: []float32{0, 1, 0}},
	})

	// When the repository initializes
	ctx := context.Background()
	repo := NewRepository(dir)
	require.NoError(t, repo.Init(ctx, 3, "test-model"))
	defer func() { _ = repo.Close() }()

	// Then the migrated chunk is searchable
	results, err := repo.FindSimilar(ctx, []float32{0, 1, 0}, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "old.md", results[0].Path)
	assert.Equal(t, "Old", results[0].Title)
}
