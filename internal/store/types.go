// Package store owns persisted chunk vectors: an in-memory HNSW index for
// similarity queries backed by a per-record SQLite store, plus the durable
// watermark and state tables and the legacy snapshot migration.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// State keys in the state table.
const (
	// StateKeyMigrated marks the legacy snapshot migration as complete.
	// One bit, read once at startup; never cleared by a reappearing blob.
	StateKeyMigrated = "legacy_migration_complete"

	// StateKeyDimension stores the embedding dimension the index was
	// created with.
	StateKeyDimension = "index_embedding_dimension"

	// StateKeyModel stores the embedding model name used for the index.
	StateKeyModel = "index_embedding_model"
)

// Chunk is one token-bounded slice of a note paired with its embedding.
// All chunks for a path are replaced as one logical unit on update.
type Chunk struct {
	ID        string    // SHA256(path + seq)
	Path      string    // Note path (unique note id)
	Title     string    // Note display title
	Text      string    // Chunk content
	Seq       int       // Zero-based ordinal within the note
	Total     int       // Note's total chunk count, fixed at split time
	Embedding []float32 // Fixed-length vector; length == index dimension
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChunkID derives the stable chunk identifier from path and ordinal.
func ChunkID(path string, seq int) string {
	h := sha256.Sum256([]byte(path + "\x00" + strconv.Itoa(seq)))
	return hex.EncodeToString(h[:])
}

// PathHash hashes a note path for exact-match lookup independent of the
// storage engine's string-equality semantics.
func PathHash(path string) string {
	h := sha256.Sum256([]byte(path))
	return hex.EncodeToString(h[:])
}

// SearchResult is a single similarity hit.
type SearchResult struct {
	ID    string  // Chunk ID
	Path  string  // Note path
	Title string  // Note title
	Seq   int     // Chunk ordinal
	Score float32 // Normalized similarity (0-1), descending in results
}

// SearchOptions refine a FindSimilar call.
type SearchOptions struct {
	// MinScore drops results scoring below the threshold. Zero keeps all.
	MinScore float32

	// ExcludePaths removes chunks of the given note paths from results.
	// Exclusion is filtered client-side with paging so the caller's
	// requested count is still filled when possible.
	ExcludePaths []string
}

// VectorConfig configures the in-memory HNSW index.
type VectorConfig struct {
	// Dimensions is the embedding dimension, fixed at Init.
	Dimensions int

	// M is HNSW max connections per layer (default: 16).
	M int

	// EfSearch is HNSW query-time search width (default: 20).
	EfSearch int
}

// DefaultVectorConfig returns sensible defaults for the vector index.
func DefaultVectorConfig(dimensions int) VectorConfig {
	return VectorConfig{
		Dimensions: dimensions,
		M:          16,
		EfSearch:   20,
	}
}

// ErrDimensionMismatch indicates a vector of the wrong length.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
