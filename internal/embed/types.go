// Package embed provides the embedding oracle: pluggable backends mapping
// text to fixed-length vectors, plus token counting for the chunker.
package embed

import (
	"context"
	"math"
	"time"
)

// Common embedding constants.
const (
	// DefaultBatchSize is the default batch size for embedding requests.
	DefaultBatchSize = 32

	// MaxBatchSize caps batch size to prevent memory exhaustion.
	MaxBatchSize = 256

	// DefaultTimeout is the default timeout for a single embedding request.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for
	// transient backend failures.
	DefaultMaxRetries = 3

	// DefaultMaxTokens is the assumed model context window when the
	// backend does not report one.
	DefaultMaxTokens = 2048
)

// Static embedder constants.
const (
	// StaticDimensions is the embedding dimension for the static embedder.
	StaticDimensions = 256

	// StaticMaxTokens is the nominal context limit for the static
	// embedder. It has no real limit; this bounds chunk sizes anyway.
	StaticMaxTokens = 8192
)

// Embedder generates vector embeddings for text. It is the embedding
// oracle collaborator: output dimensionality is stable per loaded model.
type Embedder interface {
	// Load makes the model ready for inference. Idempotent.
	Load(ctx context.Context) error

	// Unload releases the model. Idempotent.
	Unload(ctx context.Context) error

	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// CountTokens returns the token count of text under the model's
	// tokenizer (or the closest available approximation).
	CountTokens(ctx context.Context, text string) (int, error)

	// MaxTokens returns the model's context window in tokens.
	MaxTokens() int

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
