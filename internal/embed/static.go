package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
)

// StaticEmbedder generates embeddings using a hash-based approach.
// Works without external dependencies (no network, no model download).
// Deterministic and fast, with reduced semantic quality; the offline
// fallback and the backend of choice for tests.
type StaticEmbedder struct {
	counter *TokenCounter

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// proseStopWords contains high-frequency English words that carry little
// signal for note similarity.
var proseStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "of": true, "to": true, "in": true, "on": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"it": true, "this": true, "that": true, "with": true, "for": true,
	"as": true, "at": true, "by": true, "from": true, "not": true,
}

// Weights for vector generation.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// wordRegex matches alphanumeric sequences.
var wordRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// NewStaticEmbedder creates a new static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{counter: NewTokenCounter()}
}

// Load is a no-op; there is no model to load.
func (e *StaticEmbedder) Load(ctx context.Context) error { return nil }

// Unload is a no-op.
func (e *StaticEmbedder) Unload(ctx context.Context) error { return nil }

// Embed generates an embedding for a single text.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}

	return normalizeVector(e.generateVector(trimmed)), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// CountTokens delegates to the shared token counter.
func (e *StaticEmbedder) CountTokens(ctx context.Context, text string) (int, error) {
	return e.counter.CountTokens(ctx, text)
}

// MaxTokens returns the nominal context limit.
func (e *StaticEmbedder) MaxTokens() int {
	return StaticMaxTokens
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return StaticDimensions
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return "static-hash-256"
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// generateVector creates a hash-based vector from text: word hashes at
// weight 0.7 plus character trigram hashes at weight 0.3.
func (e *StaticEmbedder) generateVector(text string) []float32 {
	vector := make([]float32, StaticDimensions)

	for _, word := range wordRegex.FindAllString(strings.ToLower(text), -1) {
		if proseStopWords[word] {
			continue
		}
		vector[hashToIndex(word, StaticDimensions)] += tokenWeight
	}

	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	for i := 0; i+ngramSize <= len(normalized); i++ {
		vector[hashToIndex(normalized[i:i+ngramSize], StaticDimensions)] += ngramWeight
	}

	return vector
}

// hashToIndex maps a string to a vector index via FNV-1a.
func hashToIndex(s string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dims))
}
