package embed

import (
	"context"
	"fmt"

	"github.com/notesim/notesim/internal/config"
)

// New creates an embedder from configuration, wrapped with LRU caching.
// Provider "static" never touches the network; "ollama" probes the server
// unless cfg.Dimensions pins the dimension and health checks are deferred
// to the first real call.
func New(ctx context.Context, cfg config.EmbeddingsConfig) (Embedder, error) {
	var (
		inner Embedder
		err   error
	)

	switch cfg.Provider {
	case "static":
		inner = NewStaticEmbedder()

	case "ollama", "":
		inner, err = NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.OllamaHost,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}

	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
