package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Ollama API constants.
const (
	// DefaultOllamaHost is the default Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model for prose notes.
	DefaultOllamaModel = "nomic-embed-text"

	// ollamaPoolSize for the HTTP connection pool.
	ollamaPoolSize = 4

	// ollamaParallelism bounds concurrent sub-batch requests.
	ollamaParallelism = 2
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	// Host is the Ollama API endpoint (default: http://localhost:11434).
	Host string

	// Model is the embedding model to use.
	Model string

	// Dimensions overrides auto-detection when non-zero.
	Dimensions int

	// MaxTokens is the model context window (default: 2048).
	MaxTokens int

	// BatchSize for batch embedding requests (default: 32).
	BatchSize int

	// Timeout per API request (default: 60s).
	Timeout time.Duration

	// MaxRetries for transient failures (default: 3).
	MaxRetries int

	// SkipHealthCheck skips the initial availability probe (for testing).
	SkipHealthCheck bool
}

// OllamaEmbedder generates embeddings using Ollama's HTTP API.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig
	counter   *TokenCounter

	mu     sync.RWMutex
	dims   int
	loaded bool
	closed bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

type ollamaEmbedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive *string  `json:"keep_alive,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder creates an Ollama embedder. Unless SkipHealthCheck is
// set, it probes the server and auto-detects the embedding dimension.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	transport := &http.Transport{
		MaxIdleConns:        ollamaPoolSize,
		MaxIdleConnsPerHost: ollamaPoolSize,
		MaxConnsPerHost:     ollamaPoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	// No http.Client.Timeout: per-request context timeouts are applied in
	// doEmbed so a slow model load does not poison every later call.
	e := &OllamaEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		counter:   NewTokenCounter(),
		dims:      cfg.Dimensions,
	}

	if !cfg.SkipHealthCheck {
		if err := e.Load(ctx); err != nil {
			transport.CloseIdleConnections()
			return nil, err
		}
	}

	return e, nil
}

// Load warms the model with a probe embedding and records the output
// dimension. Idempotent.
func (e *OllamaEmbedder) Load(ctx context.Context) error {
	e.mu.Lock()
	if e.loaded {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	vecs, err := e.doEmbed(ctx, []string{"warmup"}, nil)
	if err != nil {
		return fmt.Errorf("load model %s: %w", e.config.Model, err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return fmt.Errorf("load model %s: empty probe embedding", e.config.Model)
	}

	e.mu.Lock()
	if e.dims == 0 {
		e.dims = len(vecs[0])
	}
	e.loaded = true
	e.mu.Unlock()

	slog.Info("embedding model loaded",
		slog.String("model", e.config.Model),
		slog.Int("dimensions", len(vecs[0])))
	return nil
}

// Unload asks Ollama to evict the model (keep_alive=0). Idempotent.
func (e *OllamaEmbedder) Unload(ctx context.Context) error {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return nil
	}
	e.loaded = false
	e.mu.Unlock()

	zero := "0"
	if _, err := e.doEmbed(ctx, []string{""}, &zero); err != nil {
		// Eviction is best-effort; the server unloads idle models anyway.
		slog.Warn("model unload request failed", slog.String("error", err.Error()))
	}
	return nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts. Inputs are split
// into sub-batches of BatchSize, embedded with bounded parallelism, and
// reassembled in order.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	results := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ollamaParallelism)

	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embedWithRetry(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// CountTokens approximates the model tokenizer via the shared counter.
func (e *OllamaEmbedder) CountTokens(ctx context.Context, text string) (int, error) {
	return e.counter.CountTokens(ctx, text)
}

// MaxTokens returns the model context window.
func (e *OllamaEmbedder) MaxTokens() int {
	return e.config.MaxTokens
}

// Dimensions returns the embedding dimension.
func (e *OllamaEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string {
	return e.config.Model
}

// Close releases HTTP resources.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

// embedWithRetry retries transient failures with linear backoff.
func (e *OllamaEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			slog.Debug("retrying embedding request",
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()))
		}

		vecs, err := e.doEmbed(ctx, texts, nil)
		if err == nil {
			return vecs, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", e.config.MaxRetries, lastErr)
}

// doEmbed performs one /api/embed round trip.
func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string, keepAlive *string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	body, err := json.Marshal(ollamaEmbedRequest{
		Model:     e.config.Model,
		Input:     texts,
		KeepAlive: keepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}

	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs",
			len(parsed.Embeddings), len(texts))
	}

	for i, vec := range parsed.Embeddings {
		parsed.Embeddings[i] = normalizeVector(vec)
	}
	return parsed.Embeddings, nil
}
