// Package compute is the async boundary in front of the chunk repository
// and the embedding oracle. All repository and oracle work runs on a
// single owner goroutine; callers submit requests over a channel and block
// until their result arrives, which serializes index mutation without
// exposing locks to the rest of the system.
package compute

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notesim/notesim/internal/embed"
	ierr "github.com/notesim/notesim/internal/errors"
	"github.com/notesim/notesim/internal/store"
)

// requestBuffer bounds the submission channel. Senders block when the
// worker falls behind, which is the intended backpressure.
const requestBuffer = 16

type request struct {
	id   string
	op   string
	fn   func(ctx context.Context) (any, error)
	resp chan response
}

type response struct {
	value any
	err   error
}

// Client proxies repository and oracle operations onto the owner
// goroutine. After Dispose every call fails fast with a disposed error;
// Dispose itself is idempotent and safe even if Init never ran.
type Client struct {
	repo     *store.Repository
	embedder embed.Embedder

	requests chan *request
	done     chan struct{}
	wg       sync.WaitGroup

	disposeOnce sync.Once
}

// NewClient creates the boundary and starts the owner goroutine.
func NewClient(repo *store.Repository, embedder embed.Embedder) *Client {
	c := &Client{
		repo:     repo,
		embedder: embedder,
		requests: make(chan *request, requestBuffer),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case req := <-c.requests:
			start := time.Now()
			value, err := req.fn(context.Background())
			if err != nil {
				slog.Debug("compute request failed",
					slog.String("request_id", req.id),
					slog.String("op", req.op),
					slog.String("error", err.Error()))
			} else if elapsed := time.Since(start); elapsed > time.Second {
				slog.Debug("slow compute request",
					slog.String("request_id", req.id),
					slog.String("op", req.op),
					slog.Duration("elapsed", elapsed))
			}
			req.resp <- response{value: value, err: err}
		}
	}
}

// call submits fn to the owner goroutine and waits for its result.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	req := &request{
		id:   uuid.NewString(),
		op:   op,
		fn:   fn,
		resp: make(chan response, 1),
	}

	// Checked up front so a disposed client or dead context fails
	// deterministically instead of racing the submit.
	select {
	case <-c.done:
		return nil, ierr.New(ierr.ErrCodeDisposed, op+" called after Dispose", nil)
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case c.requests <- req:
	case <-c.done:
		return nil, ierr.New(ierr.ErrCodeDisposed, op+" called after Dispose", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.resp:
		return resp.value, resp.err
	case <-c.done:
		// The worker exited before answering.
		return nil, ierr.New(ierr.ErrCodeDisposed, op+" interrupted by Dispose", nil)
	case <-ctx.Done():
		// The worker still completes the request; the result is dropped.
		return nil, ctx.Err()
	}
}

// Init loads the embedding model and initializes the repository with the
// oracle's dimension and identity. Idempotent once it has succeeded;
// a failed Init may be retried.
func (c *Client) Init(ctx context.Context) error {
	_, err := c.call(ctx, "Init", func(ctx context.Context) (any, error) {
		if err := c.embedder.Load(ctx); err != nil {
			return nil, ierr.OracleError("load embedding model", err)
		}
		return nil, c.repo.Init(ctx, c.embedder.Dimensions(), c.embedder.ModelName())
	})
	return err
}

// PutChunks stores a batch of chunks, returning the accepted count.
func (c *Client) PutChunks(ctx context.Context, chunks []*store.Chunk) (int, error) {
	v, err := c.call(ctx, "PutChunks", func(ctx context.Context) (any, error) {
		return c.repo.PutMulti(ctx, chunks)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// RemoveByPath deletes all chunks for a note path, returning the count.
func (c *Client) RemoveByPath(ctx context.Context, path string) (int, error) {
	v, err := c.call(ctx, "RemoveByPath", func(ctx context.Context) (any, error) {
		return c.repo.RemoveByPath(ctx, path)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// FindSimilar returns the chunks nearest to the query vector.
func (c *Client) FindSimilar(ctx context.Context, query []float32, limit int, opts store.SearchOptions) ([]store.SearchResult, error) {
	v, err := c.call(ctx, "FindSimilar", func(ctx context.Context) (any, error) {
		return c.repo.FindSimilar(ctx, query, limit, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.SearchResult), nil
}

// Count returns the total chunk count.
func (c *Client) Count(ctx context.Context) (int, error) {
	v, err := c.call(ctx, "Count", func(ctx context.Context) (any, error) {
		return c.repo.Count(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Persist flushes the vector snapshot if dirty.
func (c *Client) Persist(ctx context.Context) error {
	_, err := c.call(ctx, "Persist", func(ctx context.Context) (any, error) {
		return nil, c.repo.Persist()
	})
	return err
}

// Unload releases the embedding model without tearing down the boundary.
// A later Init reloads it.
func (c *Client) Unload(ctx context.Context) error {
	_, err := c.call(ctx, "Unload", func(ctx context.Context) (any, error) {
		if err := c.embedder.Unload(ctx); err != nil {
			return nil, ierr.OracleError("unload embedding model", err)
		}
		return nil, nil
	})
	return err
}

// EmbedTexts embeds a batch of texts through the oracle.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	v, err := c.call(ctx, "EmbedTexts", func(ctx context.Context) (any, error) {
		vecs, err := c.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, ierr.OracleError("embed texts", err)
		}
		return vecs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([][]float32), nil
}

// EmbedText embeds a single text through the oracle.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// CountTokens counts tokens in text using the oracle's tokenizer.
func (c *Client) CountTokens(ctx context.Context, text string) (int, error) {
	v, err := c.call(ctx, "CountTokens", func(ctx context.Context) (any, error) {
		return c.embedder.CountTokens(ctx, text)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// MaxTokens returns the oracle's per-text token capacity.
func (c *Client) MaxTokens() int {
	return c.embedder.MaxTokens()
}

// Dimensions returns the embedding dimension.
func (c *Client) Dimensions() int {
	return c.embedder.Dimensions()
}

// Watermarks exposes the repository's watermark store.
func (c *Client) Watermarks() (*store.DB, error) {
	return c.repo.Watermarks()
}

// Dispose stops the owner goroutine and releases the repository and the
// oracle. Runs at most once; later calls are no-ops, and calls made
// before Init are safe.
func (c *Client) Dispose() {
	c.disposeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()

		// The worker is gone, so the model release runs inline. Close
		// alone would leave the model resident in the backend.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.embedder.Unload(ctx); err != nil {
			slog.Warn("failed to unload embedding model", slog.String("error", err.Error()))
		}
		if err := c.embedder.Close(); err != nil {
			slog.Warn("failed to close embedder", slog.String("error", err.Error()))
		}
		if err := c.repo.Close(); err != nil {
			slog.Warn("failed to close repository", slog.String("error", err.Error()))
		}
	})
}
