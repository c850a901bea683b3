// Package index drives the indexing pipeline: it pulls note changes off
// the queue one at a time, reads and chunks the note, embeds the chunks
// through the compute boundary, and replaces the note's stored chunks as
// one unit. The loop is deliberately single-threaded; concurrency lives
// inside the embedder's batching, not here.
package index

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/notesim/notesim/internal/chunk"
	"github.com/notesim/notesim/internal/compute"
	ierr "github.com/notesim/notesim/internal/errors"
	"github.com/notesim/notesim/internal/notes"
	"github.com/notesim/notesim/internal/queue"
	"github.com/notesim/notesim/internal/store"
)

const (
	// defaultPollInterval is the idle wait between queue polls.
	defaultPollInterval = 500 * time.Millisecond

	// defaultPersistInterval is the auto-persist cadence. Persist is a
	// no-op when the index is clean, so a short interval is cheap.
	defaultPersistInterval = 30 * time.Second
)

// Options configures the indexer loop.
type Options struct {
	Chunking        chunk.Options
	PollInterval    time.Duration
	PersistInterval time.Duration
}

// Indexer is the single-threaded indexing orchestrator.
type Indexer struct {
	queue  *queue.Queue
	client *compute.Client
	store  notes.Store
	split  *chunk.Splitter
	opts   Options

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates an indexer. The chunk splitter counts tokens through the
// compute boundary so the bound matches what the embedder will see.
func New(q *queue.Queue, client *compute.Client, noteStore notes.Store, opts Options) *Indexer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = defaultPersistInterval
	}
	if opts.Chunking.MaxTokens <= 0 {
		opts.Chunking.MaxTokens = chunk.DefaultMaxTokens
	}

	return &Indexer{
		queue:  q,
		client: client,
		store:  noteStore,
		split:  chunk.NewSplitter(client, opts.Chunking),
		opts:   opts,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run processes queue changes until Stop is called or ctx is cancelled.
// The in-flight change always finishes before the loop exits.
func (ix *Indexer) Run(ctx context.Context) {
	defer close(ix.done)

	poll := time.NewTicker(ix.opts.PollInterval)
	defer poll.Stop()
	persist := time.NewTicker(ix.opts.PersistInterval)
	defer persist.Stop()

	for {
		// Drain eagerly while work is pending.
		for {
			changes := ix.queue.Poll(ctx, 1)
			if len(changes) == 0 {
				break
			}
			ix.process(ctx, changes[0])

			select {
			case <-ix.stop:
				ix.finalPersist(ctx)
				return
			case <-ctx.Done():
				return
			default:
			}
		}

		select {
		case <-ix.stop:
			ix.finalPersist(ctx)
			return
		case <-ctx.Done():
			return
		case <-persist.C:
			if err := ix.client.Persist(ctx); err != nil {
				slog.Warn("auto-persist failed", slog.String("error", err.Error()))
			}
		case <-poll.C:
		}
	}
}

// process handles one change. Failures fall into two buckets: oracle and
// read errors log and skip without advancing the watermark, so the note
// is retried after the next reconciliation; storage write errors do the
// same. Only a fully applied change is acknowledged.
func (ix *Indexer) process(ctx context.Context, change queue.NoteChange) {
	logger := slog.With(
		slog.String("path", change.Path),
		slog.String("reason", change.Reason.String()))

	var err error
	switch change.Reason {
	case queue.ReasonDeleted:
		err = ix.remove(ctx, change.Path)
	default:
		var vanished bool
		vanished, err = ix.reindex(ctx, change.Path)
		if err == nil && vanished {
			// The note disappeared before processing; acknowledge it as
			// a deletion so no watermark lingers.
			change = queue.NoteChange{Path: change.Path, Reason: queue.ReasonDeleted}
		}
	}

	if err != nil {
		logger.Warn("indexing change failed, will retry",
			slog.String("error", err.Error()))
		return
	}

	if err := ix.queue.MarkProcessed(ctx, change); err != nil {
		logger.Warn("failed to advance watermark",
			slog.String("error", err.Error()))
		return
	}
	logger.Debug("change indexed")
}

// remove drops every chunk for a path.
func (ix *Indexer) remove(ctx context.Context, path string) error {
	removed, err := ix.client.RemoveByPath(ctx, path)
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Debug("removed chunks", slog.String("path", path), slog.Int("count", removed))
	}
	return nil
}

// reindex reads, chunks, embeds, and replaces a note's stored chunks.
// Replacement is remove-then-put, never reordered, so a crash in between
// leaves the note absent rather than half old, half new; the unmoved
// watermark redelivers it on the next start. Returns vanished=true when
// the note no longer exists.
func (ix *Indexer) reindex(ctx context.Context, path string) (bool, error) {
	note, err := ix.store.Read(ctx, path)
	if err != nil {
		// A note that vanished between the event and now is a deletion.
		if notes.IsNotExist(err) {
			return true, ix.remove(ctx, path)
		}
		return false, ierr.StorageError("read note", err).WithDetail("path", path)
	}

	pieces, err := ix.split.Split(ctx, note.Text)
	if err != nil {
		return false, err
	}
	if len(pieces) == 0 {
		// Empty note: clear whatever was indexed before.
		return false, ix.remove(ctx, path)
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	vectors, err := ix.client.EmbedTexts(ctx, texts)
	if err != nil {
		return false, err
	}

	chunks := make([]*store.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = &store.Chunk{
			ID:        store.ChunkID(path, p.Seq),
			Path:      path,
			Title:     note.Title,
			Text:      p.Text,
			Seq:       p.Seq,
			Total:     p.Total,
			Embedding: vectors[i],
		}
	}

	if _, err := ix.client.RemoveByPath(ctx, path); err != nil {
		return false, err
	}
	accepted, err := ix.client.PutChunks(ctx, chunks)
	if err != nil {
		return false, err
	}
	if accepted < len(chunks) {
		slog.Warn("some chunks were rejected",
			slog.String("path", path),
			slog.Int("accepted", accepted),
			slog.Int("total", len(chunks)))
	}
	return false, nil
}

func (ix *Indexer) finalPersist(ctx context.Context) {
	if err := ix.client.Persist(ctx); err != nil {
		slog.Warn("final persist failed", slog.String("error", err.Error()))
	}
}

// Stop signals the loop to exit after the in-flight change and blocks
// until it has. Safe to call more than once.
func (ix *Indexer) Stop() {
	ix.stopOnce.Do(func() {
		close(ix.stop)
	})
	<-ix.done
}
