package index

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notesim/notesim/internal/chunk"
	"github.com/notesim/notesim/internal/compute"
	"github.com/notesim/notesim/internal/embed"
	"github.com/notesim/notesim/internal/filter"
	"github.com/notesim/notesim/internal/notes"
	"github.com/notesim/notesim/internal/queue"
	"github.com/notesim/notesim/internal/store"
)

// memStore is an in-memory notes.Store for pipeline tests.
type memStore struct {
	mu       sync.Mutex
	docs     map[string]memDoc
	handlers []func(notes.Event)
}

type memDoc struct {
	text  string
	mtime time.Time
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]memDoc)}
}

func (m *memStore) put(path, text string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt := time.Now()
	m.docs[path] = memDoc{text: text, mtime: mt}
	return mt
}

func (m *memStore) remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, path)
}

func (m *memStore) List(ctx context.Context) ([]notes.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]notes.Info, 0, len(m.docs))
	for p, d := range m.docs {
		infos = append(infos, notes.Info{Path: p, MTime: d.mtime})
	}
	return infos, nil
}

func (m *memStore) Read(ctx context.Context, path string) (*notes.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[path]
	if !ok {
		return nil, fmt.Errorf("read note %s: %w", path, fs.ErrNotExist)
	}
	return &notes.Note{Path: path, Title: path, Text: d.text}, nil
}

func (m *memStore) MTime(ctx context.Context, path string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[path]
	if !ok {
		return time.Time{}, fmt.Errorf("stat note %s: %w", path, fs.ErrNotExist)
	}
	return d.mtime, nil
}

func (m *memStore) Subscribe(handler func(notes.Event)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}, nil
}

func (m *memStore) emit(ev notes.Event) {
	m.mu.Lock()
	handlers := append([]func(notes.Event){}, m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// pipeline bundles the full indexing stack over in-memory stores.
type pipeline struct {
	store  *memStore
	queue  *queue.Queue
	client *compute.Client
	ix     *Indexer
	marks  *store.DB
	cancel context.CancelFunc
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	client := compute.NewClient(store.NewRepository(t.TempDir()), embed.NewStaticEmbedder())
	require.NoError(t, client.Init(context.Background()))

	marks, err := client.Watermarks()
	require.NoError(t, err)

	ms := newMemStore()
	q := queue.New(ms, marks, filter.New([]string{"**/*.md"}, nil))

	ix := New(q, client, ms, Options{
		Chunking:     chunk.Options{MaxTokens: 64},
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{store: ms, queue: q, client: client, ix: ix, marks: marks, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		p.ix.Stop()
		q.Cleanup()
		client.Dispose()
	})

	require.NoError(t, q.Initialize(ctx))
	go ix.Run(ctx)
	return p
}

func (p *pipeline) waitForCount(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		if p.queue.Len() > 0 {
			return false
		}
		n, err := p.client.Count(context.Background())
		return err == nil && n == want
	}, 5*time.Second, 10*time.Millisecond, "expected chunk count %d", want)
}

func TestIndexerIndexesNewNote(t *testing.T) {
	p := newPipeline(t)

	// Given a note created after startup
	mt := p.store.put("hello.md", "a note about goroutines and channels")
	p.store.emit(notes.Event{Path: "hello.md", Op: notes.OpCreate, MTime: mt})

	// Then it becomes searchable and its watermark advances
	p.waitForCount(t, 1)

	mark, ok, err := p.marks.GetWatermark(context.Background(), "hello.md")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mark.Equal(mt))

	vec, err := p.client.EmbedText(context.Background(), "goroutines and channels")
	require.NoError(t, err)
	results, err := p.client.FindSimilar(context.Background(), vec, 1, store.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "hello.md", results[0].Path)
}

func TestIndexerPicksUpPreexistingNotes(t *testing.T) {
	// Given notes that existed before the indexer started
	client := compute.NewClient(store.NewRepository(t.TempDir()), embed.NewStaticEmbedder())
	require.NoError(t, client.Init(context.Background()))
	t.Cleanup(client.Dispose)
	marks, err := client.Watermarks()
	require.NoError(t, err)

	ms := newMemStore()
	ms.put("one.md", "first note body")
	ms.put("two.md", "second note body")
	q := queue.New(ms, marks, filter.New([]string{"**/*.md"}, nil))
	t.Cleanup(q.Cleanup)

	ix := New(q, client, ms, Options{
		Chunking:     chunk.Options{MaxTokens: 64},
		PollInterval: 10 * time.Millisecond,
	})

	// When the pipeline starts
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); ix.Stop() })
	require.NoError(t, q.Initialize(ctx))
	go ix.Run(ctx)

	// Then reconciliation indexes both without any events
	require.Eventually(t, func() bool {
		n, err := client.Count(context.Background())
		return err == nil && n == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIndexerReplacesModifiedNote(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	mt := p.store.put("n.md", "original text about databases")
	p.store.emit(notes.Event{Path: "n.md", Op: notes.OpCreate, MTime: mt})
	p.waitForCount(t, 1)

	// When the note changes
	mt2 := p.store.put("n.md", "rewritten text about sailing boats")
	p.store.emit(notes.Event{Path: "n.md", Op: notes.OpModify, MTime: mt2})

	require.Eventually(t, func() bool {
		mark, ok, err := p.marks.GetWatermark(ctx, "n.md")
		return err == nil && ok && mark.Equal(mt2)
	}, 5*time.Second, 10*time.Millisecond)

	// Then the old content is replaced, not accumulated
	n, err := p.client.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	vec, err := p.client.EmbedText(ctx, "sailing boats")
	require.NoError(t, err)
	results, err := p.client.FindSimilar(ctx, vec, 1, store.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "n.md", results[0].Path)
}

func TestIndexerRemovesDeletedNote(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	mt := p.store.put("gone.md", "soon to be deleted")
	p.store.emit(notes.Event{Path: "gone.md", Op: notes.OpCreate, MTime: mt})
	p.waitForCount(t, 1)

	// When the note is deleted
	p.store.remove("gone.md")
	p.store.emit(notes.Event{Path: "gone.md", Op: notes.OpDelete})

	// Then its chunks and watermark disappear
	p.waitForCount(t, 0)
	require.Eventually(t, func() bool {
		_, ok, err := p.marks.GetWatermark(ctx, "gone.md")
		return err == nil && !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIndexerTreatsVanishedNoteAsDeleted(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	// Given a create event for a note that vanished before processing
	p.store.emit(notes.Event{Path: "phantom.md", Op: notes.OpCreate, MTime: time.Now()})

	// Then the change drains without poisoning the queue
	require.Eventually(t, func() bool {
		return p.queue.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	n, err := p.client.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndexerClearsEmptyNote(t *testing.T) {
	p := newPipeline(t)

	mt := p.store.put("n.md", "some content here")
	p.store.emit(notes.Event{Path: "n.md", Op: notes.OpCreate, MTime: mt})
	p.waitForCount(t, 1)

	// When the note is emptied out
	mt2 := p.store.put("n.md", "   \n\n  ")
	p.store.emit(notes.Event{Path: "n.md", Op: notes.OpModify, MTime: mt2})

	// Then its chunks are cleared rather than left stale
	p.waitForCount(t, 0)
}

func TestIndexerStopFinishesInFlightChange(t *testing.T) {
	p := newPipeline(t)

	mt := p.store.put("a.md", "note body")
	p.store.emit(notes.Event{Path: "a.md", Op: notes.OpCreate, MTime: mt})
	p.waitForCount(t, 1)

	// Stop blocks until the loop exits; calling it twice is safe.
	p.ix.Stop()
	p.ix.Stop()
}
