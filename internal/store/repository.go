package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"

	ierr "github.com/notesim/notesim/internal/errors"
)

// File names inside the data directory.
const (
	dbFileName       = "notesim.db"
	snapshotFileName = "vectors.hnsw"
)

// chunkMeta is the in-memory projection of a chunk used to join vector
// hits to note paths without touching SQLite on the query path.
type chunkMeta struct {
	Path  string
	Title string
	Seq   int
}

// Repository owns persisted chunk vectors: SQLite for durability, an HNSW
// index for similarity queries, and an id->meta join map. All accessors
// return NotInitialized until Init completes.
type Repository struct {
	dataDir string

	mu          sync.RWMutex
	db          *DB
	index       *VectorIndex
	meta        map[string]chunkMeta
	byPath      map[string][]string
	dims        int
	dirty       bool
	initialized bool
	closed      bool
}

// NewRepository creates an uninitialized repository rooted at dataDir.
func NewRepository(dataDir string) *Repository {
	return &Repository{
		dataDir: dataDir,
		meta:    make(map[string]chunkMeta),
		byPath:  make(map[string][]string),
	}
}

// Init creates or loads the index with the given embedding dimension and
// model identity. Runs the legacy snapshot migration when needed, then
// restores the in-memory index from the snapshot (falling back to a full
// rebuild from SQLite) and reconciles the two.
func (r *Repository) Init(ctx context.Context, dimensions int, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}
	if dimensions <= 0 {
		return fmt.Errorf("init requires positive dimensions, got %d", dimensions)
	}

	db, err := OpenDB(filepath.Join(r.dataDir, dbFileName))
	if err != nil {
		return ierr.StorageError("open chunk database", err)
	}
	r.db = db

	if err := MigrateLegacySnapshot(ctx, db, r.dataDir); err != nil {
		_ = db.Close()
		r.db = nil
		return err
	}

	if err := r.checkIdentity(ctx, dimensions, identity); err != nil {
		_ = db.Close()
		r.db = nil
		return err
	}

	index, err := NewVectorIndex(DefaultVectorConfig(dimensions))
	if err != nil {
		_ = db.Close()
		r.db = nil
		return err
	}
	r.index = index
	r.dims = dimensions

	snapshotPath := filepath.Join(r.dataDir, snapshotFileName)
	if err := index.Load(snapshotPath); err != nil {
		slog.Debug("vector snapshot unavailable, rebuilding from records",
			slog.String("error", err.Error()))
	}

	if err := r.reconcileLocked(ctx); err != nil {
		_ = index.Close()
		_ = db.Close()
		r.db, r.index = nil, nil
		return err
	}

	r.initialized = true
	slog.Info("chunk repository initialized",
		slog.Int("dimensions", dimensions),
		slog.String("model", identity),
		slog.Int("chunks", r.index.Count()))
	return nil
}

// checkIdentity validates the stored dimension/model against the caller's.
func (r *Repository) checkIdentity(ctx context.Context, dimensions int, identity string) error {
	stored, err := r.db.GetState(ctx, StateKeyDimension)
	if err != nil {
		return ierr.StorageError("read index dimension", err)
	}
	if stored != "" {
		prev, _ := strconv.Atoi(stored)
		if prev != dimensions {
			return ierr.New(ierr.ErrCodeDimensionMismatch,
				fmt.Sprintf("index was built with %d dimensions, embedder produces %d; reindex required", prev, dimensions), nil)
		}
	} else if err := r.db.SetState(ctx, StateKeyDimension, strconv.Itoa(dimensions)); err != nil {
		return ierr.StorageError("store index dimension", err)
	}

	prevModel, err := r.db.GetState(ctx, StateKeyModel)
	if err != nil {
		return ierr.StorageError("read index model", err)
	}
	if prevModel != "" && prevModel != identity {
		slog.Warn("embedding model changed since index creation",
			slog.String("index_model", prevModel),
			slog.String("current_model", identity))
	}
	if err := r.db.SetState(ctx, StateKeyModel, identity); err != nil {
		return ierr.StorageError("store index model", err)
	}
	return nil
}

// reconcileLocked rebuilds the meta maps from SQLite and brings the vector
// index in line with the records: missing vectors are added, records with
// invalid embeddings are skipped, and index entries with no backing record
// are dropped. Caller holds r.mu.
func (r *Repository) reconcileLocked(ctx context.Context) error {
	r.meta = make(map[string]chunkMeta)
	r.byPath = make(map[string][]string)

	valid := make(map[string]struct{})
	var toAddIDs []string
	var toAddVecs [][]float32

	err := r.db.AllChunks(ctx, func(c *Chunk) error {
		if len(c.Embedding) != r.dims {
			slog.Warn("skipping chunk with invalid embedding",
				slog.String("id", c.ID),
				slog.String("path", c.Path),
				slog.Int("got", len(c.Embedding)),
				slog.Int("want", r.dims))
			return nil
		}
		valid[c.ID] = struct{}{}
		r.meta[c.ID] = chunkMeta{Path: c.Path, Title: c.Title, Seq: c.Seq}
		r.byPath[c.Path] = append(r.byPath[c.Path], c.ID)
		if !r.index.Contains(c.ID) {
			toAddIDs = append(toAddIDs, c.ID)
			toAddVecs = append(toAddVecs, c.Embedding)
		}
		return nil
	})
	if err != nil {
		return ierr.StorageError("load chunk records", err)
	}

	if len(toAddIDs) > 0 {
		if err := r.index.Add(toAddIDs, toAddVecs); err != nil {
			return fmt.Errorf("rebuild vector index: %w", err)
		}
		r.dirty = true
	}

	// Index entries with no backing record are stale snapshot leftovers.
	var stale []string
	for id := range r.indexIDsLocked() {
		if _, ok := valid[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		r.index.Delete(stale)
		r.dirty = true
		slog.Info("dropped stale vector entries", slog.Int("count", len(stale)))
	}

	return nil
}

// indexIDsLocked snapshots the live index IDs. Caller holds r.mu.
func (r *Repository) indexIDsLocked() map[string]struct{} {
	ids := make(map[string]struct{}, len(r.index.idMap))
	r.index.mu.RLock()
	for id := range r.index.idMap {
		ids[id] = struct{}{}
	}
	r.index.mu.RUnlock()
	return ids
}

// Put stores a single chunk. Equivalent to PutMulti with one element.
func (r *Repository) Put(ctx context.Context, chunk *Chunk) error {
	_, err := r.PutMulti(ctx, []*Chunk{chunk})
	return err
}

// PutMulti validates and stores a batch of chunks. Invalid entries
// (missing, empty, or mis-sized embeddings) are dropped and logged
// without aborting the rest of the batch. Valid entries go to both the
// durable store and the in-memory index. Returns the accepted count.
func (r *Repository) PutMulti(ctx context.Context, chunks []*Chunk) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return 0, ierr.NotInitialized("PutMulti")
	}

	accepted := make([]*Chunk, 0, len(chunks))
	for _, c := range chunks {
		if err := r.validateLocked(c); err != nil {
			slog.Warn("dropping invalid chunk",
				slog.String("error", err.Error()))
			continue
		}
		if c.ID == "" {
			c.ID = ChunkID(c.Path, c.Seq)
		}
		accepted = append(accepted, c)
	}

	if len(accepted) == 0 {
		return 0, nil
	}

	if err := r.db.SaveChunks(ctx, accepted); err != nil {
		return 0, ierr.StorageError("persist chunks", err)
	}

	ids := make([]string, len(accepted))
	vecs := make([][]float32, len(accepted))
	for i, c := range accepted {
		ids[i] = c.ID
		vecs[i] = c.Embedding
	}
	if err := r.index.Add(ids, vecs); err != nil {
		return 0, fmt.Errorf("index chunks: %w", err)
	}

	for _, c := range accepted {
		r.meta[c.ID] = chunkMeta{Path: c.Path, Title: c.Title, Seq: c.Seq}
		r.byPath[c.Path] = append(r.byPath[c.Path], c.ID)
	}
	r.dirty = true

	return len(accepted), nil
}

// validateLocked rejects malformed chunks rather than coercing them.
func (r *Repository) validateLocked(c *Chunk) error {
	if c == nil {
		return ierr.InvalidChunk("nil chunk")
	}
	if c.Path == "" {
		return ierr.InvalidChunk("chunk has empty path")
	}
	if len(c.Embedding) == 0 {
		return ierr.InvalidChunk(fmt.Sprintf("chunk %s[%d] has no embedding", c.Path, c.Seq))
	}
	if len(c.Embedding) != r.dims {
		return ierr.InvalidChunk(fmt.Sprintf("chunk %s[%d] embedding has %d dimensions, index uses %d",
			c.Path, c.Seq, len(c.Embedding), r.dims))
	}
	return nil
}

// RemoveByPath deletes every chunk for a note path from both layers and
// returns the removed count. Callers implement replace-on-update as
// RemoveByPath then PutMulti, never reordered.
func (r *Repository) RemoveByPath(ctx context.Context, path string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return 0, ierr.NotInitialized("RemoveByPath")
	}

	removed, err := r.db.DeleteChunksByPath(ctx, path)
	if err != nil {
		return 0, ierr.StorageError("delete chunks", err)
	}

	ids := r.byPath[path]
	if len(ids) > 0 {
		r.index.Delete(ids)
		for _, id := range ids {
			delete(r.meta, id)
		}
		delete(r.byPath, path)
		r.dirty = true
	}

	if removed < len(ids) {
		removed = len(ids)
	}
	return removed, nil
}

// FindSimilar returns up to limit chunks most similar to the query vector,
// descending by score. The index cannot combine server-side exclusion with
// a hard limit, so hits are paged in batches of 2×limit and exclusions are
// filtered client-side until the limit fills or the index is exhausted.
func (r *Repository) FindSimilar(ctx context.Context, query []float32, limit int, opts SearchOptions) ([]SearchResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return nil, ierr.NotInitialized("FindSimilar")
	}
	if limit <= 0 {
		return []SearchResult{}, nil
	}

	excluded := make(map[string]struct{}, len(opts.ExcludePaths))
	for _, p := range opts.ExcludePaths {
		excluded[p] = struct{}{}
	}

	if r.index.Count() == 0 {
		return []SearchResult{}, nil
	}
	// Exhaustion is judged against graph nodes, not live vectors: lazily
	// deleted orphans still occupy search slots, so a batch must cover
	// them too before the index counts as exhausted.
	total := r.index.Nodes()
	results := make([]SearchResult, 0, limit)
	seen := make(map[string]struct{})

	for batch := 2 * limit; ; batch *= 2 {
		if batch > total {
			batch = total
		}

		hits, err := r.index.Search(query, batch)
		if err != nil {
			return nil, err
		}

		results = results[:0]
		clear(seen)
		belowThreshold := false
		for _, hit := range hits {
			meta, ok := r.meta[hit.ID]
			if !ok {
				continue
			}
			if _, skip := excluded[meta.Path]; skip {
				continue
			}
			if opts.MinScore > 0 && hit.Score < opts.MinScore {
				// Hits arrive in descending score order; everything
				// after this one is below the threshold too.
				belowThreshold = true
				break
			}
			if _, dup := seen[hit.ID]; dup {
				continue
			}
			seen[hit.ID] = struct{}{}
			results = append(results, SearchResult{
				ID:    hit.ID,
				Path:  meta.Path,
				Title: meta.Title,
				Seq:   meta.Seq,
				Score: hit.Score,
			})
			if len(results) == limit {
				break
			}
		}

		if len(results) == limit || batch >= total || belowThreshold {
			break
		}
	}

	return results, nil
}

// Count returns the total chunk count (not unique notes).
func (r *Repository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return 0, ierr.NotInitialized("Count")
	}
	return r.index.Count(), nil
}

// Dimensions returns the index embedding dimension.
func (r *Repository) Dimensions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dims
}

// Persist writes the vector snapshot if there are unsaved changes.
// A no-op when clean, so the auto-persist timer is cheap. Orphans left
// by lazy deletion are compacted away first so they do not accumulate
// in the snapshot across restarts.
func (r *Repository) Persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return ierr.NotInitialized("Persist")
	}
	if !r.dirty {
		return nil
	}

	if _, err := r.index.Compact(); err != nil {
		return ierr.StorageError("compact vector index", err)
	}
	if err := r.index.Save(filepath.Join(r.dataDir, snapshotFileName)); err != nil {
		return ierr.StorageError("save vector snapshot", err)
	}
	r.dirty = false
	return nil
}

// Watermarks exposes the durable watermark store for the change queue.
func (r *Repository) Watermarks() (*DB, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return nil, ierr.NotInitialized("Watermarks")
	}
	return r.db, nil
}

// Close persists pending changes and releases resources.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.initialized {
		if r.dirty {
			if _, err := r.index.Compact(); err != nil {
				slog.Warn("failed to compact vector index on close",
					slog.String("error", err.Error()))
			}
			if err := r.index.Save(filepath.Join(r.dataDir, snapshotFileName)); err != nil {
				slog.Warn("failed to save vector snapshot on close",
					slog.String("error", err.Error()))
			}
		}
		_ = r.index.Close()
		r.initialized = false
		return r.db.Close()
	}
	return nil
}
