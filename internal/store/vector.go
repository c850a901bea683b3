package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// VectorIndex is the in-memory HNSW index over chunk embeddings.
// Similarity queries run against it concurrently with indexing writes.
type VectorIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorConfig

	// ID mapping (string <-> uint64)
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

// vectorMetadata stores ID mappings for snapshot persistence.
type vectorMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  VectorConfig
}

// vectorHit is a raw nearest-neighbor result before metadata joins.
type vectorHit struct {
	ID    string
	Score float32
}

// NewVectorIndex creates an HNSW index with cosine distance.
func NewVectorIndex(cfg VectorConfig) (*VectorIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector index requires positive dimensions, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	return &VectorIndex{
		graph:  newGraph(cfg),
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// newGraph builds an empty HNSW graph with the configured parameters.
func newGraph(cfg VectorConfig) *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25
	return graph
}

// Add inserts vectors with their IDs. An existing ID is replaced via lazy
// deletion: the old node stays in the graph but loses its mapping, which
// avoids coder/hnsw delete edge cases.
func (s *VectorIndex) Add(ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector index is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
	}

	return nil
}

// Search finds the k nearest neighbors to the query vector, descending by
// similarity score. Lazily deleted nodes are skipped.
func (s *VectorIndex) Search(query []float32, k int) ([]vectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if s.graph.Len() == 0 {
		return []vectorHit{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	nodes := s.graph.Search(normalized, k)

	hits := make([]vectorHit, 0, len(nodes))
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			// Orphaned by lazy deletion.
			continue
		}
		distance := s.graph.Distance(normalized, node.Value)
		hits = append(hits, vectorHit{
			ID: id,
			// Cosine distance ranges 0-2; map to similarity 0-1.
			Score: 1.0 - distance/2.0,
		})
	}

	return hits, nil
}

// Delete removes vectors by ID using lazy deletion.
func (s *VectorIndex) Delete(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
	}
}

// Contains checks if an ID exists.
func (s *VectorIndex) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, exists := s.idMap[id]
	return exists
}

// Count returns the number of live vectors.
func (s *VectorIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// Nodes returns the number of graph nodes, including lazily-deleted
// orphans. Search over k nodes is exhaustive only when k reaches this.
func (s *VectorIndex) Nodes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return s.graph.Len()
}

// compactionThreshold is the orphan share above which Compact rebuilds.
const compactionThreshold = 0.25

// Compact rebuilds the graph from live vectors when lazily-deleted
// orphans exceed compactionThreshold of the nodes. Reports whether a
// rebuild happened.
func (s *VectorIndex) Compact() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, fmt.Errorf("vector index is closed")
	}

	total := s.graph.Len()
	orphans := total - len(s.idMap)
	if total == 0 || float64(orphans)/float64(total) <= compactionThreshold {
		return false, nil
	}

	graph := newGraph(s.config)
	idMap := make(map[string]uint64, len(s.idMap))
	keyMap := make(map[uint64]string, len(s.idMap))
	var nextKey uint64

	for id, key := range s.idMap {
		vec, ok := s.graph.Lookup(key)
		if !ok {
			continue
		}
		graph.Add(hnsw.MakeNode(nextKey, vec))
		idMap[id] = nextKey
		keyMap[nextKey] = id
		nextKey++
	}

	slog.Debug("compacted vector index",
		slog.Int("orphans", orphans),
		slog.Int("live", len(idMap)))

	s.graph = graph
	s.idMap = idMap
	s.keyMap = keyMap
	s.nextKey = nextKey
	return true, nil
}

// Save persists the index snapshot to disk atomically (temp file + rename),
// with a gob metadata sidecar for the ID mappings.
func (s *VectorIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}

	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot file: %w", err)
	}

	return s.saveMetadata(path + ".meta")
}

// saveMetadata saves ID mappings to a gob file.
func (s *VectorIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}

	meta := vectorMetadata{
		IDMap:   s.idMap,
		NextKey: s.nextKey,
		Config:  s.config,
	}

	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load restores the index snapshot from disk. State is committed only
// after both the metadata sidecar and the graph decode cleanly; a failure
// anywhere leaves the index exactly as it was, so a missing or corrupt
// snapshot still lets callers rebuild from source records.
func (s *VectorIndex) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector index is closed")
	}

	meta, err := readMetadata(path + ".meta")
	if err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}
	if meta.Config.Dimensions != s.config.Dimensions {
		return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: meta.Config.Dimensions}
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer func() { _ = file.Close() }()

	graph := newGraph(s.config)
	// bufio.Reader because coder/hnsw Import requires io.ByteReader.
	if err := graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	keyMap := make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		keyMap[key] = id
	}

	s.graph = graph
	s.idMap = meta.IDMap
	s.keyMap = keyMap
	s.nextKey = meta.NextKey
	return nil
}

// readMetadata decodes the ID mappings from the gob sidecar.
func readMetadata(path string) (vectorMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return vectorMetadata{}, fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta vectorMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return vectorMetadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

// Close releases resources.
func (s *VectorIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
