// Package memory – store.go implements the persistent memory store.
// Memories and their embedded chunks live in two JSON table files that are
// rewritten wholesale on every mutation; a dense embedding matrix kept
// row-aligned with the chunk table serves similarity search.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	memoriesFile = "memories.json"
	chunksFile   = "chunks.json"
)

// ErrCorruptStore indicates the persisted tables are inconsistent
// (mismatched embedding dimensions or a chunk row without a vector).
// The store refuses to operate rather than silently drop rows.
var ErrCorruptStore = errors.New("memory store tables are inconsistent")

// ErrDimensionMismatch indicates an embedding whose dimensionality does
// not match the vectors already stored.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Memory is one saved fact.
type Memory struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is one embedded slice of a memory's content.
type Chunk struct {
	MemoryID  string    `json:"memory_id"`
	Index     int       `json:"chunk_index"`
	Text      string    `json:"chunk_text"`
	Embedding []float32 `json:"embedding"`
}

// StoreConfig tunes chunking and search defaults for a Store.
type StoreConfig struct {
	ChunkSize    int     `yaml:"chunk_size"`
	ChunkOverlap int     `yaml:"chunk_overlap"`
	Threshold    float64 `yaml:"threshold"`
	MinResults   int     `yaml:"min_results"`
}

// DefaultStoreConfig returns the store defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		Threshold:    DefaultThreshold,
		MinResults:   DefaultMinResults,
	}
}

// Store is a handle on the memory tables under a data directory.
// Tables are loaded lazily on first use. A failed persist invalidates the
// in-memory cache so the next operation reloads from the files on disk.
//
// All operations are safe for concurrent use: mutations hold the write
// lock, searches and reads hold the read lock.
type Store struct {
	dataDir  string
	embedder EmbeddingProvider
	cfg      StoreConfig
	logger   *slog.Logger

	mu       sync.RWMutex
	loaded   bool
	memories []Memory
	chunks   []Chunk
	matrix   [][]float32
}

// Open creates a Store over dataDir, creating the directory if needed.
// No table data is read until the first operation.
func Open(dataDir string, embedder EmbeddingProvider, cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MinResults <= 0 {
		cfg.MinResults = DefaultMinResults
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory data dir: %w", err)
	}

	return &Store{
		dataDir:  dataDir,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With("component", "memory"),
	}, nil
}

// Config returns the store's effective configuration.
func (s *Store) Config() StoreConfig { return s.cfg }

// Close releases the in-memory tables. The files on disk are already
// durable; a closed store reloads them if used again.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.memories = nil
	s.chunks = nil
	s.matrix = nil
	return nil
}

// Save chunks content, embeds every chunk in one batch call, appends the
// new rows and persists both tables. Returns the new memory id.
// On embedding failure nothing is stored.
func (s *Store) Save(ctx context.Context, content string) (string, error) {
	if err := s.ensureLoaded(); err != nil {
		return "", err
	}

	parts := ChunkText(content, s.cfg.ChunkSize, s.cfg.ChunkOverlap)

	// Embedding is the slow step; keep it off the store lock.
	vecs, err := s.embedder.Embed(ctx, parts)
	if err != nil {
		return "", err
	}
	if len(vecs) != len(parts) {
		return "", &ProviderError{
			Provider: s.embedder.Name(),
			Err:      fmt.Errorf("expected %d embeddings, got %d", len(parts), len(vecs)),
		}
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return "", &ProviderError{
				Provider: s.embedder.Name(),
				Err:      fmt.Errorf("empty embedding for chunk %d", i),
			}
		}
		vecs[i] = normalize(v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A concurrent Close may have emptied the cache since ensureLoaded;
	// appending to an empty cache would persist only the new rows.
	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			return "", err
		}
	}

	if len(s.matrix) > 0 && len(vecs[0]) != len(s.matrix[0]) {
		return "", fmt.Errorf("new vectors have %d dims, stored vectors have %d: %w",
			len(vecs[0]), len(s.matrix[0]), ErrDimensionMismatch)
	}

	now := time.Now()
	id := newMemoryID(now)
	s.memories = append(s.memories, Memory{ID: id, Content: content, CreatedAt: now})
	for i, part := range parts {
		s.chunks = append(s.chunks, Chunk{MemoryID: id, Index: i, Text: part, Embedding: vecs[i]})
		s.matrix = append(s.matrix, vecs[i])
	}

	if err := s.persistLocked(); err != nil {
		return "", err
	}

	s.logger.Info("memory saved", "id", id, "chunks", len(parts))
	return id, nil
}

// Delete removes a memory and all its chunks, rebuilding the embedding
// matrix from the survivors. Returns false with a nil error when the id
// is unknown.
func (s *Store) Delete(id string) (bool, error) {
	if err := s.ensureLoaded(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			return false, err
		}
	}

	found := false
	memories := s.memories[:0]
	for _, m := range s.memories {
		if m.ID == id {
			found = true
			continue
		}
		memories = append(memories, m)
	}
	if !found {
		return false, nil
	}
	s.memories = memories

	chunks := make([]Chunk, 0, len(s.chunks))
	matrix := make([][]float32, 0, len(s.chunks))
	for _, c := range s.chunks {
		if c.MemoryID == id {
			continue
		}
		chunks = append(chunks, c)
		matrix = append(matrix, c.Embedding)
	}
	s.chunks = chunks
	s.matrix = matrix

	if err := s.persistLocked(); err != nil {
		return false, err
	}

	s.logger.Info("memory deleted", "id", id)
	return true, nil
}

// All returns every stored memory in insertion order.
func (s *Store) All() ([]Memory, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Memory, len(s.memories))
	copy(out, s.memories)
	return out, nil
}

// Count returns the number of stored memories and chunks.
func (s *Store) Count() (memories, chunks int, err error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.memories), len(s.chunks), nil
}

// ---------- Loading and persistence ----------

// ensureLoaded populates the in-memory tables from disk if they are not
// already cached.
func (s *Store) ensureLoaded() error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	var memories []Memory
	if err := readTable(filepath.Join(s.dataDir, memoriesFile), &memories); err != nil {
		return fmt.Errorf("load memories table: %w", err)
	}

	var chunks []Chunk
	if err := readTable(filepath.Join(s.dataDir, chunksFile), &chunks); err != nil {
		return fmt.Errorf("load chunks table: %w", err)
	}

	matrix := make([][]float32, 0, len(chunks))
	dims := 0
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("chunk row %d has no embedding: %w", i, ErrCorruptStore)
		}
		if dims == 0 {
			dims = len(c.Embedding)
		} else if len(c.Embedding) != dims {
			return fmt.Errorf("chunk row %d has %d dims, expected %d: %w",
				i, len(c.Embedding), dims, ErrCorruptStore)
		}
		// Normalize into the chunk row itself so a later matrix rebuild
		// from the rows keeps unit vectors.
		chunks[i].Embedding = normalize(c.Embedding)
		matrix = append(matrix, chunks[i].Embedding)
	}

	s.memories = memories
	s.chunks = chunks
	s.matrix = matrix
	s.loaded = true

	s.logger.Debug("memory tables loaded", "memories", len(memories), "chunks", len(chunks))
	return nil
}

// persistLocked rewrites both table files. Either file is written fully
// or left untouched. On failure the cache is invalidated so the next
// operation reloads whatever is durable on disk.
func (s *Store) persistLocked() error {
	if err := writeTable(filepath.Join(s.dataDir, memoriesFile), s.memories); err != nil {
		s.loaded = false
		return fmt.Errorf("persist memories table: %w", err)
	}
	if err := writeTable(filepath.Join(s.dataDir, chunksFile), s.chunks); err != nil {
		s.loaded = false
		return fmt.Errorf("persist chunks table: %w", err)
	}
	return nil
}

// readTable unmarshals a JSON table file into dst. A missing file is an
// empty table.
func readTable(path string, dst any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeTable marshals rows and replaces path atomically via temp + rename.
func writeTable(path string, rows any) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// newMemoryID builds a timestamp id with microsecond precision, e.g.
// 20260827_153012_004213. Sub-second digits keep rapid saves distinct.
func newMemoryID(t time.Time) string {
	return t.Format("20060102_150405") + fmt.Sprintf("_%06d", t.Nanosecond()/1000)
}
