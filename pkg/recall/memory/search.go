// Package memory – search.go implements similarity search over the chunk
// embedding matrix.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Default search parameters.
const (
	DefaultThreshold  = 0.3
	DefaultMinResults = 3
)

// SearchResult is one memory matched by a search, scored by its best
// chunk.
type SearchResult struct {
	MemoryID   string    `json:"memory_id"`
	Content    string    `json:"content"`
	Similarity float64   `json:"similarity"`
	CreatedAt  time.Time `json:"created_at"`
}

// Search embeds the query and scores it against every chunk, keeping the
// best chunk score per memory. Results are ordered by descending
// similarity; the walk keeps every result at or above threshold, tops up
// to minResults below it, and stops at the first result that satisfies
// neither condition.
//
// An empty store returns no results without calling the embedder.
// Pass threshold <= 0 or minResults <= 0 to use the store defaults.
func (s *Store) Search(ctx context.Context, query string, threshold float64, minResults int) ([]SearchResult, error) {
	if threshold <= 0 {
		threshold = s.cfg.Threshold
	}
	if minResults <= 0 {
		minResults = s.cfg.MinResults
	}

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	empty := len(s.chunks) == 0
	s.mu.RUnlock()
	if empty {
		return nil, nil
	}

	qv, err := EmbedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, err
	}
	qv = normalize(qv)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.matrix) == 0 {
		return nil, nil
	}
	if len(qv) != len(s.matrix[0]) {
		return nil, fmt.Errorf("query vector has %d dims, stored vectors have %d: %w",
			len(qv), len(s.matrix[0]), ErrDimensionMismatch)
	}

	// Best chunk score per memory.
	best := make(map[string]float64, len(s.memories))
	for i, row := range s.matrix {
		sim := dot(qv, row)
		memID := s.chunks[i].MemoryID
		if cur, ok := best[memID]; !ok || sim > cur {
			best[memID] = sim
		}
	}

	type scored struct {
		id  string
		sim float64
	}
	ranked := make([]scored, 0, len(best))
	for id, sim := range best {
		ranked = append(ranked, scored{id: id, sim: sim})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })

	byID := make(map[string]Memory, len(s.memories))
	for _, m := range s.memories {
		byID[m.ID] = m
	}

	var results []SearchResult
	for _, r := range ranked {
		if r.sim < threshold && len(results) >= minResults {
			break
		}
		m, ok := byID[r.id]
		if !ok {
			return nil, fmt.Errorf("chunk references unknown memory %s: %w", r.id, ErrCorruptStore)
		}
		results = append(results, SearchResult{
			MemoryID:   m.ID,
			Content:    m.Content,
			Similarity: r.sim,
			CreatedAt:  m.CreatedAt,
		})
	}

	return results, nil
}

// ---------- Vector helpers ----------

// dot computes the dot product of two equal-length vectors. For unit
// vectors this equals cosine similarity.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// normalize scales v to unit length. The zero vector is returned as is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	if math.Abs(norm-1) < 1e-9 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
