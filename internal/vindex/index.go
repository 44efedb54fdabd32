// Package vindex holds the derived, per-agent vector index used for
// semantic candidate generation. The store remains the source of truth;
// every index can be rebuilt from it at any time.
package vindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/lazypower/mnemo/internal/store"
)

// Strategy names.
const (
	StrategyAuto    = "auto"
	StrategyChromem = "chromem"
	StrategyMemory  = "memory"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// vectors already indexed for the agent.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Hit is one nearest-neighbour result.
type Hit struct {
	ID         int64   `json:"id"`
	Similarity float64 `json:"similarity"`
}

// Item is one vector to index.
type Item struct {
	ID     int64
	Vector []float64
}

// Index is a per-agent nearest-neighbour index over record embeddings.
// Similarities are cosine, in [-1, 1], ordered highest first.
type Index interface {
	Upsert(ctx context.Context, agent string, id int64, vec []float64) error
	UpsertBatch(ctx context.Context, agent string, items []Item) error
	Remove(ctx context.Context, agent string, ids ...int64) error
	Query(ctx context.Context, agent string, vec []float64, k int) ([]Hit, error)
	Rebuild(ctx context.Context, agent string) error
	Strategy() string
}

// Source loads the live vectors of an agent. *store.DB implements it.
type Source interface {
	LiveVectors(ctx context.Context, agent string) ([]store.VectorRecord, error)
}

// Open returns the index for strategy. "auto" probes the native chromem
// backend and falls back to the in-memory scan when it cannot be used.
func Open(strategy string, src Source) (Index, error) {
	switch strategy {
	case StrategyMemory:
		return NewMemory(src), nil
	case StrategyChromem:
		return NewChromem(src)
	case StrategyAuto, "":
		if err := probeChromem(); err != nil {
			log.Warn("vindex: chromem unavailable, using in-memory scan", "error", err)
			return NewMemory(src), nil
		}
		return NewChromem(src)
	default:
		return nil, fmt.Errorf("unknown index strategy %q", strategy)
	}
}

func itemsFrom(vectors []store.VectorRecord) []Item {
	items := make([]Item, len(vectors))
	for i, v := range vectors {
		items[i] = Item{ID: v.MemoryID, Vector: v.Embedding}
	}
	return items
}

// normalized returns a unit-length copy of vec, or nil for a zero vector.
func normalized(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return nil
	}
	norm := math.Sqrt(sum)
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

// topK sorts hits by similarity (id ascending on ties) and keeps k.
func topK(hits []Hit, k int) []Hit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
