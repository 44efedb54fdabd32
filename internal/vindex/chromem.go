package vindex

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	chromem "github.com/philippgille/chromem-go"
)

// chromemSlot holds the live collection of one agent. writeMu serializes
// writers and rebuilds; readers only load the pointer.
type chromemSlot struct {
	writeMu sync.Mutex
	col     atomic.Pointer[chromem.Collection]
	dims    atomic.Int64
}

// ChromemIndex is the native strategy: one chromem-go collection per agent.
type ChromemIndex struct {
	db    *chromem.DB
	src   Source
	gen   atomic.Uint64
	mu    sync.RWMutex
	slots map[string]*chromemSlot
}

// NewChromem creates an in-process chromem-go database backed by src.
func NewChromem(src Source) (*ChromemIndex, error) {
	return &ChromemIndex{
		db:    chromem.NewDB(),
		src:   src,
		slots: make(map[string]*chromemSlot),
	}, nil
}

func (c *ChromemIndex) Strategy() string { return StrategyChromem }

// probeChromem checks that a collection can be created, written and queried.
func probeChromem() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chromem probe panicked: %v", r)
		}
	}()
	db := chromem.NewDB()
	col, err := db.CreateCollection("probe", nil, nil)
	if err != nil {
		return fmt.Errorf("create probe collection: %w", err)
	}
	ctx := context.Background()
	if err := col.AddDocument(ctx, chromem.Document{ID: "1", Content: "probe", Embedding: []float32{1, 0}}); err != nil {
		return fmt.Errorf("add probe document: %w", err)
	}
	if _, err := col.QueryEmbedding(ctx, []float32{1, 0}, 1, nil, nil); err != nil {
		return fmt.Errorf("query probe collection: %w", err)
	}
	return db.DeleteCollection("probe")
}

// slot returns the agent's slot. Like getOrCreateCollection in other
// chromem stores it double-checks under the write lock; the first use loads
// the agent's vectors from the source.
func (c *ChromemIndex) slot(ctx context.Context, agent string) (*chromemSlot, error) {
	c.mu.RLock()
	s, ok := c.slots[agent]
	c.mu.RUnlock()
	if ok && s.col.Load() != nil {
		return s, nil
	}

	if !ok {
		c.mu.Lock()
		if s, ok = c.slots[agent]; !ok {
			s = &chromemSlot{}
			c.slots[agent] = s
		}
		c.mu.Unlock()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.col.Load() == nil {
		if err := c.load(ctx, agent, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// load fills a new generation of the agent's collection and swaps it in,
// then drops the previous one. Caller holds s.writeMu.
func (c *ChromemIndex) load(ctx context.Context, agent string, s *chromemSlot) error {
	vectors, err := c.src.LiveVectors(ctx, agent)
	if err != nil {
		return fmt.Errorf("load vectors for %s: %w", agent, err)
	}

	name := fmt.Sprintf("agent_%s_%d", agent, c.gen.Add(1))
	col, err := c.db.CreateCollection(name, nil, nil)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	docs := make([]chromem.Document, 0, len(vectors))
	dims := 0
	for _, v := range vectors {
		doc, ok := toDocument(v.MemoryID, v.Embedding)
		if !ok {
			continue
		}
		if dims == 0 {
			dims = len(doc.Embedding)
		}
		if len(doc.Embedding) != dims {
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) > 0 {
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			c.db.DeleteCollection(name)
			return fmt.Errorf("add documents: %w", err)
		}
	}

	old := s.col.Swap(col)
	s.dims.Store(int64(dims))
	if old != nil {
		if err := c.db.DeleteCollection(old.Name); err != nil {
			return fmt.Errorf("drop old collection: %w", err)
		}
	}
	return nil
}

func toDocument(id int64, vec []float64) (chromem.Document, bool) {
	unit := normalized(vec)
	if unit == nil {
		return chromem.Document{}, false
	}
	key := strconv.FormatInt(id, 10)
	return chromem.Document{ID: key, Content: key, Embedding: toFloat32(unit)}, true
}

func toFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}

func (c *ChromemIndex) Upsert(ctx context.Context, agent string, id int64, vec []float64) error {
	return c.UpsertBatch(ctx, agent, []Item{{ID: id, Vector: vec}})
}

func (c *ChromemIndex) UpsertBatch(ctx context.Context, agent string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	s, err := c.slot(ctx, agent)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	col := s.col.Load()
	dims := int(s.dims.Load())
	if col.Count() == 0 {
		dims = 0
	}
	docs := make([]chromem.Document, 0, len(items))
	for _, it := range items {
		doc, ok := toDocument(it.ID, it.Vector)
		if !ok {
			continue
		}
		if dims == 0 {
			dims = len(doc.Embedding)
		}
		if len(doc.Embedding) != dims {
			return fmt.Errorf("upsert %d: %w: got %d, index has %d", it.ID, ErrDimensionMismatch, len(doc.Embedding), dims)
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	s.dims.Store(int64(dims))
	return nil
}

func (c *ChromemIndex) Remove(ctx context.Context, agent string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	s, err := c.slot(ctx, agent)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = strconv.FormatInt(id, 10)
	}
	if err := s.col.Load().Delete(ctx, nil, nil, keys...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

func (c *ChromemIndex) Query(ctx context.Context, agent string, vec []float64, k int) ([]Hit, error) {
	s, err := c.slot(ctx, agent)
	if err != nil {
		return nil, err
	}
	unit := normalized(vec)
	if unit == nil || k <= 0 {
		return nil, nil
	}

	col := s.col.Load()
	if dims := int(s.dims.Load()); dims != 0 && col.Count() > 0 && dims != len(unit) {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(unit), dims)
	}

	// chromem rejects nResults larger than the collection, and a concurrent
	// Remove can shrink it between Count and the query; retry once.
	var results []chromem.Result
	for attempt := 0; ; attempt++ {
		n := col.Count()
		if n == 0 {
			return nil, nil
		}
		results, err = col.QueryEmbedding(ctx, toFloat32(unit), min(k, n), nil, nil)
		if err == nil {
			break
		}
		if attempt == 1 {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{ID: id, Similarity: float64(r.Similarity)})
	}
	return topK(hits, k), nil
}

// Rebuild reloads the agent's collection from the source under a new
// generation name. Queries keep using the old collection until the swap.
func (c *ChromemIndex) Rebuild(ctx context.Context, agent string) error {
	c.mu.Lock()
	s, ok := c.slots[agent]
	if !ok {
		s = &chromemSlot{}
		c.slots[agent] = s
	}
	c.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return c.load(ctx, agent, s)
}
