package vindex

import (
	"context"
	"fmt"
	"sync"
)

// scanBatch is the number of matrix rows scored per inner loop.
const scanBatch = 256

// partition is one agent's vectors, unit-normalized and packed row-major.
type partition struct {
	ids    []int64
	pos    map[int64]int
	dims   int
	matrix []float64
}

func newPartition(items []Item) (*partition, error) {
	p := &partition{pos: make(map[int64]int, len(items))}
	for _, it := range items {
		if err := p.upsert(it.ID, it.Vector); err != nil {
			return nil, fmt.Errorf("memory %d: %w", it.ID, err)
		}
	}
	return p, nil
}

func (p *partition) upsert(id int64, vec []float64) error {
	unit := normalized(vec)
	if unit == nil {
		return nil
	}
	if len(p.ids) == 0 {
		p.dims = len(unit)
	}
	if len(unit) != p.dims {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(unit), p.dims)
	}
	if i, ok := p.pos[id]; ok {
		copy(p.matrix[i*p.dims:(i+1)*p.dims], unit)
		return nil
	}
	p.pos[id] = len(p.ids)
	p.ids = append(p.ids, id)
	p.matrix = append(p.matrix, unit...)
	return nil
}

// remove swaps the last row into the removed slot.
func (p *partition) remove(id int64) {
	i, ok := p.pos[id]
	if !ok {
		return
	}
	last := len(p.ids) - 1
	if i != last {
		p.ids[i] = p.ids[last]
		p.pos[p.ids[i]] = i
		copy(p.matrix[i*p.dims:(i+1)*p.dims], p.matrix[last*p.dims:(last+1)*p.dims])
	}
	p.ids = p.ids[:last]
	p.matrix = p.matrix[:last*p.dims]
	delete(p.pos, id)
}

// scores computes the dot product of query against every row, a batch of
// rows at a time.
func (p *partition) scores(query []float64) []Hit {
	n := len(p.ids)
	hits := make([]Hit, n)
	d := p.dims
	for start := 0; start < n; start += scanBatch {
		end := start + scanBatch
		if end > n {
			end = n
		}
		block := p.matrix[start*d : end*d]
		for r := 0; r < end-start; r++ {
			row := block[r*d : (r+1)*d]
			var dot float64
			for j, q := range query {
				dot += row[j] * q
			}
			hits[start+r] = Hit{ID: p.ids[start+r], Similarity: dot}
		}
	}
	return hits
}

// agentSlot guards one agent's partition. writeMu serializes writers and
// rebuilds; mu is held for reading by queries and for writing only while a
// mutation or swap is applied.
type agentSlot struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	part    *partition
}

// MemoryIndex is the fallback strategy: a linear scan over an in-memory
// matrix per agent.
type MemoryIndex struct {
	src   Source
	mu    sync.Mutex
	slots map[string]*agentSlot
}

// NewMemory creates an empty in-memory index backed by src.
func NewMemory(src Source) *MemoryIndex {
	return &MemoryIndex{src: src, slots: make(map[string]*agentSlot)}
}

func (m *MemoryIndex) Strategy() string { return StrategyMemory }

// slot returns the agent's slot, loading it from the source on first use.
func (m *MemoryIndex) slot(ctx context.Context, agent string) (*agentSlot, error) {
	m.mu.Lock()
	s, ok := m.slots[agent]
	if !ok {
		s = &agentSlot{}
		m.slots[agent] = s
	}
	m.mu.Unlock()

	s.mu.RLock()
	loaded := s.part != nil
	s.mu.RUnlock()
	if loaded {
		return s, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.part == nil {
		if err := m.load(ctx, agent, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// load builds a fresh partition outside the read lock and swaps it in.
// Caller holds s.writeMu.
func (m *MemoryIndex) load(ctx context.Context, agent string, s *agentSlot) error {
	vectors, err := m.src.LiveVectors(ctx, agent)
	if err != nil {
		return fmt.Errorf("load vectors for %s: %w", agent, err)
	}
	part, err := newPartition(itemsFrom(vectors))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.part = part
	s.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Upsert(ctx context.Context, agent string, id int64, vec []float64) error {
	return m.UpsertBatch(ctx, agent, []Item{{ID: id, Vector: vec}})
}

func (m *MemoryIndex) UpsertBatch(ctx context.Context, agent string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	s, err := m.slot(ctx, agent)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if err := s.part.upsert(it.ID, it.Vector); err != nil {
			return fmt.Errorf("upsert %d: %w", it.ID, err)
		}
	}
	return nil
}

func (m *MemoryIndex) Remove(ctx context.Context, agent string, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	s, err := m.slot(ctx, agent)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.part.remove(id)
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, agent string, vec []float64, k int) ([]Hit, error) {
	s, err := m.slot(ctx, agent)
	if err != nil {
		return nil, err
	}
	query := normalized(vec)
	if query == nil || k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.part.ids) == 0 {
		return nil, nil
	}
	if len(query) != s.part.dims {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), s.part.dims)
	}
	return topK(s.part.scores(query), k), nil
}

// Rebuild reloads the agent's partition from the source. Queries keep
// reading the previous partition until the new one is swapped in.
func (m *MemoryIndex) Rebuild(ctx context.Context, agent string) error {
	m.mu.Lock()
	s, ok := m.slots[agent]
	if !ok {
		s = &agentSlot{}
		m.slots[agent] = s
	}
	m.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return m.load(ctx, agent, s)
}
