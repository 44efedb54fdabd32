package engine

import (
	"context"
	"sort"

	errs "github.com/lazypower/mnemo/internal/errors"
	"github.com/lazypower/mnemo/internal/store"
)

// Edge directions relative to the record being listed.
const (
	Outgoing = "outgoing"
	Incoming = "incoming"
)

// Edge is a relation seen from one of its endpoints.
type Edge struct {
	store.Relation
	Direction string `json:"direction"`
	OtherID   int64  `json:"other_id"`
}

// Reached is a record found by Traverse at its shortest distance.
type Reached struct {
	store.Record
	Depth int `json:"depth"`
}

// AddRelation links source to target with a label. Both must be unmerged
// records of the agent. Adding an existing edge is a no-op; created
// reports whether a new edge was written.
func (e *Engine) AddRelation(ctx context.Context, agent string, source, target int64, label string) (bool, error) {
	const op = "add_relation"
	agent, err := validAgent(op, agent)
	if err != nil {
		return false, err
	}
	if source == target {
		return false, errs.Validation(op, "a memory cannot relate to itself")
	}
	label, err = validLabel(op, "relation", label)
	if err != nil {
		return false, err
	}
	created, found, err := e.DB.AddRelation(ctx, agent, source, target, label)
	if err != nil {
		return false, errs.Storage(op, err)
	}
	if !found {
		return false, errs.New(errs.CodeNotFound, op, "source or target memory not found")
	}
	return created, nil
}

// RemoveRelation deletes one edge.
func (e *Engine) RemoveRelation(ctx context.Context, agent string, source, target int64, label string) error {
	const op = "remove_relation"
	agent, err := validAgent(op, agent)
	if err != nil {
		return err
	}
	label, err = validLabel(op, "relation", label)
	if err != nil {
		return err
	}
	ok, err := e.DB.RemoveRelation(ctx, agent, source, target, label)
	if err != nil {
		return errs.Storage(op, err)
	}
	if !ok {
		return errs.New(errs.CodeNotFound, op, "relation not found")
	}
	return nil
}

// ListRelations returns every edge touching id, in both directions.
func (e *Engine) ListRelations(ctx context.Context, agent string, id int64) ([]Edge, error) {
	const op = "list_relations"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	rels, found, err := e.DB.ListRelations(ctx, agent, id)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	if !found {
		return nil, errs.NotFound(op, id)
	}
	edges := make([]Edge, len(rels))
	for i, r := range rels {
		if r.SourceID == id {
			edges[i] = Edge{Relation: r, Direction: Outgoing, OtherID: r.TargetID}
		} else {
			edges[i] = Edge{Relation: r, Direction: Incoming, OtherID: r.SourceID}
		}
	}
	return edges, nil
}

// Traverse walks the relation graph breadth-first from start, up to depth
// hops (clamped to 0..10). Without a label edges are followed both ways;
// with one only from source to target. Only active records of the agent
// are reached, each at its shortest depth. start itself is not returned.
func (e *Engine) Traverse(ctx context.Context, agent string, start int64, depth int, label string) ([]Reached, error) {
	const op = "traverse"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	if label != "" {
		if label, err = validLabel(op, "relation", label); err != nil {
			return nil, err
		}
	}
	depth = max(0, min(depth, maxTraverseDepth))

	root, err := e.DB.GetRecord(ctx, agent, start)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	if root == nil || root.Status == store.StatusMerged {
		return nil, errs.NotFound(op, start)
	}

	dist := map[int64]int{start: 0}
	frontier := []int64{start}
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		rels, err := e.DB.Neighbors(ctx, agent, frontier, label)
		if err != nil {
			return nil, errs.Storage(op, err)
		}
		inFrontier := make(map[int64]bool, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = true
		}

		var next []int64
		visit := func(id int64) {
			if _, ok := dist[id]; !ok {
				dist[id] = d
				next = append(next, id)
			}
		}
		for _, r := range rels {
			if inFrontier[r.SourceID] {
				visit(r.TargetID)
			}
			if label == "" && inFrontier[r.TargetID] {
				visit(r.SourceID)
			}
		}
		frontier = next
	}

	delete(dist, start)
	if len(dist) == 0 {
		return []Reached{}, nil
	}
	ids := make([]int64, 0, len(dist))
	for id := range dist {
		ids = append(ids, id)
	}
	records, err := e.DB.GetRecordsByIDs(ctx, agent, ids)
	if err != nil {
		return nil, errs.Storage(op, err)
	}

	out := make([]Reached, 0, len(records))
	for _, r := range records {
		if r.Status != store.StatusActive {
			continue
		}
		out = append(out, Reached{Record: r, Depth: dist[r.ID]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
