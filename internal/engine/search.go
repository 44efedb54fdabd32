package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	errs "github.com/lazypower/mnemo/internal/errors"
	"github.com/lazypower/mnemo/internal/store"
)

// SearchRequest is a ranked search over one agent's live records.
type SearchRequest struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
	Hybrid   bool   `json:"hybrid,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Cursor   string `json:"cursor,omitempty"`

	// Offset is the legacy pagination. It is ignored when Cursor is set
	// and can skip or repeat records under concurrent writes.
	Offset int `json:"offset,omitempty"`
}

// Result is a ranked record.
type Result struct {
	store.Record
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
}

// Page is one page of results.
type Page struct {
	Results    []Result `json:"results"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
	Total      int      `json:"total"`
	Degraded   bool     `json:"degraded"`
}

// Search ranks the agent's live records against a query. Text matches come
// from the FTS index; in hybrid mode the vector index adds semantic
// neighbours. Each candidate scores similarity × decay × importance/5.
// Returned records count as retrieved.
func (e *Engine) Search(ctx context.Context, agent string, req SearchRequest) (*Page, error) {
	const op = "search"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errs.Validation(op, "query must not be empty")
	}
	category := ""
	if req.Category != "" {
		if category, err = validCategory(op, req.Category); err != nil {
			return nil, err
		}
	}
	size, err := pageSize(op, req.PageSize, e.opts.DefaultPageSize)
	if err != nil {
		return nil, err
	}
	cur, err := decodeCursor(op, req.Cursor)
	if err != nil {
		return nil, err
	}
	if req.Offset < 0 {
		return nil, errs.Validation(op, "offset must not be negative")
	}

	text, err := e.DB.SearchText(ctx, store.TextQuery{
		Agent: agent, Query: query, Category: category, MinDecay: ForgetThreshold,
	})
	if err != nil {
		return nil, errs.Storage(op, err)
	}

	seen := make(map[int64]bool, len(text))
	results := make([]Result, 0, len(text))
	for _, r := range text {
		seen[r.ID] = true
		results = append(results, rank(r, 1.0))
	}

	degraded := false
	if req.Hybrid && query != "*" {
		semantic, ok := e.semantic(ctx, op, agent, query, category, seen)
		degraded = !ok
		results = append(results, semantic...)
	}

	sort.Slice(results, func(i, j int) bool {
		return scoreOrder(results[i].Score, results[i].ID, results[j].Score, results[j].ID)
	})

	start := 0
	if cur != nil {
		start = sort.Search(len(results), func(i int) bool {
			return scoreOrder(cur.Key, cur.ID, results[i].Score, results[i].ID)
		})
	} else if req.Offset > 0 {
		start = min(req.Offset, len(results))
	}
	page := paginate(results, start, size, func(r Result) string {
		return encodeCursor(r.Score, r.ID)
	})
	page.Degraded = degraded

	if err := e.reinforce(ctx, op, agent, resultIDs(page.Results)); err != nil {
		return nil, err
	}
	return page, nil
}

// semantic returns the live vector neighbours of query that are not in
// skip. ok is false when the provider or the index could not answer.
func (e *Engine) semantic(ctx context.Context, op, agent, query, category string, skip map[int64]bool) ([]Result, bool) {
	if e.Embedder == nil || e.Index == nil {
		return nil, false
	}
	vecs, err := e.embed(ctx, op, []string{query})
	if err != nil {
		log.Warn("search degraded to textual", "agent", agent, "error", err)
		return nil, false
	}
	hits, err := e.Index.Query(ctx, agent, vecs[0], e.opts.SemanticK)
	if err != nil {
		log.Warn("search degraded to textual", "agent", agent, "error", err)
		return nil, false
	}

	sims := make(map[int64]float64, len(hits))
	var ids []int64
	for _, h := range hits {
		if h.Similarity < e.opts.MinSimilarity || skip[h.ID] {
			continue
		}
		sims[h.ID] = h.Similarity
		ids = append(ids, h.ID)
	}
	if len(ids) == 0 {
		return nil, true
	}

	// the index can lag the store; only live records survive
	records, err := e.DB.LiveRecordsByIDs(ctx, agent, ids, category, ForgetThreshold)
	if err != nil {
		log.Warn("search degraded to textual", "agent", agent, "error", err)
		return nil, false
	}
	out := make([]Result, 0, len(records))
	for _, r := range records {
		out = append(out, rank(r, sims[r.ID]))
	}
	return out, true
}

func rank(r store.Record, similarity float64) Result {
	return Result{
		Record:     r,
		Similarity: similarity,
		Score:      similarity * r.DecayScore * float64(r.Importance) / 5,
	}
}

// scoreOrder reports whether (s1, id1) sorts before (s2, id2): higher score
// first, lower id on ties.
func scoreOrder(s1 float64, id1 int64, s2 float64, id2 int64) bool {
	if s1 != s2 {
		return s1 > s2
	}
	return id1 < id2
}

// timeOrder is chronological: older first, lower id on ties.
func timeOrder(t1, id1, t2, id2 int64) bool {
	if t1 != t2 {
		return t1 < t2
	}
	return id1 < id2
}

func paginate(results []Result, start, size int, cursorOf func(Result) string) *Page {
	end := min(start+size, len(results))
	page := &Page{Results: []Result{}, Total: len(results)}
	if start < end {
		page.Results = results[start:end]
	}
	if end < len(results) {
		page.HasMore = true
		page.NextCursor = cursorOf(results[end-1])
	}
	return page
}

func resultIDs(results []Result) []int64 {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}

// TimelineRequest pages through an agent's records in creation order.
type TimelineRequest struct {
	Subject  string `json:"subject"` // empty lists everything
	Hybrid   bool   `json:"hybrid,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
}

// Timeline returns the live records matching a subject, oldest first. In
// hybrid mode the subject's semantic neighbours join the text matches.
func (e *Engine) Timeline(ctx context.Context, agent string, req TimelineRequest) (*Page, error) {
	const op = "timeline"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	size, err := pageSize(op, req.PageSize, e.opts.DefaultPageSize)
	if err != nil {
		return nil, err
	}
	cur, err := decodeCursor(op, req.Cursor)
	if err != nil {
		return nil, err
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = "*"
	}

	records, err := e.DB.SearchText(ctx, store.TextQuery{
		Agent: agent, Query: subject, MinDecay: ForgetThreshold,
	})
	if err != nil {
		return nil, errs.Storage(op, err)
	}

	seen := make(map[int64]bool, len(records))
	results := make([]Result, len(records))
	for i, r := range records {
		seen[r.ID] = true
		results[i] = rank(r, 1.0)
	}

	degraded := false
	if req.Hybrid && subject != "*" {
		semantic, ok := e.semantic(ctx, op, agent, subject, "", seen)
		degraded = !ok
		results = append(results, semantic...)
	}

	sort.Slice(results, func(i, j int) bool {
		return timeOrder(results[i].CreatedAt, results[i].ID, results[j].CreatedAt, results[j].ID)
	})

	start := 0
	if cur != nil {
		at := int64(cur.Key)
		start = sort.Search(len(results), func(i int) bool {
			return timeOrder(at, cur.ID, results[i].CreatedAt, results[i].ID)
		})
	}
	page := paginate(results, start, size, func(r Result) string {
		return encodeCursor(float64(r.CreatedAt), r.ID)
	})
	page.Degraded = degraded

	if err := e.reinforce(ctx, op, agent, resultIDs(page.Results)); err != nil {
		return nil, err
	}
	return page, nil
}
