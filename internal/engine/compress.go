package engine

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/charmbracelet/log"

	errs "github.com/lazypower/mnemo/internal/errors"
	"github.com/lazypower/mnemo/internal/store"
	"github.com/lazypower/mnemo/internal/vindex"
)

// CompressionResult reports a compression pass.
type CompressionResult struct {
	ClustersFound int `json:"clusters_found"`
	MergedCount   int `json:"merged_count"`
	NewRecords    int `json:"new_records"`
	Failed        int `json:"failed"`

	// CentroidFallbacks counts representatives whose embedding could not be
	// regenerated and was averaged from the members instead.
	CentroidFallbacks int `json:"centroid_fallbacks"`
}

// unionFind is a disjoint-set forest with path compression and union by size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	root := x
	for uf.parent[root] != root {
		root = uf.parent[root]
	}
	for uf.parent[x] != root {
		uf.parent[x], x = root, uf.parent[x]
	}
	return root
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.size[ra] < uf.size[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
}

// groups returns the sets with at least two members, each in index order,
// ordered by their smallest index.
func (uf *unionFind) groups() [][]int {
	byRoot := make(map[int][]int)
	var roots []int
	for i := range uf.parent {
		r := uf.find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], i)
	}
	var out [][]int
	for _, r := range roots {
		if len(byRoot[r]) > 1 {
			out = append(out, byRoot[r])
		}
	}
	return out
}

// clusterCandidates unions every pair of candidates whose cosine similarity
// reaches threshold. Rows are processed chunk by chunk; each row is compared
// against every later row.
func clusterCandidates(ctx context.Context, cands []store.Candidate, threshold float64, chunk int) ([][]int, error) {
	n := len(cands)
	units := make([][]float64, n)
	for i, c := range cands {
		units[i] = unitCopy(c.Embedding)
	}

	uf := newUnionFind(n)
	for start := 0; start < n; start += chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+chunk, n)
		for i := start; i < end; i++ {
			if units[i] == nil {
				continue
			}
			for j := i + 1; j < n; j++ {
				if units[j] == nil || len(units[j]) != len(units[i]) {
					continue
				}
				if dot(units[i], units[j]) >= threshold {
					uf.union(i, j)
				}
			}
		}
	}
	return uf.groups(), nil
}

func unitCopy(vec []float64) []float64 {
	if len(vec) == 0 {
		return nil
	}
	out := append([]float64(nil), vec...)
	normalize(out)
	for _, v := range out {
		if v != 0 {
			return out
		}
	}
	return nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// RunCompressionPass merges clusters of near-duplicate records of the agent
// into single representative records. A representative's vector is new and
// can reach the threshold with a record none of its members did, so the
// candidates are reloaded and clustered again until a round merges nothing.
func (e *Engine) RunCompressionPass(ctx context.Context, agent string) (*CompressionResult, error) {
	const op = "compress"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	release, ok := e.Locks.TryLock(OpCompression)
	if !ok {
		return nil, errs.Conflict(op)
	}
	defer release()

	res := &CompressionResult{}
	for {
		merged, err := e.compressRound(ctx, op, agent, res)
		if err != nil {
			return nil, err
		}
		if merged == 0 {
			break
		}
	}

	log.Info("compression pass", "agent", agent, "clusters", res.ClustersFound,
		"merged", res.MergedCount, "failed", res.Failed)
	return res, nil
}

// compressRound clusters the current candidates once and merges each
// cluster, adding to res. It returns the number of clusters merged. Every
// merge removes at least one live record, so rounds terminate.
func (e *Engine) compressRound(ctx context.Context, op, agent string, res *CompressionResult) (int, error) {
	cands, err := e.DB.CompressionCandidates(ctx, agent, e.opts.CompressionMaxDepth)
	if err != nil {
		return 0, errs.Storage(op, err)
	}
	if len(cands) < 2 {
		return 0, nil
	}

	clusters, err := clusterCandidates(ctx, cands, e.opts.CompressionThreshold, e.opts.CompressionChunk)
	if err != nil {
		return 0, errs.Storage(op, err)
	}
	res.ClustersFound += len(clusters)

	merged := 0
	for _, idx := range clusters {
		members := make([]store.Candidate, len(idx))
		ids := make([]int64, len(idx))
		for i, k := range idx {
			members[i] = cands[k]
			ids[i] = cands[k].Record.ID
		}

		rep := representative(agent, members)
		vec, fallback := e.representativeVector(ctx, op, rep.Content, members)
		ins := store.Insert{Record: rep, Embedding: vec, Model: e.model()}

		if err := e.DB.MergeCluster(ctx, agent, ins, ids); err != nil {
			if errors.Is(err, store.ErrClusterChanged) {
				log.Info("compression: cluster changed, skipping", "agent", agent, "members", ids)
			} else {
				log.Warn("compression: merge failed", "agent", agent, "members", ids, "error", err)
			}
			res.Failed++
			continue
		}
		if fallback {
			res.CentroidFallbacks++
		}

		e.indexRemove(ctx, agent, ids...)
		if len(vec) > 0 {
			e.indexUpsert(ctx, agent, []vindex.Item{{ID: rep.ID, Vector: vec}})
		}
		e.emit(ctx, EventCompressed, agent, rep.ID, map[string]any{"members": ids})
		res.MergedCount += len(ids)
		res.NewRecords++
		merged++
	}
	return merged, nil
}

// representativeVector embeds content, falling back to the normalized
// centroid of the members' vectors when the provider fails.
func (e *Engine) representativeVector(ctx context.Context, op, content string, members []store.Candidate) ([]float64, bool) {
	vecs, err := e.embed(ctx, op, []string{content})
	if err == nil && vecs != nil {
		return vecs[0], false
	}
	if err != nil {
		log.Warn("compression: embedding failed, using centroid", "error", err)
	}
	return centroid(members), true
}

func centroid(members []store.Candidate) []float64 {
	var sum []float64
	for _, m := range members {
		if len(m.Embedding) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(m.Embedding))
		}
		if len(m.Embedding) != len(sum) {
			continue
		}
		for i, v := range m.Embedding {
			sum[i] += v
		}
	}
	if sum != nil {
		normalize(sum)
	}
	return sum
}

// representative builds the record that replaces a cluster: the members'
// distinct sentences in order, the most common category (earliest wins a
// tie), the highest importance and the first member's session. It expires
// only if every member does, at the latest expiry.
func representative(agent string, members []store.Candidate) *store.Record {
	var sentences []string
	seen := make(map[string]bool)
	counts := make(map[string]int)
	var categoryOrder []string
	importance := 1
	var expires *int64
	neverExpires := false

	for _, m := range members {
		r := m.Record
		for _, s := range splitSentences(r.Content) {
			key := strings.Join(words(s), " ")
			if key == "" {
				key = s
			}
			if !seen[key] {
				seen[key] = true
				sentences = append(sentences, s)
			}
		}
		if counts[r.Category] == 0 {
			categoryOrder = append(categoryOrder, r.Category)
		}
		counts[r.Category]++
		importance = max(importance, r.Importance)
		switch {
		case r.ExpiresAt == nil:
			neverExpires = true
		case expires == nil || *r.ExpiresAt > *expires:
			v := *r.ExpiresAt
			expires = &v
		}
	}

	category := categoryOrder[0]
	for _, c := range categoryOrder[1:] {
		if counts[c] > counts[category] {
			category = c
		}
	}
	if neverExpires {
		expires = nil
	}

	return &store.Record{
		AgentID:    agent,
		Content:    truncateChars(strings.Join(sentences, " "), MaxContentChars),
		Category:   category,
		Importance: importance,
		SessionID:  members[0].Record.SessionID,
		ExpiresAt:  expires,
	}
}

// splitSentences cuts text after '.', '!' or '?' when whitespace follows.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if (r == '.' || r == '!' || r == '?') && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}
