package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/lazypower/mnemo/internal/errors"
	"github.com/lazypower/mnemo/internal/store"
	"github.com/lazypower/mnemo/internal/vindex"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeClock is a settable clock shared by the engine and the store.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testEngine(t *testing.T, emb Embedder) (*Engine, *fakeClock) {
	t.Helper()
	db := testDB(t)
	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := New(db, vindex.NewMemory(db), emb, NewLocks(), Options{Now: clk.Now})
	t.Cleanup(e.Stop)
	return e, clk
}

// mapEmbedder returns fixed vectors by text and fails on unknown text.
type mapEmbedder map[string][]float64

func (m mapEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	v, ok := m[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}
func (m mapEmbedder) Model() string   { return "map" }
func (m mapEmbedder) Dimensions() int { return 3 }

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float64, error) {
	return nil, errors.New("connection refused")
}
func (failingEmbedder) Model() string   { return "down" }
func (failingEmbedder) Dimensions() int { return 3 }

func save(t *testing.T, e *Engine, agent, content, category string, importance int) int64 {
	t.Helper()
	res, _, err := e.Save(context.Background(), agent, SaveInput{Content: content, Category: category, Importance: importance})
	require.NoError(t, err)
	return res.ID
}

func TestSaveAndGet(t *testing.T) {
	e, _ := testEngine(t, NewHashEmbedder(64))
	ctx := context.Background()

	res, degraded, err := e.Save(ctx, "", SaveInput{Content: "  API token: sk-test-123  "})
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Equal(t, 5, res.Importance)

	r, err := e.Get(ctx, DefaultAgent, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "API token: sk-test-123", r.Content)
	assert.Equal(t, "general", r.Category)
	assert.Equal(t, store.StatusActive, r.Status)
	assert.Equal(t, 1.0, r.DecayScore)
	assert.Equal(t, 0, r.AccessCount)

	r, err = e.Get(ctx, DefaultAgent, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r.AccessCount, "first get counts as a retrieval")

	v, err := e.DB.GetVector(ctx, DefaultAgent, res.ID)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "hash:64", v.Model)
}

func TestSaveKeepsExplicitImportance(t *testing.T) {
	e, _ := testEngine(t, nil)
	res, _, err := e.Save(context.Background(), "a", SaveInput{Content: "API token: sk-test-123", Importance: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Importance)

	res, _, err = e.Save(context.Background(), "a", SaveInput{Content: "Meeting at 3pm", Category: "general"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Importance)
}

func TestSaveValidation(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	bad := []SaveInput{
		{Content: "   "},
		{Content: "ok"},
		{Content: strings.Repeat("x", MaxContentChars+1)},
		{Content: "valid content", Category: "gossip"},
		{Content: "valid content", Importance: 6},
		{Content: "valid content", TTLHours: 9000},
		{Content: "valid content", SessionID: strings.Repeat("s", 129)},
	}
	for _, in := range bad {
		_, _, err := e.Save(ctx, "a", in)
		assert.True(t, errs.IsValidation(err), "%+v: %v", in, err)
	}
	_, _, err := e.Save(ctx, "bad agent!", SaveInput{Content: "valid content"})
	assert.True(t, errs.IsValidation(err))

	st, err := e.Stats(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Active, "rejected input writes nothing")
}

func TestSaveBatch(t *testing.T) {
	e, _ := testEngine(t, NewHashEmbedder(64))
	ctx := context.Background()

	res, err := e.SaveBatch(ctx, "a", []SaveInput{
		{Content: "first record"}, {Content: "second record"}, {Content: "third record"},
	})
	require.NoError(t, err)
	require.Len(t, res.Saved, 3)
	assert.Less(t, res.Saved[0].ID, res.Saved[1].ID)

	_, err = e.SaveBatch(ctx, "a", []SaveInput{{Content: "fine record"}, {Content: "x"}})
	assert.True(t, errs.IsValidation(err))

	tooMany := make([]SaveInput, MaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = SaveInput{Content: fmt.Sprintf("record %d", i)}
	}
	_, err = e.SaveBatch(ctx, "a", tooMany)
	assert.True(t, errs.IsValidation(err))

	st, err := e.Stats(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Active)
}

func TestSaveDegradesWhenEmbedderFails(t *testing.T) {
	e, _ := testEngine(t, failingEmbedder{})
	ctx := context.Background()

	res, degraded, err := e.Save(ctx, "a", SaveInput{Content: "textual only record"})
	require.NoError(t, err)
	assert.True(t, degraded)

	v, err := e.DB.GetVector(ctx, "a", res.ID)
	require.NoError(t, err)
	assert.Nil(t, v)

	page, err := e.Search(ctx, "a", SearchRequest{Query: "textual", Hybrid: true})
	require.NoError(t, err)
	assert.True(t, page.Degraded)
	require.Len(t, page.Results, 1)
	assert.Equal(t, res.ID, page.Results[0].ID)
}

func TestUpdate(t *testing.T) {
	emb := mapEmbedder{
		"original content": {1, 0, 0},
		"rewritten content": {0, 1, 0},
	}
	e, _ := testEngine(t, emb)
	ctx := context.Background()
	id := save(t, e, "a", "original content", "project", 3)

	content := "rewritten content"
	imp := 5
	r, degraded, err := e.Update(ctx, "a", id, UpdateInput{Content: &content, Importance: &imp})
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Equal(t, "rewritten content", r.Content)
	assert.Equal(t, 5, r.Importance)
	assert.Equal(t, "project", r.Category)

	hits, err := e.Index.Query(ctx, "a", []float64{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-9)

	_, _, err = e.Update(ctx, "a", id, UpdateInput{})
	assert.True(t, errs.IsValidation(err))

	bad := 0
	_, _, err = e.Update(ctx, "a", id, UpdateInput{Importance: &bad})
	assert.True(t, errs.IsValidation(err))

	_, _, err = e.Update(ctx, "b", id, UpdateInput{Importance: &imp})
	assert.True(t, errs.IsNotFound(err))

	require.NoError(t, e.Archive(ctx, "a", id))
	_, _, err = e.Update(ctx, "a", id, UpdateInput{Importance: &imp})
	assert.True(t, errs.IsNotFound(err), "archived records are not updatable")
}

func TestArchiveRestore(t *testing.T) {
	e, _ := testEngine(t, NewHashEmbedder(64))
	ctx := context.Background()
	id := save(t, e, "a", "archive me later please", "general", 3)

	require.NoError(t, e.Archive(ctx, "a", id))
	assert.True(t, errs.IsNotFound(e.Archive(ctx, "a", id)))

	page, err := e.Search(ctx, "a", SearchRequest{Query: "archive", Hybrid: true})
	require.NoError(t, err)
	assert.Empty(t, page.Results)

	archived, err := e.ListArchived(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.NotNil(t, archived[0].ArchivedAt)

	require.NoError(t, e.Restore(ctx, "a", id))
	assert.True(t, errs.IsNotFound(e.Restore(ctx, "a", id)))

	page, err = e.Search(ctx, "a", SearchRequest{Query: "archive", Hybrid: true})
	require.NoError(t, err)
	require.Len(t, page.Results, 1)

	vec, _ := e.Embedder.Embed(ctx, "archive me later please")
	hits, err := e.Index.Query(ctx, "a", vec, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1, "restore re-indexes the stored vector")
	assert.Equal(t, id, hits[0].ID)
}

func TestDelete(t *testing.T) {
	e, _ := testEngine(t, NewHashEmbedder(64))
	ctx := context.Background()
	a := save(t, e, "a", "first memory here", "general", 3)
	b := save(t, e, "a", "second memory here", "general", 3)
	_, err := e.AddTags(ctx, "a", a, []string{"x"})
	require.NoError(t, err)
	_, err = e.AddRelation(ctx, "a", a, b, "related")
	require.NoError(t, err)

	assert.True(t, errs.IsNotFound(e.Delete(ctx, "b", a)))
	require.NoError(t, e.Delete(ctx, "a", a))
	assert.True(t, errs.IsNotFound(e.Delete(ctx, "a", a)))

	_, err = e.Get(ctx, "a", a)
	assert.True(t, errs.IsNotFound(err))

	edges, err := e.ListRelations(ctx, "a", b)
	require.NoError(t, err)
	assert.Empty(t, edges)

	vec, _ := e.Embedder.Embed(ctx, "first memory here")
	hits, err := e.Index.Query(ctx, "a", vec, 5)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, a, h.ID)
	}
}

func TestAgentIsolation(t *testing.T) {
	e, _ := testEngine(t, NewHashEmbedder(64))
	ctx := context.Background()
	id := save(t, e, "alice", "alice private note about keys", "general", 3)
	other := save(t, e, "bob", "bob note about keys", "general", 3)

	page, err := e.Search(ctx, "bob", SearchRequest{Query: "alice", Hybrid: true})
	require.NoError(t, err)
	for _, r := range page.Results {
		assert.Equal(t, "bob", r.AgentID)
	}

	page, err = e.Search(ctx, "bob", SearchRequest{Query: "keys", Hybrid: true})
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	assert.Equal(t, other, page.Results[0].ID)

	_, err = e.Get(ctx, "bob", id)
	assert.True(t, errs.IsNotFound(err))
	_, err = e.AddTags(ctx, "bob", id, []string{"stolen"})
	assert.True(t, errs.IsNotFound(err))
	_, err = e.AddRelation(ctx, "bob", other, id, "links")
	assert.True(t, errs.IsNotFound(err))
	_, err = e.ListRelations(ctx, "bob", id)
	assert.True(t, errs.IsNotFound(err))
	assert.True(t, errs.IsNotFound(e.Delete(ctx, "bob", id)))

	tl, err := e.Timeline(ctx, "bob", TimelineRequest{})
	require.NoError(t, err)
	require.Len(t, tl.Results, 1)
	assert.Equal(t, other, tl.Results[0].ID)
}

func TestImportExport(t *testing.T) {
	e, _ := testEngine(t, NewHashEmbedder(64))
	ctx := context.Background()

	res, err := e.Import(ctx, "a", []store.Record{
		{Content: "imported decision record", Category: "decision", Importance: 9},
		{Content: "ab"},
		{Content: "odd category record", Category: "gossip"},
		{Content: strings.Repeat("y", MaxContentChars+50)},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Imported)
	assert.Equal(t, 1, res.Skipped)

	out, err := e.Export(ctx, "a")
	require.NoError(t, err)
	require.Len(t, out, 3)
	byCat := map[string]store.Record{}
	for _, r := range out {
		byCat[r.Category] = r
		assert.LessOrEqual(t, len([]rune(r.Content)), MaxContentChars)
	}
	assert.Equal(t, 5, byCat["decision"].Importance)
	assert.Contains(t, byCat, "general")

	_, err = e.Import(ctx, "a", make([]store.Record, MaxImportSize+1))
	assert.True(t, errs.IsValidation(err))
}

func TestStatsAndAgents(t *testing.T) {
	e, _ := testEngine(t, NewHashEmbedder(64))
	ctx := context.Background()
	a := save(t, e, "a", "first stats record", "project", 3)
	save(t, e, "a", "second stats record", "task", 2)
	save(t, e, "b", "other agent record", "general", 1)
	require.NoError(t, e.Archive(ctx, "a", a))
	_, err := e.AddTags(ctx, "a", a, []string{"infra"})
	require.NoError(t, err)

	st, err := e.Stats(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Archived)
	assert.Equal(t, vindex.StrategyMemory, st.IndexStrategy)
	assert.Equal(t, 1, st.Importance["2"])

	agents, err := e.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].AgentID)
	assert.Equal(t, 1, agents[0].Active)
}

func TestRebuildIndexEmbedsMissing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	plain := New(db, vindex.NewMemory(db), nil, nil, Options{})
	id := save(t, plain, "a", "saved before any embedder", "general", 3)

	e := New(db, vindex.NewMemory(db), NewHashEmbedder(64), nil, Options{})
	n, err := e.RebuildIndex(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	vec, _ := e.Embedder.Embed(ctx, "saved before any embedder")
	hits, err := e.Index.Query(ctx, "a", vec, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].ID)

	n, err = e.RebuildIndex(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMaintenanceLoopStops(t *testing.T) {
	e, _ := testEngine(t, nil)
	e.opts.AutoTune = true
	e.opts.AutoCompress = true
	save(t, e, "a", "maintenance target", "general", 3)

	e.StartMaintenance()
	done := make(chan struct{})
	go func() {
		e.Stop()
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
