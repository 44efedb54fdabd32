package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/lazypower/mnemo/internal/errors"
)

func decayOf(t *testing.T, e *Engine, agent string, id int64) float64 {
	t.Helper()
	r, err := e.DB.GetRecord(context.Background(), agent, id)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r.DecayScore
}

func TestDecayPassFollowsHalfLife(t *testing.T) {
	e, clk := testEngine(t, nil)
	ctx := context.Background()
	weak := save(t, e, "a", "weak memory", "general", 1)
	strong := save(t, e, "a", "strong memory", "general", 5)

	clk.Advance(7 * day)
	res, err := e.RunDecayPass(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 0, res.Failed)
	assert.InDelta(t, 0.5, decayOf(t, e, "a", weak), 1e-6)
	assert.InDelta(t, math.Exp(-7*math.Ln2/365), decayOf(t, e, "a", strong), 1e-6)

	prev := decayOf(t, e, "a", weak)
	for i := 0; i < 5; i++ {
		clk.Advance(3 * day)
		_, err := e.RunDecayPass(ctx, "a")
		require.NoError(t, err)
		cur := decayOf(t, e, "a", weak)
		assert.LessOrEqual(t, cur, prev, "decay never increases without access")
		prev = cur
	}
}

func TestDecayPassMeasuresFromLastAccess(t *testing.T) {
	e, clk := testEngine(t, nil)
	ctx := context.Background()
	id := save(t, e, "a", "touched memory", "general", 1)

	clk.Advance(30 * day)
	_, err := e.Get(ctx, "a", id)
	require.NoError(t, err)

	clk.Advance(7 * day)
	_, err = e.RunDecayPass(ctx, "a")
	require.NoError(t, err)

	// one retrieval: boost 1.15, measured from the access, not creation
	want := math.Exp(-7 * math.Ln2 / (7 * 1.15))
	assert.InDelta(t, want, decayOf(t, e, "a", id), 1e-6)
}

func TestForgottenRecordsAreHidden(t *testing.T) {
	e, clk := testEngine(t, nil)
	ctx := context.Background()
	old := save(t, e, "a", "forgettable alpha", "general", 1)
	fresh := save(t, e, "a", "durable alpha", "general", 5)
	_, err := e.AddTags(ctx, "a", old, []string{"t"})
	require.NoError(t, err)
	_, err = e.AddTags(ctx, "a", fresh, []string{"t"})
	require.NoError(t, err)

	clk.Advance(40 * day)
	_, err = e.RunDecayPass(ctx, "a")
	require.NoError(t, err)
	require.Less(t, decayOf(t, e, "a", old), ForgetThreshold)

	page, err := e.Search(ctx, "a", SearchRequest{Query: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, []int64{fresh}, resultIDs(page.Results))

	tl, err := e.Timeline(ctx, "a", TimelineRequest{})
	require.NoError(t, err)
	assert.Equal(t, []int64{fresh}, resultIDs(tl.Results))

	tagged, err := e.SearchByTag(ctx, "a", "t", 0)
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, fresh, tagged[0].ID)

	r, err := e.Get(ctx, "a", old)
	require.NoError(t, err, "forgotten is not deleted")
	assert.Equal(t, old, r.ID)
}

func TestCleanupExpired(t *testing.T) {
	e, clk := testEngine(t, NewHashEmbedder(64))
	ctx := context.Background()
	res, _, err := e.Save(ctx, "a", SaveInput{Content: "short lived alpha", TTLHours: 1})
	require.NoError(t, err)
	keep := save(t, e, "a", "long lived alpha", "general", 3)

	clk.Advance(2 * time.Hour)

	page, err := e.Search(ctx, "a", SearchRequest{Query: "alpha", Hybrid: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{keep}, resultIDs(page.Results), "expired records are hidden before cleanup")

	cleaned, err := e.CleanupExpired(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned.Removed)

	_, err = e.Get(ctx, "a", res.ID)
	assert.True(t, errs.IsNotFound(err))

	vec, _ := e.Embedder.Embed(ctx, "short lived alpha")
	hits, err := e.Index.Query(ctx, "a", vec, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, res.ID, h.ID)
	}
}

func TestDecayPassRunsCleanupFirst(t *testing.T) {
	e, clk := testEngine(t, nil)
	ctx := context.Background()
	_, _, err := e.Save(ctx, "a", SaveInput{Content: "expiring record", TTLHours: 1})
	require.NoError(t, err)

	clk.Advance(day)
	res, err := e.RunDecayPass(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Updated)
}

func TestAutoTune(t *testing.T) {
	e, clk := testEngine(t, nil)
	ctx := context.Background()
	popular := save(t, e, "a", "popular memory", "general", 3)
	stale := save(t, e, "a", "stale memory", "general", 3)
	floor := save(t, e, "a", "already minimal", "general", 1)

	for i := 0; i < boostAccessThreshold; i++ {
		_, err := e.Get(ctx, "a", popular)
		require.NoError(t, err)
	}
	clk.Advance(31 * day)

	res, err := e.RunAutoTune(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Boosted)
	assert.Equal(t, 1, res.Reduced)

	importance := func(id int64) int {
		r, err := e.DB.GetRecord(ctx, "a", id)
		require.NoError(t, err)
		return r.Importance
	}
	assert.Equal(t, 4, importance(popular))
	assert.Equal(t, 2, importance(stale))
	assert.Equal(t, 1, importance(floor))
}

func TestMaintenanceLocksConflict(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	for kind, run := range map[string]func() error{
		OpDecay:       func() error { _, err := e.RunDecayPass(ctx, ""); return err },
		OpCompression: func() error { _, err := e.RunCompressionPass(ctx, "a"); return err },
		OpCleanup:     func() error { _, err := e.CleanupExpired(ctx, ""); return err },
		OpAutoTune:    func() error { _, err := e.RunAutoTune(ctx, ""); return err },
	} {
		release, ok := e.Locks.TryLock(kind)
		require.True(t, ok, kind)
		assert.True(t, errs.IsConflict(run()), kind)
		release()
		assert.NoError(t, run(), kind)
		assert.False(t, e.Locks.Held(kind), kind)
	}
}

func TestLocksAreIndependentPerEngine(t *testing.T) {
	a, _ := testEngine(t, nil)
	b, _ := testEngine(t, nil)

	release, ok := a.Locks.TryLock(OpDecay)
	require.True(t, ok)
	defer release()

	_, err := b.RunDecayPass(context.Background(), "")
	assert.NoError(t, err)
}
