package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/lazypower/mnemo/internal/errors"
)

func TestSessionLifecycle(t *testing.T) {
	e, clk := testEngine(t, nil)
	ctx := context.Background()

	s, err := e.StartSession(ctx, "a", "", "planning")
	require.NoError(t, err)
	_, err = uuid.Parse(s.ID)
	assert.NoError(t, err, "empty id gets a uuid")
	assert.Equal(t, "planning", s.Title)
	assert.Nil(t, s.EndedAt)

	for _, in := range []SaveInput{
		{Content: "pick a database", Category: "decision", Importance: 4, SessionID: s.ID},
		{Content: "draft the schema", Category: "task", Importance: 2, SessionID: s.ID},
		{Content: "outside the session", Importance: 1},
	} {
		_, _, err := e.Save(ctx, "a", in)
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	sessions, err := e.ListSessions(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].MemoryCount)

	sum, err := e.SessionSummary(ctx, "a", s.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"decision": 1, "task": 1}, sum.Categories)
	assert.InDelta(t, 3.0, sum.AvgImportance, 1e-9)
	require.NotNil(t, sum.FirstAt)
	require.NotNil(t, sum.LastAt)
	assert.Equal(t, time.Minute.Milliseconds(), *sum.LastAt-*sum.FirstAt)

	require.NoError(t, e.EndSession(ctx, "a", s.ID))
	require.NoError(t, e.EndSession(ctx, "a", s.ID), "ending twice is a no-op")

	sessions, err = e.ListSessions(ctx, "a", 0)
	require.NoError(t, err)
	require.NotNil(t, sessions[0].EndedAt)
	ended := *sessions[0].EndedAt

	clk.Advance(time.Hour)
	require.NoError(t, e.EndSession(ctx, "a", s.ID))
	sessions, err = e.ListSessions(ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, ended, *sessions[0].EndedAt, "first end time is kept")
}

func TestStartSessionIsIdempotent(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	first, err := e.StartSession(ctx, "a", "sprint-12", "first title")
	require.NoError(t, err)
	again, err := e.StartSession(ctx, "a", "sprint-12", "other title")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	assert.Equal(t, "first title", again.Title)

	// same id under another agent is a different session
	other, err := e.StartSession(ctx, "b", "sprint-12", "")
	require.NoError(t, err)
	assert.Equal(t, "b", other.AgentID)

	list, err := e.ListSessions(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteSessionUnlinksMemories(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()
	s, err := e.StartSession(ctx, "a", "retro", "")
	require.NoError(t, err)
	res, _, err := e.Save(ctx, "a", SaveInput{Content: "keep doing demos", SessionID: s.ID})
	require.NoError(t, err)

	require.NoError(t, e.DeleteSession(ctx, "a", s.ID))

	r, err := e.Get(ctx, "a", res.ID)
	require.NoError(t, err, "memories survive their session")
	assert.Empty(t, r.SessionID)

	_, err = e.SessionSummary(ctx, "a", s.ID)
	assert.True(t, errs.IsNotFound(err))
	assert.True(t, errs.IsNotFound(e.DeleteSession(ctx, "a", s.ID)))
	assert.True(t, errs.IsNotFound(e.EndSession(ctx, "a", s.ID)))
}

func TestSessionValidation(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	_, err := e.StartSession(ctx, "a", strings.Repeat("s", 200), "")
	assert.True(t, errs.IsValidation(err))

	_, err = e.ListSessions(ctx, "a", MaxPageSize+1)
	assert.True(t, errs.IsValidation(err))

	_, err = e.StartSession(ctx, "", "x", "")
	assert.NoError(t, err, "empty agent falls back to the default agent")
	list, err := e.ListSessions(ctx, DefaultAgent, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSessionMemories(t *testing.T) {
	e, clk := testEngine(t, nil)
	ctx := context.Background()
	s, err := e.StartSession(ctx, "a", "standup", "")
	require.NoError(t, err)

	var ids []int64
	for _, c := range []string{"first note", "second note", "dropped note"} {
		res, _, err := e.Save(ctx, "a", SaveInput{Content: c, SessionID: s.ID})
		require.NoError(t, err)
		ids = append(ids, res.ID)
		clk.Advance(time.Minute)
	}
	save(t, e, "a", "not in the session", "general", 2)
	require.NoError(t, e.Archive(ctx, "a", ids[2]))

	recs, err := e.SessionMemories(ctx, "a", s.ID, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[0], recs[0].ID)
	assert.Equal(t, ids[1], recs[1].ID)

	empty, err := e.StartSession(ctx, "a", "quiet", "")
	require.NoError(t, err)
	recs, err = e.SessionMemories(ctx, "a", empty.ID, 0)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)

	_, err = e.SessionMemories(ctx, "b", s.ID, 0)
	assert.True(t, errs.IsNotFound(err), "sessions are per agent")
	_, err = e.SessionMemories(ctx, "a", s.ID, MaxPageSize+1)
	assert.True(t, errs.IsValidation(err))
}
