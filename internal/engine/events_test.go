package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/lazypower/mnemo/internal/errors"
	"github.com/lazypower/mnemo/internal/store"
)

func eventNames(events []store.Event) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[len(events)-1-i] = ev.Event
	}
	return names
}

func TestAuditLogRecordsLifecycle(t *testing.T) {
	e, clk := testEngine(t, nil)
	e.opts.Audit = true
	ctx := context.Background()

	step := func() { clk.Advance(time.Second) }
	id := save(t, e, "a", "Rotate the API keys monthly", "task", 3)
	step()
	content := "Rotate the API keys weekly"
	_, _, err := e.Update(ctx, "a", id, UpdateInput{Content: &content})
	require.NoError(t, err)
	step()
	require.NoError(t, e.Archive(ctx, "a", id))
	step()
	require.NoError(t, e.Restore(ctx, "a", id))
	step()
	_, err = e.RunDecayPass(ctx, "")
	require.NoError(t, err)
	step()
	require.NoError(t, e.Delete(ctx, "a", id))
	save(t, e, "b", "Someone else's note", "general", 2)

	events, err := e.AuditLog(ctx, "a", AuditQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{EventSaved, EventUpdated, EventArchived, EventRestored, EventDecayed, EventDeleted}, eventNames(events))

	decayed := events[1]
	assert.Equal(t, store.AllAgents, decayed.AgentID)
	assert.Nil(t, decayed.MemoryID)
	var res DecayResult
	require.NoError(t, json.Unmarshal(decayed.Data, &res))

	saved := events[len(events)-1]
	require.NotNil(t, saved.MemoryID)
	assert.Equal(t, id, *saved.MemoryID)

	only, err := e.AuditLog(ctx, "a", AuditQuery{Event: EventArchived})
	require.NoError(t, err)
	require.Len(t, only, 1)

	_, err = e.AuditLog(ctx, "a", AuditQuery{Event: "memory.exploded"})
	assert.True(t, errs.IsValidation(err))
}

func TestAuditLogCompressionAndPrune(t *testing.T) {
	e, clk := testEngine(t, NewHashEmbedder(256))
	e.opts.Audit = true
	ctx := context.Background()
	save(t, e, "a", "User prefers dark mode.", "preference", 4)
	save(t, e, "a", "user prefers dark mode!", "preference", 4)

	_, err := e.RunCompressionPass(ctx, "a")
	require.NoError(t, err)
	merged, err := e.AuditLog(ctx, "a", AuditQuery{Event: EventCompressed})
	require.NoError(t, err)
	require.Len(t, merged, 1)
	var data struct {
		Members []int64 `json:"members"`
	}
	require.NoError(t, json.Unmarshal(merged[0].Data, &data))
	assert.Len(t, data.Members, 2)

	clk.Advance(e.opts.AuditRetention + time.Hour)
	save(t, e, "a", "A fresh note after the retention window", "general", 2)
	n, err := e.PruneAudit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := e.AuditLog(ctx, "a", AuditQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{EventSaved}, eventNames(left))
}

func TestAuditOffByDefault(t *testing.T) {
	e, _ := testEngine(t, nil)
	save(t, e, "a", "Nothing is logged for this one", "general", 2)
	events, err := e.AuditLog(context.Background(), "a", AuditQuery{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
