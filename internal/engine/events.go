package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"

	errs "github.com/lazypower/mnemo/internal/errors"
	"github.com/lazypower/mnemo/internal/store"
)

// Lifecycle events written to the audit log.
const (
	EventSaved      = "memory.saved"
	EventUpdated    = "memory.updated"
	EventDeleted    = "memory.deleted"
	EventArchived   = "memory.archived"
	EventRestored   = "memory.restored"
	EventCompressed = "memory.compressed"
	EventDecayed    = "memory.decayed"
	EventAutoTuned  = "memory.auto_tuned"
)

var knownEvents = map[string]bool{
	EventSaved: true, EventUpdated: true, EventDeleted: true, EventArchived: true,
	EventRestored: true, EventCompressed: true, EventDecayed: true, EventAutoTuned: true,
}

// emit records a lifecycle event when the audit log is on. The write that
// triggered it has already committed, so a failure here is only logged.
// An empty agent marks a pass over every agent.
func (e *Engine) emit(ctx context.Context, event, agent string, id int64, data any) {
	if !e.opts.Audit {
		return
	}
	ev := &store.Event{Event: event, AgentID: agent}
	if agent == "" {
		ev.AgentID = store.AllAgents
	}
	if id != 0 {
		ev.MemoryID = &id
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			log.Warn("audit: encode event data", "event", event, "error", err)
		} else {
			ev.Data = raw
		}
	}
	if err := e.DB.InsertEvent(ctx, ev); err != nil {
		log.Warn("audit: write failed", "event", event, "agent", agent, "error", err)
	}
}

// AuditQuery filters AuditLog.
type AuditQuery struct {
	Event string
	Since int64 // unix millis, 0 for no bound
	Limit int
}

// AuditLog returns the agent's lifecycle events, newest first, including
// those of maintenance passes that covered every agent.
func (e *Engine) AuditLog(ctx context.Context, agent string, q AuditQuery) ([]store.Event, error) {
	const op = "audit"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	if q.Event != "" && !knownEvents[q.Event] {
		return nil, errs.Validation(op, "unknown event %q", q.Event)
	}
	if q.Since < 0 {
		return nil, errs.Validation(op, "since must not be negative")
	}
	limit, err := pageSize(op, q.Limit, MaxPageSize)
	if err != nil {
		return nil, err
	}
	events, err := e.DB.ListEvents(ctx, agent, store.EventFilter{Event: q.Event, Since: q.Since, Limit: limit})
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	return events, nil
}

// PruneAudit drops events older than the configured retention.
func (e *Engine) PruneAudit(ctx context.Context) (int, error) {
	const op = "prune_audit"
	cutoff := e.now().Add(-e.opts.AuditRetention).UnixMilli()
	n, err := e.DB.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, errs.Storage(op, err)
	}
	if n > 0 {
		log.Info("audit events pruned", "count", n, "older_than", e.opts.AuditRetention.Round(time.Hour))
	}
	return n, nil
}
