package engine

import (
	"context"

	"github.com/google/uuid"

	errs "github.com/lazypower/mnemo/internal/errors"
	"github.com/lazypower/mnemo/internal/store"
)

func sessionNotFound(op, id string) error {
	return errs.New(errs.CodeNotFound, op, "session "+id+" not found")
}

// StartSession opens a session. An empty id gets a fresh UUID. Starting an
// id that already exists returns the existing session unchanged.
func (e *Engine) StartSession(ctx context.Context, agent, id, title string) (*store.Session, error) {
	const op = "start_session"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	if id, err = validSessionID(op, id); err != nil {
		return nil, err
	}
	if title, err = validTitle(op, title); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	s, err := e.DB.CreateSession(ctx, agent, id, title)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	return s, nil
}

// ListSessions returns the agent's sessions, newest first.
func (e *Engine) ListSessions(ctx context.Context, agent string, limit int) ([]store.Session, error) {
	const op = "list_sessions"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	if limit, err = pageSize(op, limit, e.opts.DefaultPageSize); err != nil {
		return nil, err
	}
	sessions, err := e.DB.ListSessions(ctx, agent, limit)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	return sessions, nil
}

// EndSession closes an open session. Its memories are left as they are.
func (e *Engine) EndSession(ctx context.Context, agent, id string) error {
	const op = "end_session"
	agent, err := validAgent(op, agent)
	if err != nil {
		return err
	}
	ok, err := e.DB.EndSession(ctx, agent, id)
	if err != nil {
		return errs.Storage(op, err)
	}
	if ok {
		return nil
	}
	// already ended is fine; missing is not
	s, err := e.DB.GetSession(ctx, agent, id)
	if err != nil {
		return errs.Storage(op, err)
	}
	if s == nil {
		return sessionNotFound(op, id)
	}
	return nil
}

// DeleteSession removes a session. Its memories survive, unlinked.
func (e *Engine) DeleteSession(ctx context.Context, agent, id string) error {
	const op = "delete_session"
	agent, err := validAgent(op, agent)
	if err != nil {
		return err
	}
	ok, err := e.DB.DeleteSession(ctx, agent, id)
	if err != nil {
		return errs.Storage(op, err)
	}
	if !ok {
		return sessionNotFound(op, id)
	}
	return nil
}

// SessionMemories returns the live memories of a session in the order they
// were saved.
func (e *Engine) SessionMemories(ctx context.Context, agent, id string, limit int) ([]store.Record, error) {
	const op = "session_memories"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	if limit, err = pageSize(op, limit, MaxPageSize); err != nil {
		return nil, err
	}
	s, err := e.DB.GetSession(ctx, agent, id)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	if s == nil {
		return nil, sessionNotFound(op, id)
	}
	records, err := e.DB.SessionRecords(ctx, agent, id, limit)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	if records == nil {
		records = []store.Record{}
	}
	return records, nil
}

// SessionSummary aggregates a session's active memories.
func (e *Engine) SessionSummary(ctx context.Context, agent, id string) (*store.SessionSummary, error) {
	const op = "session_summary"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	sum, err := e.DB.SummarizeSession(ctx, agent, id)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	if sum == nil {
		return nil, sessionNotFound(op, id)
	}
	return sum, nil
}
