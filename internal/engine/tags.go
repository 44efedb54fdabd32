package engine

import (
	"context"

	errs "github.com/lazypower/mnemo/internal/errors"
	"github.com/lazypower/mnemo/internal/store"
)

// AddTags attaches tags to a record and returns how many were new.
func (e *Engine) AddTags(ctx context.Context, agent string, id int64, tags []string) (int, error) {
	const op = "add_tags"
	agent, err := validAgent(op, agent)
	if err != nil {
		return 0, err
	}
	tags, err = validTags(op, tags)
	if err != nil {
		return 0, err
	}
	n, found, err := e.DB.AddTags(ctx, agent, id, tags)
	if err != nil {
		return 0, errs.Storage(op, err)
	}
	if !found {
		return 0, errs.NotFound(op, id)
	}
	return n, nil
}

// RemoveTags detaches tags from a record and returns how many were removed.
func (e *Engine) RemoveTags(ctx context.Context, agent string, id int64, tags []string) (int, error) {
	const op = "remove_tags"
	agent, err := validAgent(op, agent)
	if err != nil {
		return 0, err
	}
	tags, err = validTags(op, tags)
	if err != nil {
		return 0, err
	}
	n, found, err := e.DB.RemoveTags(ctx, agent, id, tags)
	if err != nil {
		return 0, errs.Storage(op, err)
	}
	if !found {
		return 0, errs.NotFound(op, id)
	}
	return n, nil
}

// ListTags returns a record's tags.
func (e *Engine) ListTags(ctx context.Context, agent string, id int64) ([]string, error) {
	const op = "list_tags"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	tags, found, err := e.DB.ListTags(ctx, agent, id)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	if !found {
		return nil, errs.NotFound(op, id)
	}
	return tags, nil
}

// SearchByTag returns live records carrying tag, most important first, then
// newest. Returned records count as retrieved.
func (e *Engine) SearchByTag(ctx context.Context, agent, tag string, limit int) ([]store.Record, error) {
	const op = "search_tag"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	tag, err = validLabel(op, "tag", tag)
	if err != nil {
		return nil, err
	}
	if limit, err = pageSize(op, limit, e.opts.DefaultPageSize); err != nil {
		return nil, err
	}
	records, err := e.DB.SearchByTag(ctx, agent, tag, ForgetThreshold, limit)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	if err := e.reinforce(ctx, op, agent, ids); err != nil {
		return nil, err
	}
	return nonNil(records), nil
}
