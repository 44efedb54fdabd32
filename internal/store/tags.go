package store

import (
	"context"
	"fmt"
)

// owned reports whether id is a record of the agent that has not been merged.
func (db *DB) owned(ctx context.Context, agent string, id int64) (bool, error) {
	return ownedBy(ctx, db, agent, id)
}

func ownedBy(ctx context.Context, q execer, agent string, id int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories WHERE id = ? AND agent_id = ? AND status != 'merged'
	`, id, agent).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check owner: %w", err)
	}
	return n > 0, nil
}

// AddTags attaches normalized tags to a record of the agent. Returns the
// number of tags newly added and false when the record is not the agent's
// or has been merged. Every insert re-checks the status, so a merge that
// commits mid-call leaves the record's tags alone.
func (db *DB) AddTags(ctx context.Context, agent string, id int64, tags []string) (int, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin add tags: %w", err)
	}
	defer tx.Rollback()

	ok, err := ownedBy(ctx, tx, agent, id)
	if err != nil || !ok {
		return 0, ok, err
	}

	added := 0
	for _, tag := range tags {
		result, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_tags (memory_id, tag)
			SELECT id, ? FROM memories WHERE id = ? AND agent_id = ? AND status != 'merged'
		`, tag, id, agent)
		if err != nil {
			return 0, true, fmt.Errorf("add tag %q: %w", tag, err)
		}
		n, _ := result.RowsAffected()
		added += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, true, fmt.Errorf("commit add tags: %w", err)
	}
	return added, true, nil
}

// RemoveTags detaches tags from an unmerged record of the agent.
func (db *DB) RemoveTags(ctx context.Context, agent string, id int64, tags []string) (int, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin remove tags: %w", err)
	}
	defer tx.Rollback()

	ok, err := ownedBy(ctx, tx, agent, id)
	if err != nil || !ok || len(tags) == 0 {
		return 0, ok, err
	}

	args := []any{id, agent}
	for _, t := range tags {
		args = append(args, t)
	}
	result, err := tx.ExecContext(ctx, `
		DELETE FROM memory_tags
		WHERE memory_id = (SELECT id FROM memories WHERE id = ? AND agent_id = ? AND status != 'merged')
		AND tag IN (`+placeholders(len(tags))+`)
	`, args...)
	if err != nil {
		return 0, true, fmt.Errorf("remove tags: %w", err)
	}
	n, _ := result.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, true, fmt.Errorf("commit remove tags: %w", err)
	}
	return int(n), true, nil
}

// ListTags returns a record's tags in alphabetical order.
func (db *DB) ListTags(ctx context.Context, agent string, id int64) ([]string, bool, error) {
	ok, err := db.owned(ctx, agent, id)
	if err != nil || !ok {
		return nil, ok, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT t.tag FROM memory_tags t
		JOIN memories m ON m.id = t.memory_id
		WHERE t.memory_id = ? AND m.agent_id = ?
		ORDER BY t.tag
	`, id, agent)
	if err != nil {
		return nil, true, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, true, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, true, rows.Err()
}

// SearchByTag returns live records of the agent carrying tag, most important
// first, then newest.
func (db *DB) SearchByTag(ctx context.Context, agent, tag string, minDecay float64, limit int) ([]Record, error) {
	return db.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM memories m
		JOIN memory_tags t ON t.memory_id = m.id
		WHERE t.tag = ? AND m.agent_id = ? AND `+liveFilter+` AND m.decay_score >= ?
		ORDER BY m.importance DESC, m.created_at DESC, m.id ASC
		LIMIT ?
	`, []any{tag, agent, db.NowMillis(), minDecay, limit})
}

// TagCount is a tag with the number of live records carrying it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// TopTags returns the agent's most used tags on active records.
func (db *DB) TopTags(ctx context.Context, agent string, limit int) ([]TagCount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT t.tag, COUNT(*) AS cnt FROM memory_tags t
		JOIN memories m ON m.id = t.memory_id
		WHERE m.agent_id = ? AND m.status = 'active'
		GROUP BY t.tag ORDER BY cnt DESC, t.tag ASC
		LIMIT ?
	`, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("top tags: %w", err)
	}
	defer rows.Close()

	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan tag count: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// TagRef is a tag on one record.
type TagRef struct {
	MemoryID int64  `json:"memory_id"`
	Tag      string `json:"tag"`
}

// TagsWithPrefix returns tags starting with prefix on the agent's live
// records, newest record first. prefix must not contain LIKE wildcards.
func (db *DB) TagsWithPrefix(ctx context.Context, agent, prefix string, limit int) ([]TagRef, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT t.memory_id, t.tag FROM memory_tags t
		JOIN memories m ON m.id = t.memory_id
		WHERE t.tag LIKE ? AND m.agent_id = ? AND `+liveFilter+`
		ORDER BY m.created_at DESC, m.id DESC, t.tag ASC
		LIMIT ?
	`, prefix+"%", agent, db.NowMillis(), limit)
	if err != nil {
		return nil, fmt.Errorf("tags with prefix: %w", err)
	}
	defer rows.Close()

	refs := []TagRef{}
	for rows.Next() {
		var ref TagRef
		if err := rows.Scan(&ref.MemoryID, &ref.Tag); err != nil {
			return nil, fmt.Errorf("scan tag ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
