package store

import (
	"context"
	"fmt"
)

// Relation is a directed, labelled edge between two records of one agent.
type Relation struct {
	SourceID  int64  `json:"source_id"`
	TargetID  int64  `json:"target_id"`
	Relation  string `json:"relation"`
	CreatedAt int64  `json:"created_at"`
}

// AddRelation creates source -> target labelled rel. The insert only
// matches when both endpoints are unmerged records of the agent. Returns
// found=false when either endpoint does not qualify, created=false when the
// edge already existed.
func (db *DB) AddRelation(ctx context.Context, agent string, source, target int64, rel string) (created, found bool, err error) {
	for _, id := range []int64{source, target} {
		ok, err := db.owned(ctx, agent, id)
		if err != nil || !ok {
			return false, false, err
		}
	}

	result, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_relations (source_id, target_id, relation, created_at)
		SELECT s.id, t.id, ?, ?
		FROM memories s, memories t
		WHERE s.id = ? AND t.id = ?
		  AND s.agent_id = ? AND t.agent_id = ?
		  AND s.status != 'merged' AND t.status != 'merged'
	`, rel, db.NowMillis(), source, target, agent, agent)
	if err != nil {
		return false, true, fmt.Errorf("add relation: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, true, nil
}

// RemoveRelation deletes one edge owned by the agent.
func (db *DB) RemoveRelation(ctx context.Context, agent string, source, target int64, rel string) (bool, error) {
	result, err := db.ExecContext(ctx, `
		DELETE FROM memory_relations
		WHERE source_id = ? AND target_id = ? AND relation = ?
		  AND source_id IN (SELECT id FROM memories WHERE agent_id = ?)
	`, source, target, rel, agent)
	if err != nil {
		return false, fmt.Errorf("remove relation: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListRelations returns every edge with id at either end, for a record of
// the agent. Returns found=false when the record is not the agent's.
func (db *DB) ListRelations(ctx context.Context, agent string, id int64) ([]Relation, bool, error) {
	ok, err := db.owned(ctx, agent, id)
	if err != nil || !ok {
		return nil, ok, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT r.source_id, r.target_id, r.relation, r.created_at
		FROM memory_relations r
		JOIN memories s ON s.id = r.source_id
		JOIN memories t ON t.id = r.target_id
		WHERE (r.source_id = ? OR r.target_id = ?)
		  AND s.agent_id = ? AND t.agent_id = ?
		ORDER BY r.created_at, r.source_id, r.target_id, r.relation
	`, id, id, agent, agent)
	if err != nil {
		return nil, true, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()

	rels, err := scanRelations(rows)
	return rels, true, err
}

// Neighbors returns the edges leaving the frontier. With a label only
// outgoing edges of that label are followed. Without one, edges in both
// directions count. Both endpoints must be active records of the agent.
func (db *DB) Neighbors(ctx context.Context, agent string, frontier []int64, label string) ([]Relation, error) {
	if len(frontier) == 0 {
		return nil, nil
	}
	ph := placeholders(len(frontier))
	ids := int64Args(frontier)

	var query string
	var args []any
	if label != "" {
		query = `r.source_id IN (` + ph + `) AND r.relation = ?`
		args = append(ids, label)
	} else {
		query = `(r.source_id IN (` + ph + `) OR r.target_id IN (` + ph + `))`
		args = append(append([]any{}, ids...), ids...)
	}
	args = append(args, agent, agent)

	rows, err := db.QueryContext(ctx, `
		SELECT r.source_id, r.target_id, r.relation, r.created_at
		FROM memory_relations r
		JOIN memories s ON s.id = r.source_id
		JOIN memories t ON t.id = r.target_id
		WHERE `+query+`
		  AND s.agent_id = ? AND t.agent_id = ?
		  AND s.status = 'active' AND t.status = 'active'
		ORDER BY r.source_id, r.target_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("neighbors: %w", err)
	}
	defer rows.Close()
	return scanRelations(rows)
}

func scanRelations(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]Relation, error) {
	rels := []Relation{}
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Relation, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
