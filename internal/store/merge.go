package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrClusterChanged is returned by MergeCluster when a member stopped being
// active between candidate selection and the merge.
var ErrClusterChanged = errors.New("cluster changed during merge")

// Candidate is a compressible record with its embedding.
type Candidate struct {
	Record    Record
	Embedding []float64
	Depth     int
}

// CompressionCandidates returns the agent's live records that have a vector
// and whose merge chain is shallower than maxDepth, ordered by id. Depth is
// the longest chain of merged records folded into the record.
func (db *DB) CompressionCandidates(ctx context.Context, agent string, maxDepth int) ([]Candidate, error) {
	rows, err := db.QueryContext(ctx, `
		WITH RECURSIVE chain(root, id, depth) AS (
			SELECT id, id, 0 FROM memories WHERE agent_id = ? AND status = 'active'
			UNION ALL
			SELECT c.root, src.id, c.depth + 1
			FROM memories src JOIN chain c ON src.merged_into = c.id
			WHERE c.depth < ?
		)
		SELECT `+recordColumns+`, v.embedding, d.depth
		FROM memories m
		JOIN memory_vectors v ON v.memory_id = m.id
		JOIN (SELECT root, MAX(depth) AS depth FROM chain GROUP BY root) d ON d.root = m.id
		WHERE m.agent_id = ? AND `+liveFilter+` AND d.depth < ?
		ORDER BY m.id
	`, agent, maxDepth, agent, db.NowMillis(), maxDepth)
	if err != nil {
		return nil, fmt.Errorf("compression candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var blob []byte
		r, err := scanRecord(rowScanner{rows, []any{&blob, &c.Depth}})
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.Record = *r
		c.Embedding = decodeEmbedding(blob)
		out = append(out, c)
	}
	return out, rows.Err()
}

// rowScanner appends extra destinations after the record columns.
type rowScanner struct {
	s     scanner
	extra []any
}

func (r rowScanner) Scan(dest ...any) error {
	return r.s.Scan(append(dest, r.extra...)...)
}

// MergeCluster folds members into a new representative record in one
// transaction: the representative is inserted, member tags are copied,
// member relations are relinked to it (self-loops dropped) and every member
// is marked merged into it. If any member is no longer active the whole
// merge is rolled back with ErrClusterChanged.
func (db *DB) MergeCluster(ctx context.Context, agent string, rep Insert, members []int64) error {
	if len(members) < 2 {
		return fmt.Errorf("merge cluster: need at least 2 members, got %d", len(members))
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	now := db.NowMillis()
	rep.Record.AgentID = agent
	if err := insertRecord(ctx, tx, &rep, now); err != nil {
		return err
	}
	newID := rep.Record.ID
	ph := placeholders(len(members))
	ids := int64Args(members)

	result, err := tx.ExecContext(ctx, `
		UPDATE memories SET status = 'merged', merged_into = ?, updated_at = ?
		WHERE agent_id = ? AND status = 'active' AND id IN (`+ph+`)
	`, append([]any{newID, now, agent}, ids...)...)
	if err != nil {
		return fmt.Errorf("mark merged: %w", err)
	}
	if n, _ := result.RowsAffected(); int(n) != len(members) {
		return ErrClusterChanged
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_tags (memory_id, tag)
		SELECT ?, tag FROM memory_tags WHERE memory_id IN (`+ph+`)
	`, append([]any{newID}, ids...)...); err != nil {
		return fmt.Errorf("copy tags: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_relations (source_id, target_id, relation, created_at)
		SELECT
			CASE WHEN source_id IN (`+ph+`) THEN ? ELSE source_id END,
			CASE WHEN target_id IN (`+ph+`) THEN ? ELSE target_id END,
			relation, created_at
		FROM memory_relations
		WHERE source_id IN (`+ph+`) OR target_id IN (`+ph+`)
	`, reorderRelink(newID, ids)...); err != nil {
		return fmt.Errorf("relink relations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM memory_relations WHERE source_id IN (`+ph+`) OR target_id IN (`+ph+`)
	`, append(append([]any{}, ids...), ids...)...); err != nil {
		return fmt.Errorf("drop member relations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM memory_relations WHERE source_id = ? AND target_id = ?
	`, newID, newID); err != nil {
		return fmt.Errorf("drop self relations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

// reorderRelink lays out arguments in placeholder order for the relink
// statement: ids, newID, ids, newID, ids, ids.
func reorderRelink(newID int64, ids []any) []any {
	args := make([]any, 0, 4*len(ids)+2)
	args = append(args, ids...)
	args = append(args, newID)
	args = append(args, ids...)
	args = append(args, newID)
	args = append(args, ids...)
	args = append(args, ids...)
	return args
}
