package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Session groups a temporal run of an agent's memories.
type Session struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	Title       string `json:"title,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	EndedAt     *int64 `json:"ended_at,omitempty"`
	MemoryCount int    `json:"memory_count"`
}

// CreateSession starts a session for the agent. An existing session with
// the same id is left as it is; the stored row is returned either way.
func (db *DB) CreateSession(ctx context.Context, agent, id, title string) (*Session, error) {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (id, agent_id, title, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?)
	`, id, agent, title, db.NowMillis())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return db.GetSession(ctx, agent, id)
}

// GetSession returns a session of the agent, or nil if not found.
func (db *DB) GetSession(ctx context.Context, agent, id string) (*Session, error) {
	var s Session
	var title sql.NullString
	var ended sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT s.id, s.agent_id, s.title, s.created_at, s.ended_at,
			(SELECT COUNT(*) FROM memories m WHERE m.agent_id = s.agent_id AND m.session_id = s.id)
		FROM sessions s WHERE s.agent_id = ? AND s.id = ?
	`, agent, id).Scan(&s.ID, &s.AgentID, &title, &s.CreatedAt, &ended, &s.MemoryCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.Title = title.String
	s.EndedAt = nullInt(ended)
	return &s, nil
}

// ListSessions returns the agent's sessions, newest first, with memory counts.
func (db *DB) ListSessions(ctx context.Context, agent string, limit int) ([]Session, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.id, s.agent_id, s.title, s.created_at, s.ended_at, COUNT(m.id)
		FROM sessions s
		LEFT JOIN memories m ON m.agent_id = s.agent_id AND m.session_id = s.id
		WHERE s.agent_id = ?
		GROUP BY s.agent_id, s.id
		ORDER BY s.created_at DESC, s.id
		LIMIT ?
	`, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var s Session
		var title sql.NullString
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &s.AgentID, &title, &s.CreatedAt, &ended, &s.MemoryCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Title = title.String
		s.EndedAt = nullInt(ended)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// EndSession stamps ended_at on an open session. Its memories are untouched.
func (db *DB) EndSession(ctx context.Context, agent, id string) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ? WHERE agent_id = ? AND id = ? AND ended_at IS NULL
	`, db.NowMillis(), agent, id)
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// DeleteSession removes a session and unlinks its memories. The memories
// themselves are kept.
func (db *DB) DeleteSession(ctx context.Context, agent, id string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE memories SET session_id = NULL WHERE agent_id = ? AND session_id = ?
	`, agent, id); err != nil {
		return false, fmt.Errorf("unlink session memories: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE agent_id = ? AND id = ?", agent, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete session: %w", err)
	}
	return true, nil
}

// SessionRecords returns the live records of a session, oldest first.
func (db *DB) SessionRecords(ctx context.Context, agent, id string, limit int) ([]Record, error) {
	return db.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM memories m
		WHERE m.agent_id = ? AND m.session_id = ? AND `+liveFilter+`
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT ?
	`, []any{agent, id, db.NowMillis(), limit})
}

// SessionSummary aggregates the memories of one session.
type SessionSummary struct {
	Session       Session        `json:"session"`
	Categories    map[string]int `json:"categories"`
	AvgImportance float64        `json:"avg_importance"`
	FirstAt       *int64         `json:"first_at,omitempty"`
	LastAt        *int64         `json:"last_at,omitempty"`
}

// SummarizeSession returns counts and bounds for a session's active memories,
// or nil if the session does not exist.
func (db *DB) SummarizeSession(ctx context.Context, agent, id string) (*SessionSummary, error) {
	sess, err := db.GetSession(ctx, agent, id)
	if err != nil || sess == nil {
		return nil, err
	}

	sum := &SessionSummary{Session: *sess, Categories: map[string]int{}}
	var avg sql.NullFloat64
	var first, last sql.NullInt64
	err = db.QueryRowContext(ctx, `
		SELECT AVG(importance), MIN(created_at), MAX(created_at)
		FROM memories WHERE agent_id = ? AND session_id = ? AND status = 'active'
	`, agent, id).Scan(&avg, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("summarize session: %w", err)
	}
	sum.AvgImportance = avg.Float64
	sum.FirstAt = nullInt(first)
	sum.LastAt = nullInt(last)

	rows, err := db.QueryContext(ctx, `
		SELECT category, COUNT(*) FROM memories
		WHERE agent_id = ? AND session_id = ? AND status = 'active'
		GROUP BY category
	`, agent, id)
	if err != nil {
		return nil, fmt.Errorf("session categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan session category: %w", err)
		}
		sum.Categories[cat] = n
	}
	return sum, rows.Err()
}
