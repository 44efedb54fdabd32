package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AllAgents is the agent id recorded on events of maintenance passes that
// ran across every agent.
const AllAgents = "*"

// Event is one persisted lifecycle event.
type Event struct {
	ID        int64           `json:"id"`
	Event     string          `json:"event"`
	AgentID   string          `json:"agent_id"`
	MemoryID  *int64          `json:"memory_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// InsertEvent appends ev to the event log and sets its ID and CreatedAt.
func (db *DB) InsertEvent(ctx context.Context, ev *Event) error {
	var data any
	if len(ev.Data) > 0 {
		data = string(ev.Data)
	}
	ev.CreatedAt = db.NowMillis()
	result, err := db.ExecContext(ctx, `
		INSERT INTO event_logs (event, agent_id, memory_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.Event, ev.AgentID, ev.MemoryID, data, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	ev.ID, err = result.LastInsertId()
	return err
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	Event string
	Since int64
	Limit int
}

// ListEvents returns the agent's events, and those of all-agent passes,
// newest first.
func (db *DB) ListEvents(ctx context.Context, agent string, f EventFilter) ([]Event, error) {
	query := `SELECT id, event, agent_id, memory_id, data, created_at FROM event_logs
		WHERE agent_id IN (?, ?)`
	args := []any{agent, AllAgents}
	if f.Event != "" {
		query += ` AND event = ?`
		args = append(args, f.Event)
	}
	if f.Since > 0 {
		query += ` AND created_at >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		var memID sql.NullInt64
		var data sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Event, &ev.AgentID, &memID, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.MemoryID = nullInt(memID)
		if data.Valid {
			ev.Data = json.RawMessage(data.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteEventsBefore drops events older than cutoff (unix millis).
func (db *DB) DeleteEventsBefore(ctx context.Context, cutoff int64) (int, error) {
	result, err := db.ExecContext(ctx, "DELETE FROM event_logs WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
