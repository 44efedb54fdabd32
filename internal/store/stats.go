package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// Stats summarizes an agent's memory store.
type Stats struct {
	Active     int            `json:"active"`
	Archived   int            `json:"archived"`
	Merged     int            `json:"merged"`
	Categories map[string]int `json:"categories"`
	Importance map[string]int `json:"importance"`
	Decay      DecayBuckets   `json:"decay"`
	TopTags    []TagCount     `json:"top_tags"`
}

// DecayBuckets splits active records by freshness.
type DecayBuckets struct {
	Healthy  int     `json:"healthy"`  // > 0.7
	Fading   int     `json:"fading"`   // 0.3 .. 0.7
	Critical int     `json:"critical"` // < 0.3
	Average  float64 `json:"avg_decay"`
}

// Stats computes the aggregate view of one agent.
func (db *DB) Stats(ctx context.Context, agent string) (*Stats, error) {
	st := &Stats{
		Categories: map[string]int{},
		Importance: map[string]int{"1": 0, "2": 0, "3": 0, "4": 0, "5": 0},
	}

	statusRows, err := db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM memories WHERE agent_id = ? GROUP BY status
	`, agent)
	if err != nil {
		return nil, fmt.Errorf("stats status: %w", err)
	}
	err = eachRow(statusRows, func(s scanner) error {
		var status string
		var n int
		if err := s.Scan(&status, &n); err != nil {
			return err
		}
		switch status {
		case StatusActive:
			st.Active = n
		case StatusArchived:
			st.Archived = n
		case StatusMerged:
			st.Merged = n
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stats status: %w", err)
	}

	catRows, err := db.QueryContext(ctx, `
		SELECT category, COUNT(*) FROM memories
		WHERE agent_id = ? AND status = 'active' GROUP BY category
	`, agent)
	if err != nil {
		return nil, fmt.Errorf("stats categories: %w", err)
	}
	err = eachRow(catRows, func(s scanner) error {
		var cat string
		var n int
		if err := s.Scan(&cat, &n); err != nil {
			return err
		}
		st.Categories[cat] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stats categories: %w", err)
	}

	impRows, err := db.QueryContext(ctx, `
		SELECT importance, COUNT(*) FROM memories
		WHERE agent_id = ? AND status = 'active' GROUP BY importance
	`, agent)
	if err != nil {
		return nil, fmt.Errorf("stats importance: %w", err)
	}
	err = eachRow(impRows, func(s scanner) error {
		var imp, n int
		if err := s.Scan(&imp, &n); err != nil {
			return err
		}
		st.Importance[strconv.Itoa(imp)] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stats importance: %w", err)
	}

	var healthy, fading, critical sql.NullInt64
	var avg sql.NullFloat64
	err = db.QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN decay_score > 0.7 THEN 1 ELSE 0 END),
			SUM(CASE WHEN decay_score BETWEEN 0.3 AND 0.7 THEN 1 ELSE 0 END),
			SUM(CASE WHEN decay_score < 0.3 THEN 1 ELSE 0 END),
			AVG(decay_score)
		FROM memories WHERE agent_id = ? AND status = 'active'
	`, agent).Scan(&healthy, &fading, &critical, &avg)
	if err != nil {
		return nil, fmt.Errorf("stats decay: %w", err)
	}
	st.Decay = DecayBuckets{
		Healthy:  int(healthy.Int64),
		Fading:   int(fading.Int64),
		Critical: int(critical.Int64),
		Average:  avg.Float64,
	}

	st.TopTags, err = db.TopTags(ctx, agent, 10)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// AgentCount is an agent id with its number of active records.
type AgentCount struct {
	AgentID string `json:"agent_id"`
	Active  int    `json:"active"`
}

// ListAgents returns every agent that owns at least one record.
func (db *DB) ListAgents(ctx context.Context) ([]AgentCount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT agent_id, SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END)
		FROM memories GROUP BY agent_id ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := []AgentCount{}
	err = eachRow(rows, func(s scanner) error {
		var a AgentCount
		if err := s.Scan(&a.AgentID, &a.Active); err != nil {
			return err
		}
		agents = append(agents, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// eachRow drains rows through fn and closes them.
func eachRow(rows *sql.Rows, fn func(scanner) error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
