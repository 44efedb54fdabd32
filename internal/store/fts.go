package store

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxFTSTokens   = 10
	minFTSTokenLen = 2
)

// SanitizeFTS turns free text into a safe FTS5 MATCH expression: operator
// characters are stripped, tokens shorter than two characters dropped, and
// at most ten tokens kept, each as a quoted prefix term joined with OR.
// Returns "" when nothing usable remains.
func SanitizeFTS(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '^', '(', ')', ':', '-', '*', '+', '<', '>', '&', '|':
			return ' '
		}
		return r
	}, query)

	var terms []string
	for _, tok := range strings.Fields(cleaned) {
		if utf8.RuneCountInString(tok) < minFTSTokenLen {
			continue
		}
		terms = append(terms, `"`+tok+`"*`)
		if len(terms) == maxFTSTokens {
			break
		}
	}
	return strings.Join(terms, " OR ")
}

// TextQuery selects text-matched candidates for ranking.
type TextQuery struct {
	Agent    string
	Query    string // "*" lists every live record
	Category string
	MinDecay float64
}

// SearchText returns live records of the agent matching q. It uses the FTS5
// index and falls back to a LIKE scan when the sanitized query is empty or
// the MATCH fails.
func (db *DB) SearchText(ctx context.Context, q TextQuery) ([]Record, error) {
	query := strings.TrimSpace(q.Query)
	if query == "" {
		return nil, nil
	}

	filter := " AND m.agent_id = ? AND " + liveFilter + " AND m.decay_score >= ?"
	args := []any{q.Agent, db.NowMillis(), q.MinDecay}
	if q.Category != "" {
		filter += " AND m.category = ?"
		args = append(args, q.Category)
	}

	if query == "*" {
		return db.queryRecords(ctx, `SELECT `+recordColumns+` FROM memories m WHERE 1=1`+filter, args)
	}

	if match := SanitizeFTS(query); match != "" {
		records, err := db.queryRecords(ctx, `
			SELECT `+recordColumns+` FROM memories_fts f
			JOIN memories m ON m.id = f.rowid
			WHERE memories_fts MATCH ?`+filter,
			append([]any{match}, args...))
		if err == nil {
			return records, nil
		}
	}

	like := "%" + escapeLike(query) + "%"
	return db.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM memories m
		WHERE m.content LIKE ? ESCAPE '\'`+filter,
		append([]any{like}, args...))
}

func (db *DB) queryRecords(ctx context.Context, query string, args []any) ([]Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search text: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// LiveRecordsByIDs returns the subset of ids that are live records of the
// agent with decay at or above minDecay, optionally in one category.
func (db *DB) LiveRecordsByIDs(ctx context.Context, agent string, ids []int64, category string, minDecay float64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + recordColumns + ` FROM memories m
		WHERE m.agent_id = ? AND ` + liveFilter + ` AND m.decay_score >= ?
		AND m.id IN (` + placeholders(len(ids)) + `)`
	args := []any{agent, db.NowMillis(), minDecay}
	args = append(args, int64Args(ids)...)
	if category != "" {
		query += " AND m.category = ?"
		args = append(args, category)
	}
	return db.queryRecords(ctx, query, args)
}
