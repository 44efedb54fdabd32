package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Record statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusMerged   = "merged"
)

// Categories is the closed set of record categories, mirrored by the
// CHECK constraint on memories.category.
var Categories = []string{
	"general", "project", "trading", "finance",
	"person", "preference", "task", "decision",
}

// ValidCategory reports whether c is one of Categories.
func ValidCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// Record is one stored memory.
type Record struct {
	ID             int64   `json:"id" yaml:"id"`
	AgentID        string  `json:"agent_id" yaml:"agent_id"`
	Content        string  `json:"content" yaml:"content"`
	Category       string  `json:"category" yaml:"category"`
	Importance     int     `json:"importance" yaml:"importance"`
	DecayScore     float64 `json:"decay_score" yaml:"decay_score"`
	HalfLifeBoost  float64 `json:"half_life_boost" yaml:"half_life_boost"`
	AccessCount    int     `json:"access_count" yaml:"access_count"`
	LastAccessedAt *int64  `json:"last_accessed_at,omitempty" yaml:"last_accessed_at,omitempty"`
	Status         string  `json:"status" yaml:"status"`
	MergedInto     *int64  `json:"merged_into,omitempty" yaml:"merged_into,omitempty"`
	ArchivedAt     *int64  `json:"archived_at,omitempty" yaml:"archived_at,omitempty"`
	SessionID      string  `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	ExpiresAt      *int64  `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedAt      int64   `json:"created_at" yaml:"created_at"`
	UpdatedAt      int64   `json:"updated_at" yaml:"updated_at"`
}

// RefTime is the timestamp decay is measured from: last access, or creation.
func (r *Record) RefTime() int64 {
	if r.LastAccessedAt != nil {
		return *r.LastAccessedAt
	}
	return r.CreatedAt
}

// Expired reports whether the record's TTL has passed at now (unix ms).
func (r *Record) Expired(now int64) bool {
	return r.ExpiresAt != nil && *r.ExpiresAt <= now
}

// Insert is one record to write, optionally with its embedding.
type Insert struct {
	Record    *Record
	Embedding []float64
	Model     string
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `m.id, m.agent_id, m.content, m.category, m.importance,
	m.decay_score, m.half_life_boost, m.access_count, m.last_accessed_at,
	m.status, m.merged_into, m.archived_at, m.session_id, m.expires_at,
	m.created_at, m.updated_at`

// liveFilter restricts m to records visible to search paths at a given time.
const liveFilter = `m.status = 'active' AND (m.expires_at IS NULL OR m.expires_at > ?)`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	var lastAccess, mergedInto, archivedAt, expiresAt sql.NullInt64
	var sessionID sql.NullString
	if err := s.Scan(&r.ID, &r.AgentID, &r.Content, &r.Category, &r.Importance,
		&r.DecayScore, &r.HalfLifeBoost, &r.AccessCount, &lastAccess,
		&r.Status, &mergedInto, &archivedAt, &sessionID, &expiresAt,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.SessionID = sessionID.String
	r.LastAccessedAt = nullInt(lastAccess)
	r.MergedInto = nullInt(mergedInto)
	r.ArchivedAt = nullInt(archivedAt)
	r.ExpiresAt = nullInt(expiresAt)
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// InsertRecords writes all items in one transaction. Sessions referenced by
// the records are created on the fly. IDs, timestamps and defaults are filled
// in on each item's Record.
func (db *DB) InsertRecords(ctx context.Context, items []Insert) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	now := db.NowMillis()
	for i := range items {
		if err := insertRecord(ctx, tx, &items[i], now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func insertRecord(ctx context.Context, ex execer, it *Insert, now int64) error {
	r := it.Record
	if r.SessionID != "" {
		if _, err := ex.ExecContext(ctx, `
			INSERT OR IGNORE INTO sessions (id, agent_id, created_at) VALUES (?, ?, ?)
		`, r.SessionID, r.AgentID, now); err != nil {
			return fmt.Errorf("ensure session %s: %w", r.SessionID, err)
		}
	}

	if r.DecayScore == 0 {
		r.DecayScore = 1.0
	}
	if r.HalfLifeBoost == 0 {
		r.HalfLifeBoost = 1.0
	}
	r.Status = StatusActive
	r.CreatedAt = now
	r.UpdatedAt = now

	result, err := ex.ExecContext(ctx, `
		INSERT INTO memories (agent_id, content, category, importance, decay_score, half_life_boost,
			access_count, status, session_id, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 'active', NULLIF(?, ''), ?, ?, ?)
	`, r.AgentID, r.Content, r.Category, r.Importance, r.DecayScore, r.HalfLifeBoost,
		r.SessionID, r.ExpiresAt, now, now)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	r.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert record id: %w", err)
	}

	if len(it.Embedding) > 0 {
		if err := saveVector(ctx, ex, r.ID, it.Embedding, it.Model, now); err != nil {
			return err
		}
	}
	return nil
}

// GetRecord returns a record of the agent by id in any status, or nil if it
// does not exist or belongs to another agent.
func (db *DB) GetRecord(ctx context.Context, agent string, id int64) (*Record, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM memories m WHERE m.id = ? AND m.agent_id = ?
	`, id, agent)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// GetRecordsByIDs returns the agent's records for ids, in any status.
func (db *DB) GetRecordsByIDs(ctx context.Context, agent string, ids []int64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]any{agent}, int64Args(ids)...)
	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM memories m
		WHERE m.agent_id = ? AND m.id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get records by ids: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Patch lists the fields an update may change. Nil means unchanged.
type Patch struct {
	Content    *string
	Category   *string
	Importance *int

	// Embedding replaces the stored vector when Content changes. When
	// Content changes and Embedding is nil the old vector is dropped.
	Embedding []float64
	Model     string
}

// UpdateRecord applies p to an active record of the agent in a single
// conditional statement. Returns false when no active record matched.
func (db *DB) UpdateRecord(ctx context.Context, agent string, id int64, p Patch) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	now := db.NowMillis()
	result, err := tx.ExecContext(ctx, `
		UPDATE memories SET
			content    = COALESCE(?, content),
			category   = COALESCE(?, category),
			importance = COALESCE(?, importance),
			updated_at = ?
		WHERE id = ? AND agent_id = ? AND status = 'active'
	`, p.Content, p.Category, p.Importance, now, id, agent)
	if err != nil {
		return false, fmt.Errorf("update record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}

	if p.Content != nil {
		if len(p.Embedding) > 0 {
			err = saveVector(ctx, tx, id, p.Embedding, p.Model, now)
		} else {
			_, err = tx.ExecContext(ctx, "DELETE FROM memory_vectors WHERE memory_id = ?", id)
		}
		if err != nil {
			return false, fmt.Errorf("update vector: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit update: %w", err)
	}
	return true, nil
}

// DeleteRecord hard-deletes a record of the agent. Tags, relations and the
// vector go with it.
func (db *DB) DeleteRecord(ctx context.Context, agent string, id int64) (bool, error) {
	result, err := db.ExecContext(ctx, "DELETE FROM memories WHERE id = ? AND agent_id = ?", id, agent)
	if err != nil {
		return false, fmt.Errorf("delete record %d: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ArchiveRecord moves an active record to archived.
func (db *DB) ArchiveRecord(ctx context.Context, agent string, id int64) (bool, error) {
	now := db.NowMillis()
	result, err := db.ExecContext(ctx, `
		UPDATE memories SET status = 'archived', archived_at = ?, updated_at = ?
		WHERE id = ? AND agent_id = ? AND status = 'active'
	`, now, now, id, agent)
	if err != nil {
		return false, fmt.Errorf("archive record %d: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// RestoreRecord moves an archived record back to active.
func (db *DB) RestoreRecord(ctx context.Context, agent string, id int64) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE memories SET status = 'active', archived_at = NULL, updated_at = ?
		WHERE id = ? AND agent_id = ? AND status = 'archived'
	`, db.NowMillis(), id, agent)
	if err != nil {
		return false, fmt.Errorf("restore record %d: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListArchived returns the agent's archived records, most recently archived first.
func (db *DB) ListArchived(ctx context.Context, agent string, limit int) ([]Record, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM memories m
		WHERE m.agent_id = ? AND m.status = 'archived'
		ORDER BY m.archived_at DESC, m.id DESC
		LIMIT ?
	`, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ExportRecords returns every active, unexpired record of the agent, newest first.
func (db *DB) ExportRecords(ctx context.Context, agent string) ([]Record, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM memories m
		WHERE m.agent_id = ? AND `+liveFilter+`
		ORDER BY m.created_at DESC, m.id DESC
	`, agent, db.NowMillis())
	if err != nil {
		return nil, fmt.Errorf("export records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Reinforce applies a retrieval to every listed record of the agent in one
// statement: access count, last access, a decay bump capped at 1 and a
// compounding half-life boost capped at maxBoost.
func (db *DB) Reinforce(ctx context.Context, agent string, ids []int64, bump, factor, maxBoost float64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{db.NowMillis(), bump, factor, maxBoost, agent}
	args = append(args, int64Args(ids)...)
	result, err := db.ExecContext(ctx, `
		UPDATE memories SET
			access_count     = access_count + 1,
			last_accessed_at = ?,
			decay_score      = MIN(1.0, decay_score + ?),
			half_life_boost  = MIN(half_life_boost * ?, MAX(half_life_boost, ?))
		WHERE agent_id = ? AND status = 'active' AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("reinforce: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// DecayTarget is the slice of a record the decay pass needs.
type DecayTarget struct {
	ID            int64
	Importance    int
	DecayScore    float64
	HalfLifeBoost float64
	RefTime       int64
}

// DecayTargets returns every active record, optionally for one agent.
func (db *DB) DecayTargets(ctx context.Context, agent string) ([]DecayTarget, error) {
	query := `
		SELECT id, importance, decay_score, half_life_boost, COALESCE(last_accessed_at, created_at)
		FROM memories WHERE status = 'active'`
	var args []any
	if agent != "" {
		query += " AND agent_id = ?"
		args = append(args, agent)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decay targets: %w", err)
	}
	defer rows.Close()

	var targets []DecayTarget
	for rows.Next() {
		var t DecayTarget
		if err := rows.Scan(&t.ID, &t.Importance, &t.DecayScore, &t.HalfLifeBoost, &t.RefTime); err != nil {
			return nil, fmt.Errorf("scan decay target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// SetDecay writes a recomputed decay score. The write only lands if the
// record is still active and has not been accessed since refTime was read,
// so a concurrent reinforcement is never overwritten.
func (db *DB) SetDecay(ctx context.Context, id, refTime int64, score float64) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE memories SET decay_score = ?
		WHERE id = ? AND status = 'active' AND COALESCE(last_accessed_at, created_at) = ?
	`, score, id, refTime)
	if err != nil {
		return false, fmt.Errorf("update decay %d: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Removed identifies a hard-deleted record.
type Removed struct {
	ID      int64
	AgentID string
}

// DeleteExpired hard-deletes every record whose TTL has passed, optionally
// for one agent, and reports what was removed.
func (db *DB) DeleteExpired(ctx context.Context, agent string) ([]Removed, error) {
	query := `DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?`
	args := []any{db.NowMillis()}
	if agent != "" {
		query += " AND agent_id = ?"
		args = append(args, agent)
	}
	query += " RETURNING id, agent_id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delete expired: %w", err)
	}
	defer rows.Close()

	var removed []Removed
	for rows.Next() {
		var r Removed
		if err := rows.Scan(&r.ID, &r.AgentID); err != nil {
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		removed = append(removed, r)
	}
	return removed, rows.Err()
}

// BoostFrequent raises importance by one for active records accessed at
// least threshold times.
func (db *DB) BoostFrequent(ctx context.Context, agent string, threshold int) (int, error) {
	query := `
		UPDATE memories SET importance = importance + 1, updated_at = ?
		WHERE status = 'active' AND access_count >= ? AND importance < 5`
	args := []any{db.NowMillis(), threshold}
	if agent != "" {
		query += " AND agent_id = ?"
		args = append(args, agent)
	}
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("boost frequent: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// ReduceStale lowers importance by one for active records never accessed
// and created before cutoff (unix ms).
func (db *DB) ReduceStale(ctx context.Context, agent string, cutoff int64) (int, error) {
	query := `
		UPDATE memories SET importance = importance - 1, updated_at = ?
		WHERE status = 'active' AND access_count = 0 AND importance > 1 AND created_at <= ?`
	args := []any{db.NowMillis(), cutoff}
	if agent != "" {
		query += " AND agent_id = ?"
		args = append(args, agent)
	}
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reduce stale: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
