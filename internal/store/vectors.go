package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
)

// VectorRecord holds the embedding of one memory.
type VectorRecord struct {
	MemoryID   int64
	AgentID    string
	Embedding  []float64
	Model      string
	Dimensions int
	CreatedAt  int64
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

func saveVector(ctx context.Context, ex execer, memoryID int64, embedding []float64, model string, now int64) error {
	blob := encodeEmbedding(embedding)
	_, err := ex.ExecContext(ctx, `
		INSERT INTO memory_vectors (memory_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			embedding = excluded.embedding, model = excluded.model,
			dimensions = excluded.dimensions, created_at = excluded.created_at
	`, memoryID, blob, model, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

// SaveVector stores or replaces the embedding for a memory.
func (db *DB) SaveVector(ctx context.Context, memoryID int64, embedding []float64, model string) error {
	return saveVector(ctx, db, memoryID, embedding, model, db.NowMillis())
}

// GetVector returns the embedding for a memory of the agent, or nil if none is stored.
func (db *DB) GetVector(ctx context.Context, agent string, memoryID int64) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte

	err := db.QueryRowContext(ctx, `
		SELECT v.memory_id, m.agent_id, v.embedding, v.model, v.dimensions, v.created_at
		FROM memory_vectors v JOIN memories m ON m.id = v.memory_id
		WHERE v.memory_id = ? AND m.agent_id = ?
	`, memoryID, agent).Scan(&v.MemoryID, &v.AgentID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// LiveVectors returns the vectors of every live (active, unexpired) record
// of the agent, ordered by memory id. This is what the vector index is
// built from.
func (db *DB) LiveVectors(ctx context.Context, agent string) ([]VectorRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT v.memory_id, m.agent_id, v.embedding, v.model, v.dimensions, v.created_at
		FROM memory_vectors v JOIN memories m ON m.id = v.memory_id
		WHERE m.agent_id = ? AND `+liveFilter+`
		ORDER BY v.memory_id
	`, agent, db.NowMillis())
	if err != nil {
		return nil, fmt.Errorf("live vectors: %w", err)
	}
	defer rows.Close()

	var records []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var blob []byte
		if err := rows.Scan(&v.MemoryID, &v.AgentID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Embedding = decodeEmbedding(blob)
		records = append(records, v)
	}
	return records, rows.Err()
}

// MissingVectors returns live records of the agent that have no vector, or
// whose vector was produced by a different model.
func (db *DB) MissingVectors(ctx context.Context, agent, model string) ([]Record, error) {
	return db.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM memories m
		LEFT JOIN memory_vectors v ON v.memory_id = m.id
		WHERE m.agent_id = ? AND `+liveFilter+`
		  AND (v.memory_id IS NULL OR v.model != ?)
		ORDER BY m.id
	`, []any{agent, db.NowMillis(), model})
}

// DeleteVector removes the embedding for a memory.
func (db *DB) DeleteVector(ctx context.Context, memoryID int64) error {
	_, err := db.ExecContext(ctx, "DELETE FROM memory_vectors WHERE memory_id = ?", memoryID)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}
