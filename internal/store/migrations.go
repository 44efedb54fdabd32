package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memories: agent memory records with status enumeration",
		SQL: `
CREATE TABLE memories (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id         TEXT NOT NULL DEFAULT 'default',
    content          TEXT NOT NULL,
    category         TEXT NOT NULL DEFAULT 'general' CHECK (category IN ('general', 'project', 'trading', 'finance', 'person', 'preference', 'task', 'decision')),
    importance       INTEGER NOT NULL DEFAULT 1 CHECK (importance BETWEEN 1 AND 5),

    -- Decay
    decay_score      REAL NOT NULL DEFAULT 1.0 CHECK (decay_score BETWEEN 0.0 AND 1.0),
    half_life_boost  REAL NOT NULL DEFAULT 1.0,
    access_count     INTEGER NOT NULL DEFAULT 0,
    last_accessed_at INTEGER,

    -- Lifecycle
    status           TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'archived', 'merged')),
    merged_into      INTEGER,
    archived_at      INTEGER,
    session_id       TEXT,
    expires_at       INTEGER,

    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,

    CHECK ((status = 'merged') = (merged_into IS NOT NULL)),
    CHECK ((status = 'archived') = (archived_at IS NOT NULL))
);

CREATE INDEX idx_memories_agent_status ON memories(agent_id, status);
CREATE INDEX idx_memories_created      ON memories(agent_id, created_at DESC);
CREATE INDEX idx_memories_expires      ON memories(expires_at) WHERE expires_at IS NOT NULL;
CREATE INDEX idx_memories_session      ON memories(agent_id, session_id);
CREATE INDEX idx_memories_merged_into  ON memories(merged_into) WHERE merged_into IS NOT NULL;
`,
	},
	{
		Version:     2,
		Description: "memories_fts: full-text index over content",
		SQL: `
CREATE VIRTUAL TABLE memories_fts USING fts5(
    content,
    content='memories',
    content_rowid='id'
);

CREATE TRIGGER memories_fts_ai AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER memories_fts_ad AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;

CREATE TRIGGER memories_fts_au AFTER UPDATE OF content ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
    INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
END;
`,
	},
	{
		Version:     3,
		Description: "memory_tags and memory_relations: labels and directed edges",
		SQL: `
CREATE TABLE memory_tags (
    memory_id  INTEGER NOT NULL,
    tag        TEXT NOT NULL,
    PRIMARY KEY (memory_id, tag),
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX idx_tags_tag ON memory_tags(tag);

CREATE TABLE memory_relations (
    source_id  INTEGER NOT NULL,
    target_id  INTEGER NOT NULL,
    relation   TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (source_id, target_id, relation),
    FOREIGN KEY (source_id) REFERENCES memories(id) ON DELETE CASCADE,
    FOREIGN KEY (target_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX idx_relations_target ON memory_relations(target_id);
`,
	},
	{
		Version:     4,
		Description: "sessions: temporal grouping of memories per agent",
		SQL: `
CREATE TABLE sessions (
    id         TEXT NOT NULL,
    agent_id   TEXT NOT NULL,
    title      TEXT,
    created_at INTEGER NOT NULL,
    ended_at   INTEGER,
    PRIMARY KEY (agent_id, id)
);

CREATE INDEX idx_sessions_created ON sessions(agent_id, created_at DESC);
`,
	},
	{
		Version:     5,
		Description: "memory_vectors: embedding vectors for semantic search",
		SQL: `
CREATE TABLE memory_vectors (
    memory_id  INTEGER PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     6,
		Description: "event_logs: persisted memory lifecycle events",
		SQL: `
CREATE TABLE event_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT NOT NULL,
    agent_id   TEXT NOT NULL,
    memory_id  INTEGER,
    data       TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_event_logs_agent ON event_logs(agent_id, created_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
