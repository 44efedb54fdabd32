package store

import (
	"context"
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testDB opens an in-memory store whose clock is *now.
func testDB(t *testing.T) (*DB, *time.Time) {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	now := epoch
	db.Clock = func() time.Time { return now }
	return db, &now
}

func insert(t *testing.T, db *DB, agent, content string, importance int) *Record {
	t.Helper()
	r := &Record{AgentID: agent, Content: content, Category: "general", Importance: importance}
	if err := db.InsertRecords(context.Background(), []Insert{{Record: r}}); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	return r
}

func TestOpenMemory(t *testing.T) {
	db, _ := testDB(t)
	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestOpenFile(t *testing.T) {
	path := t.TempDir() + "/nested/mnemo.db"
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestSchemaVersion(t *testing.T) {
	db, _ := testDB(t)
	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}

	// migrating again is a no-op
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestTablesExist(t *testing.T) {
	db, _ := testDB(t)
	tables := []string{"schema_versions", "memories", "memories_fts", "memory_tags", "memory_relations", "sessions", "memory_vectors", "event_logs"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestMemoriesConstraints(t *testing.T) {
	db, _ := testDB(t)
	bad := []string{
		`INSERT INTO memories (content, category, created_at, updated_at) VALUES ('x', 'bogus', 0, 0)`,
		`INSERT INTO memories (content, importance, created_at, updated_at) VALUES ('x', 6, 0, 0)`,
		`INSERT INTO memories (content, status, created_at, updated_at) VALUES ('x', 'merged', 0, 0)`,
		`INSERT INTO memories (content, decay_score, created_at, updated_at) VALUES ('x', 1.5, 0, 0)`,
	}
	for _, q := range bad {
		if _, err := db.Exec(q); err == nil {
			t.Errorf("expected constraint violation for %s", q)
		}
	}
}
