package store

import (
	"context"
	"testing"
	"time"
)

func TestSanitizeFTS(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"dark mode", `"dark"* OR "mode"*`},
		{`title:"x" AND (y)`, `"title"* OR "AND"*`},
		{"a b c", ""},
		{"-^*", ""},
		{"one two three four five six seven eight nine ten eleven", `"one"* OR "two"* OR "three"* OR "four"* OR "five"* OR "six"* OR "seven"* OR "eight"* OR "nine"* OR "ten"*`},
	}
	for _, tt := range tests {
		if got := SanitizeFTS(tt.input); got != tt.want {
			t.Errorf("SanitizeFTS(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func ids(records []Record) map[int64]bool {
	out := make(map[int64]bool, len(records))
	for _, r := range records {
		out[r.ID] = true
	}
	return out
}

func TestSearchText(t *testing.T) {
	db, now := testDB(t)
	ctx := context.Background()
	dark := insert(t, db, "a", "User prefers dark mode", 3)
	deploy := insert(t, db, "a", "Deploy on Fridays", 3)
	insert(t, db, "b", "dark side of another agent", 3)

	got, err := db.SearchText(ctx, TextQuery{Agent: "a", Query: "dark"})
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if len(got) != 1 || got[0].ID != dark.ID {
		t.Errorf("SearchText(dark) = %+v", got)
	}

	// prefix match
	got, _ = db.SearchText(ctx, TextQuery{Agent: "a", Query: "depl"})
	if len(got) != 1 || got[0].ID != deploy.ID {
		t.Errorf("prefix search = %+v", got)
	}

	got, _ = db.SearchText(ctx, TextQuery{Agent: "a", Query: "*"})
	if len(got) != 2 {
		t.Errorf("wildcard returned %d records, want 2", len(got))
	}

	got, _ = db.SearchText(ctx, TextQuery{Agent: "a", Query: "*", Category: "task"})
	if len(got) != 0 {
		t.Errorf("category filter returned %d records", len(got))
	}

	if _, err := db.Exec("UPDATE memories SET decay_score = 0.01 WHERE id = ?", deploy.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = db.SearchText(ctx, TextQuery{Agent: "a", Query: "*", MinDecay: 0.05})
	if ids(got)[deploy.ID] {
		t.Error("forgotten record returned")
	}

	exp := now.Add(time.Minute).UnixMilli()
	short := &Record{AgentID: "a", Content: "dark expiring note", Category: "general", Importance: 1, ExpiresAt: &exp}
	db.InsertRecords(ctx, []Insert{{Record: short}})
	*now = now.Add(time.Hour)
	got, _ = db.SearchText(ctx, TextQuery{Agent: "a", Query: "dark"})
	if ids(got)[short.ID] {
		t.Error("expired record returned")
	}
}

func TestSearchTextLikeFallback(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	r := insert(t, db, "a", "100% sure about C#", 3)
	insert(t, db, "a", "nothing special", 3)

	for _, q := range []string{"#", "%"} {
		got, err := db.SearchText(ctx, TextQuery{Agent: "a", Query: q})
		if err != nil {
			t.Fatalf("SearchText(%q): %v", q, err)
		}
		if len(got) != 1 || got[0].ID != r.ID {
			t.Errorf("SearchText(%q) = %+v", q, got)
		}
	}
}

func TestFTSFollowsUpdatesAndDeletes(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	r := insert(t, db, "a", "original wording", 3)

	content := "rewritten sentence"
	db.UpdateRecord(ctx, "a", r.ID, Patch{Content: &content})
	if got, _ := db.SearchText(ctx, TextQuery{Agent: "a", Query: "original"}); len(got) != 0 {
		t.Error("old content still indexed")
	}
	if got, _ := db.SearchText(ctx, TextQuery{Agent: "a", Query: "rewritten"}); len(got) != 1 {
		t.Error("new content not indexed")
	}

	db.DeleteRecord(ctx, "a", r.ID)
	if got, _ := db.SearchText(ctx, TextQuery{Agent: "a", Query: "rewritten"}); len(got) != 0 {
		t.Error("deleted record still indexed")
	}
}

func TestLiveRecordsByIDs(t *testing.T) {
	db, _ := testDB(t)
	ctx := context.Background()
	a := insert(t, db, "a", "first", 3)
	b := insert(t, db, "a", "second", 3)
	c := insert(t, db, "b", "foreign", 3)
	db.ArchiveRecord(ctx, "a", b.ID)

	got, err := db.LiveRecordsByIDs(ctx, "a", []int64{a.ID, b.ID, c.ID}, "", 0)
	if err != nil {
		t.Fatalf("LiveRecordsByIDs: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("LiveRecordsByIDs = %+v", got)
	}
}
