package migrate

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadMigrationsOrdered(t *testing.T) {
	migs, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migs) == 0 {
		t.Fatal("no embedded migrations")
	}
	for i, m := range migs {
		if m.version != i+1 {
			t.Fatalf("migration %d has version %d, want contiguous versions from 1", i, m.version)
		}
	}
}

func TestRunStatus(t *testing.T) {
	ctx := context.Background()
	migs, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	latest := len(migs)

	db := openTestDB(t)
	r := NewRunner(db)

	steps := []struct {
		name        string
		run         bool
		wantVersion int
		wantPending int
	}{
		{name: "fresh", wantVersion: 0, wantPending: latest},
		{name: "after first run", run: true, wantVersion: latest},
		{name: "after second run", run: true, wantVersion: latest},
	}
	for _, step := range steps {
		if step.run {
			if err := r.Run(ctx); err != nil {
				t.Fatalf("%s: Run: %v", step.name, err)
			}
		}
		cur, pending, err := r.Status(ctx)
		if err != nil {
			t.Fatalf("%s: Status: %v", step.name, err)
		}
		if cur != step.wantVersion || pending != step.wantPending {
			t.Errorf("%s: version=%d pending=%d, want %d/%d", step.name, cur, pending, step.wantVersion, step.wantPending)
		}
	}
}

func TestSchemaRejectsDuplicateSequence(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if err := NewRunner(db).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	const insert = `INSERT OR IGNORE INTO trace_events
		(sequence_no, timestamp, provider, event_id, level, level_name, opcode, keywords)
		VALUES (?, now(), ?, 1, 4, 'Informational', 0, 0)`
	for _, provider := range []string{"first", "second"} {
		if _, err := db.ExecContext(ctx, insert, 7, provider); err != nil {
			t.Fatalf("insert %s: %v", provider, err)
		}
	}

	var provider string
	var events int64
	err := db.QueryRowContext(ctx, "SELECT provider, events FROM provider_summary").Scan(&provider, &events)
	if err != nil {
		t.Fatalf("query provider_summary: %v", err)
	}
	if provider != "first" || events != 1 {
		t.Fatalf("summary = %s/%d, want first/1", provider, events)
	}
}
