package duckdb

import (
	"context"
	"testing"
	"time"
)

func TestRetentionCleaner_Disabled(t *testing.T) {
	if rc := NewRetentionCleaner(newTestStore(t), 0, nil); rc != nil {
		t.Fatal("expected nil cleaner for retention 0")
	}
	var rc *RetentionCleaner
	rc.Stop()
}

func TestRetentionCleaner_StartupCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	if _, err := store.InsertBatch(ctx, testBatch(1, 2, "web", now.Add(-72*time.Hour))); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if _, err := store.InsertBatch(ctx, testBatch(3, 1, "web", now)); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	cleaner := NewRetentionCleaner(store, 1, nil)
	if cleaner == nil {
		t.Fatal("expected non-nil retention cleaner")
	}
	defer cleaner.Stop()

	if st := cleaner.Stats(); st.Runs != 1 || st.Deleted != 2 || st.LastErr != nil {
		t.Errorf("Stats = %+v, want one run deleting 2", st)
	}

	count, err := store.EventCount(ctx)
	if err != nil {
		t.Fatalf("EventCount: %v", err)
	}
	if count != 1 {
		t.Errorf("EventCount after startup cleanup = %d, want 1", count)
	}
}

func TestRetentionCleaner_StopIsIdempotent(t *testing.T) {
	cleaner := NewRetentionCleaner(newTestStore(t), 1, nil)
	if cleaner == nil {
		t.Fatal("expected non-nil retention cleaner")
	}

	cleaner.Stop()
	cleaner.Stop()
}
