package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAppendAndOldestIsFIFO(t *testing.T) {
	db := openTestDB(t)
	q, err := New(db)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()

	base := time.Unix(1000, 0)
	if _, err := q.Append(ctx, "frame-1", "topic/a", []byte("p1"), 1, base); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := q.Append(ctx, "frame-2", "topic/a", []byte("p2"), 1, base.Add(time.Second)); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := q.Oldest(ctx, 10)
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].FrameID != "frame-1" || entries[1].FrameID != "frame-2" {
		t.Fatalf("expected FIFO order, got %+v", entries)
	}
}

func TestAppendDuplicateFrameIDIsNoOp(t *testing.T) {
	db := openTestDB(t)
	q, _ := New(db)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	if _, err := q.Append(ctx, "dup", "t", []byte("a"), 1, now); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := q.Append(ctx, "dup", "t", []byte("b"), 1, now); err != nil {
		t.Fatalf("second append: %v", err)
	}
	count, err := q.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected duplicate frame id to be a no-op, got count=%d", count)
	}
}

func TestDeleteByIDRemovesEntries(t *testing.T) {
	db := openTestDB(t)
	q, _ := New(db)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	seq, _ := q.Append(ctx, "frame-1", "t", []byte("p"), 1, now)
	if err := q.DeleteByID(ctx, []int64{seq}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	count, _ := q.Count(ctx)
	if count != 0 {
		t.Fatalf("expected queue empty after delete, got %d", count)
	}
}

func TestIncrementRetryAndDeleteFailed(t *testing.T) {
	db := openTestDB(t)
	q, _ := New(db)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	seq, _ := q.Append(ctx, "frame-1", "t", []byte("p"), 1, now)
	for i := 0; i < 11; i++ {
		if err := q.IncrementRetry(ctx, seq); err != nil {
			t.Fatalf("increment retry: %v", err)
		}
	}
	dropped, err := q.DeleteFailed(ctx, 10)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 dropped entry, got %d", dropped)
	}
}

func TestApplyMaintenanceDropsExpiredEntries(t *testing.T) {
	db := openTestDB(t)
	q, _ := New(db)
	ctx := context.Background()

	stale := time.Now().Add(-31 * 24 * time.Hour)
	fresh := time.Now()
	q.Append(ctx, "stale", "t", []byte("p"), 1, stale)
	q.Append(ctx, "fresh", "t", []byte("p"), 1, fresh)

	droppedTTL, droppedCap, err := q.ApplyMaintenance(ctx)
	if err != nil {
		t.Fatalf("apply maintenance: %v", err)
	}
	if droppedTTL != 1 {
		t.Fatalf("expected 1 ttl-expired entry dropped, got %d", droppedTTL)
	}
	if droppedCap != 0 {
		t.Fatalf("expected no cap-based drops, got %d", droppedCap)
	}
	count, _ := q.Count(ctx)
	if count != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", count)
	}
}

func TestOldestTimestampEmptyQueue(t *testing.T) {
	db := openTestDB(t)
	q, _ := New(db)
	ts, err := q.OldestTimestamp(context.Background())
	if err != nil {
		t.Fatalf("oldest timestamp: %v", err)
	}
	if !ts.IsZero() {
		t.Fatalf("expected zero time for empty queue, got %v", ts)
	}
}
