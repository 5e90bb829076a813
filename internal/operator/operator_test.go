package operator

import (
	"context"
	"database/sql"
	"testing"

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

func TestCurrentDefaultsToSentinel(t *testing.T) {
	s, err := New(openTestDB(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	reg, ok := s.Current(context.Background())
	if ok {
		t.Fatalf("expected no operator registered")
	}
	if reg != Sentinel {
		t.Fatalf("expected sentinel, got %q", reg)
	}
}

func TestSetCurrentThenLogout(t *testing.T) {
	ctx := context.Background()
	s, _ := New(openTestDB(t))

	if err := s.SetCurrent(ctx, "ABC-123"); err != nil {
		t.Fatalf("set current: %v", err)
	}
	reg, ok := s.Current(ctx)
	if !ok || reg != "ABC-123" {
		t.Fatalf("got reg=%q ok=%v", reg, ok)
	}

	if err := s.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	reg, ok = s.Current(ctx)
	if ok || reg != Sentinel {
		t.Fatalf("expected sentinel after logout, got reg=%q ok=%v", reg, ok)
	}
}

func TestSetCurrentReplacesPriorRegistration(t *testing.T) {
	ctx := context.Background()
	s, _ := New(openTestDB(t))

	s.SetCurrent(ctx, "first")
	s.SetCurrent(ctx, "second")

	reg, ok := s.Current(ctx)
	if !ok || reg != "second" {
		t.Fatalf("expected latest registration to win, got %q", reg)
	}
}
