package storage

import (
	"context"
	"testing"
	"time"
)

func newTestNodeStore(t *testing.T) *NodeStore {
	db := setupTestDB(t)
	if err := NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewNodeStore(db, nil)
}

func TestUpsertThenGetStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestNodeStore(t)

	if err := store.Upsert(ctx, "node-1", "Home Office", "1.0.0"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	status, err := store.GetStatus(ctx, "node-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != NodeRecordStatusOnline {
		t.Errorf("status = %q, want %q", status, NodeRecordStatusOnline)
	}
}

func TestMarkOfflineTransitionsStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestNodeStore(t)

	if err := store.Upsert(ctx, "node-1", "Home Office", "1.0.0"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.MarkOffline(ctx, "node-1"); err != nil {
		t.Fatalf("mark offline: %v", err)
	}

	status, err := store.GetStatus(ctx, "node-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != NodeRecordStatusOffline {
		t.Errorf("status = %q, want %q", status, NodeRecordStatusOffline)
	}
}

func TestGetStatusUnknownNodeReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestNodeStore(t)

	if _, err := store.GetStatus(ctx, "never-registered"); err != ErrNodeRecordNotFound {
		t.Fatalf("expected ErrNodeRecordNotFound, got %v", err)
	}
}

func TestMarkStaleOfflineMarksExpiredHeartbeatsOffline(t *testing.T) {
	ctx := context.Background()
	store := newTestNodeStore(t)

	if err := store.Upsert(ctx, "node-stale", "Lab", "1.0.0"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Upsert(ctx, "node-fresh", "Lab", "1.0.0"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	staleIDs, err := store.MarkStaleOffline(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("mark stale offline: %v", err)
	}
	if len(staleIDs) != 2 {
		t.Fatalf("expected both nodes to be considered stale with a negative threshold, got %v", staleIDs)
	}

	status, err := store.GetStatus(ctx, "node-stale")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != NodeRecordStatusOffline {
		t.Errorf("status = %q, want %q", status, NodeRecordStatusOffline)
	}
}

func TestMarkStaleOfflineIgnoresRecentHeartbeats(t *testing.T) {
	ctx := context.Background()
	store := newTestNodeStore(t)

	if err := store.Upsert(ctx, "node-1", "Lab", "1.0.0"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	staleIDs, err := store.MarkStaleOffline(ctx, time.Hour)
	if err != nil {
		t.Fatalf("mark stale offline: %v", err)
	}
	if len(staleIDs) != 0 {
		t.Fatalf("expected no stale nodes with a generous threshold, got %v", staleIDs)
	}
}
