package health

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "modernc.org/sqlite"
)

type fakeNodes struct{ count int }

func (f fakeNodes) ClientCount() int { return f.count }

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "health-test-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	db, err := sql.Open("sqlite", tmpfile.Name())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCheckLiveness_AlwaysHealthy(t *testing.T) {
	c := NewChecker(nil, nil, nil, nil)
	result := c.CheckLiveness(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("expected healthy liveness, got %s", result.Status)
	}
}

func TestCheckReadiness_DatabaseAndNodesUpOthersUnconfigured(t *testing.T) {
	db := openTestDB(t)
	c := NewChecker(db, fakeNodes{count: 2}, nil, nil)

	result := c.CheckReadiness(context.Background())
	if result.Components["database"].Status != StatusOK {
		t.Errorf("expected database ok, got %+v", result.Components["database"])
	}
	if result.Components["node_manager"].Status != StatusOK {
		t.Errorf("expected node_manager ok, got %+v", result.Components["node_manager"])
	}
	if result.Status != StatusDegraded {
		t.Errorf("expected degraded overall (router/worker unconfigured), got %s", result.Status)
	}
}

func TestCheckReadiness_NoDatabaseIsDegraded(t *testing.T) {
	c := NewChecker(nil, fakeNodes{count: 0}, nil, nil)
	result := c.CheckReadiness(context.Background())
	if result.Components["database"].Status != StatusUnavailable {
		t.Errorf("expected database unavailable, got %+v", result.Components["database"])
	}
	if result.Status != StatusDegraded {
		t.Errorf("expected degraded overall, got %s", result.Status)
	}
}

func TestCheckReadiness_ClosedDatabaseIsError(t *testing.T) {
	db := openTestDB(t)
	db.Close()
	c := NewChecker(db, fakeNodes{count: 0}, nil, nil)

	result := c.CheckReadiness(context.Background())
	if result.Components["database"].Status != StatusError {
		t.Errorf("expected database error after close, got %+v", result.Components["database"])
	}
	if result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy overall, got %s", result.Status)
	}
}
