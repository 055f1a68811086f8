package sessiontoken

import (
	"testing"
	"time"
)

func TestMintAndVerifyRoundTrip(t *testing.T) {
	mgr, err := NewManager([]string{"primary-secret-0123456789abcdef"}, "cncd", "node-agent", time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	token, expiresAt, err := mgr.Mint("node-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if expiresAt.Before(time.Now()) {
		t.Fatal("expiresAt should be in the future")
	}

	claims, err := mgr.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.NodeID != "node-1" {
		t.Errorf("NodeID = %q, want node-1", claims.NodeID)
	}
	if claims.Subject != "node-1" {
		t.Errorf("Subject = %q, want node-1", claims.Subject)
	}
}

func TestVerifyRotatedSecretFirstMatchWins(t *testing.T) {
	oldMgr, err := NewManager([]string{"old-secret-0123456789abcdef"}, "cncd", "node-agent", time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	token, _, err := oldMgr.Mint("node-2")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	rotatedMgr, err := NewManager(
		[]string{"new-secret-0123456789abcdef", "old-secret-0123456789abcdef"},
		"cncd", "node-agent", time.Hour,
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	claims, err := rotatedMgr.Verify(token)
	if err != nil {
		t.Fatalf("expected token signed with the rotated-out secret to still verify: %v", err)
	}
	if claims.NodeID != "node-2" {
		t.Errorf("NodeID = %q, want node-2", claims.NodeID)
	}
}

func TestVerifyRejectsUnknownSecret(t *testing.T) {
	mgr, err := NewManager([]string{"secret-a-0123456789abcdef"}, "cncd", "node-agent", time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	token, _, err := mgr.Mint("node-3")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	otherMgr, err := NewManager([]string{"secret-b-0123456789abcdef"}, "cncd", "node-agent", time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := otherMgr.Verify(token); err == nil {
		t.Fatal("expected verification to fail against an unrelated secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	mgr, err := NewManager([]string{"secret-0123456789abcdef"}, "cncd", "node-agent", -time.Minute)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	token, _, err := mgr.Mint("node-4")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := mgr.Verify(token); err == nil {
		t.Fatal("expected verification to fail for an already-expired token")
	}
}

func TestNewManagerRequiresSecrets(t *testing.T) {
	if _, err := NewManager(nil, "cncd", "node-agent", time.Hour); err != ErrNoSecrets {
		t.Fatalf("expected ErrNoSecrets, got %v", err)
	}
}
