package identity

import (
	"context"
	"testing"
	"time"
)

func TestConcurrentSessionCapRejectsAfterLimit(t *testing.T) {
	store := NewStore(2, time.Hour, nil)
	if _, err := store.Create("s1", "alice", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create("s2", "alice", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create("s3", "alice", time.Hour); err == nil {
		t.Error("expected third concurrent session to be rejected")
	}
}

func TestExpiredSessionsEvictedBeforeCapCheck(t *testing.T) {
	store := NewStore(1, time.Hour, nil)
	sess, err := store.Create("s1", "alice", -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ExpiresAt.After(time.Now()) {
		t.Fatal("test setup: expected already-expired session")
	}
	if _, err := store.Create("s2", "alice", time.Hour); err != nil {
		t.Errorf("expected new session to succeed after expiry eviction, got error: %v", err)
	}
}

func TestACLGrantedPermissionIsAllowed(t *testing.T) {
	acl := NewACL()
	acl.Grant(Role("admin"), "plugin:restart")
	store := NewStore(5, time.Hour, acl)
	store.SetUserRole("alice", Role("admin"))
	if _, err := store.Create("s1", "alice", time.Hour); err != nil {
		t.Fatal(err)
	}
	if !store.Can("s1", "plugin:restart") {
		t.Error("expected admin role to be granted plugin:restart")
	}
	if store.Can("s1", "plugin:delete") {
		t.Error("expected ungranted permission to be denied")
	}
}

func TestTouchRejectsTerminatedSession(t *testing.T) {
	store := NewStore(5, time.Hour, nil)
	if _, err := store.Create("s1", "alice", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := store.Terminate("s1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Touch("s1"); err == nil {
		t.Error("expected touching a terminated session to fail")
	}
}

func TestRevokeTokenIsImmediatelyVisible(t *testing.T) {
	rl := NewMemoryRevocationList(time.Hour)
	ctx := context.Background()

	revoked, err := rl.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatal(err)
	}
	if revoked {
		t.Fatal("expected unrevoked token to report false")
	}

	if err := rl.RevokeToken(ctx, "jti-1", "compromised", "alice"); err != nil {
		t.Fatal(err)
	}
	revoked, err = rl.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatal(err)
	}
	if !revoked {
		t.Error("expected is_revoked to return true immediately after revoke_token")
	}
}

func TestRevocationExpiresAfterTTL(t *testing.T) {
	rl := NewMemoryRevocationList(time.Millisecond)
	ctx := context.Background()
	if err := rl.RevokeToken(ctx, "jti-2", "expired-test", ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	revoked, err := rl.IsRevoked(ctx, "jti-2")
	if err != nil {
		t.Fatal(err)
	}
	if revoked {
		t.Error("expected revocation entry to age out past its TTL")
	}
}
