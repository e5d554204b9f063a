package failover

import (
	"testing"
	"time"

	"mcpruntime/internal/transport/balancer"
)

func TestTriggerFailoverAdvancesThroughBackupsRoundRobin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 10
	m := NewManager(cfg)
	m.RegisterBackup("primary", balancer.Endpoint{ID: "b1"})
	m.RegisterBackup("primary", balancer.Endpoint{ID: "b2"})

	first, err := m.TriggerFailover("primary")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.TriggerFailover("primary")
	if err != nil {
		t.Fatal(err)
	}
	third, err := m.TriggerFailover("primary")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "b1" || second.ID != "b2" || third.ID != "b1" {
		t.Errorf("expected backups to wrap round-robin, got %s %s %s", first.ID, second.ID, third.ID)
	}
}

func TestFailoverFailsWithNoBackups(t *testing.T) {
	m := NewManager(DefaultConfig())
	if _, err := m.TriggerFailover("primary"); err == nil {
		t.Error("expected failover with no registered backups to fail")
	}
}

func TestFailoverExhaustsMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	m := NewManager(cfg)
	m.RegisterBackup("primary", balancer.Endpoint{ID: "b1"})

	for i := 0; i < 2; i++ {
		if _, err := m.TriggerFailover("primary"); err != nil {
			t.Fatalf("expected attempt %d to succeed, got %v", i, err)
		}
	}
	if _, err := m.TriggerFailover("primary"); err == nil {
		t.Error("expected failover to fail once max_retries is exhausted")
	}
}

func TestRetryDelayCapsAtMaxRetryDelay(t *testing.T) {
	cfg := Config{MaxRetries: 10, InitialRetryDelay: time.Second, MaxRetryDelay: 5 * time.Second, BackoffMultiplier: 2.0}
	m := NewManager(cfg)
	if d := m.RetryDelay(10); d != 5*time.Second {
		t.Errorf("expected retry delay to cap at 5s, got %v", d)
	}
	if d := m.RetryDelay(0); d != time.Second {
		t.Errorf("expected first attempt delay to equal initial delay, got %v", d)
	}
}

func TestRestoreSessionReturnsNotFoundWhenAbsent(t *testing.T) {
	m := NewManager(DefaultConfig())
	if _, err := m.RestoreSession("missing"); err == nil {
		t.Error("expected restoring an unknown session to fail")
	}
}

func TestSaveThenRestoreSessionRoundTrips(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.SaveSession(SessionState{SessionID: "s1", PendingMessages: []string{"a", "b"}})

	got, err := m.RestoreSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.PendingMessages) != 2 {
		t.Errorf("expected 2 pending messages, got %d", len(got.PendingMessages))
	}
}
