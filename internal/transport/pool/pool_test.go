package pool

import (
	"context"
	"testing"
	"time"
)

type fakeConn struct {
	healthy bool
	closed  bool
}

func (f *fakeConn) HealthCheck(ctx context.Context) HealthStatus {
	if f.healthy {
		return Healthy
	}
	return Unhealthy
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func newTestPool(max int) *Pool {
	cfg := DefaultConfig()
	cfg.MaxConnections = max
	cfg.ConnectionTimeout = 100 * time.Millisecond
	return New(cfg, func(ctx context.Context) (Conn, error) {
		return &fakeConn{healthy: true}, nil
	})
}

func TestAcquireDialsFreshWhenIdleEmpty(t *testing.T) {
	p := newTestPool(2)
	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if conn == nil {
		t.Fatal("expected a connection")
	}
}

func TestReleaseReturnsHealthyToIdle(t *testing.T) {
	p := newTestPool(2)
	ctx := context.Background()
	conn, _ := p.Acquire(ctx)
	p.Release(ctx, conn)

	if p.idle.Len() != 1 {
		t.Errorf("expected 1 idle connection after release, got %d", p.idle.Len())
	}
}

func TestReleaseClosesUnhealthyConnection(t *testing.T) {
	p := newTestPool(2)
	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	fc := conn.(*fakeConn)
	fc.healthy = false
	p.Release(ctx, fc)

	if !fc.closed {
		t.Error("expected unhealthy connection to be closed on release")
	}
	if p.idle.Len() != 0 {
		t.Error("expected unhealthy connection not to be returned to idle deque")
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	p := newTestPool(1)
	ctx := context.Background()
	if _, err := p.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(ctx); err == nil {
		t.Error("expected second acquire to time out with no permits available")
	}
}

func TestCleanupIdleRemovesStaleConnections(t *testing.T) {
	p := newTestPool(2)
	ctx := context.Background()
	conn, _ := p.Acquire(ctx)
	p.Release(ctx, conn)

	removed := p.CleanupIdle(-time.Second)
	if removed != 1 {
		t.Errorf("expected 1 stale connection removed, got %d", removed)
	}
}
