// Package pool implements C17, a semaphore-bounded connection pool with an
// idle-deque for reuse and a background idle-reaper, grounded on
// original_source/src/transport/websocket/pool.rs's acquire/release/cleanup
// shape and adapted to Go's channel-as-semaphore idiom.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"mcpruntime/internal/mcperr"
)

// HealthStatus is the closed set a connection's health check can report.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
)

// Conn is the minimal contract a pooled connection must satisfy.
type Conn interface {
	HealthCheck(ctx context.Context) HealthStatus
	Close() error
}

// Dialer opens a fresh connection to the pool's backend.
type Dialer func(ctx context.Context) (Conn, error)

// Config tunes pool bounds and timeouts.
type Config struct {
	MaxConnections      int
	MinConnections      int
	ConnectionTimeout   time.Duration
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
}

// DefaultConfig mirrors pool.rs's PoolConfig::default shape.
func DefaultConfig() Config {
	return Config{
		MaxConnections:      10,
		MinConnections:      2,
		ConnectionTimeout:   5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Statistics is a point-in-time snapshot of pool state.
type Statistics struct {
	TotalRequests     int64
	ActiveConnections int
	IdleConnections   int
	FailedRequests    int64
	AvgWaitTimeMs     float64
}

type idleEntry struct {
	conn       Conn
	lastActive time.Time
}

// Pool is a semaphore-bounded connection pool.
type Pool struct {
	cfg    Config
	dial   Dialer
	sem    chan struct{}
	mu    sync.Mutex
	idle  *list.List // of *idleEntry, front = oldest (FIFO per spec.md §5)
	stats Statistics
}

// New creates a pool bounded by cfg.MaxConnections, using dial to open
// fresh connections when the idle deque is empty.
func New(cfg Config, dial Dialer) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg = DefaultConfig()
	}
	return &Pool{
		cfg:  cfg,
		dial: dial,
		sem:  make(chan struct{}, cfg.MaxConnections),
		idle: list.New(),
	}
}

// Acquire waits on the semaphore (bounded by connection_timeout), then
// returns a healthy idle connection or dials a fresh one (spec.md §4.17).
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()
	select {
	case p.sem <- struct{}{}:
	case <-waitCtx.Done():
		return nil, mcperr.New(mcperr.KindNetwork, "timed out waiting for a pool permit")
	}

	conn := p.popHealthyIdle(ctx)
	if conn == nil {
		var err error
		conn, err = p.dial(ctx)
		if err != nil {
			<-p.sem
			p.mu.Lock()
			p.stats.FailedRequests++
			p.mu.Unlock()
			return nil, mcperr.Wrap(mcperr.KindNetwork, "failed to dial backend", err)
		}
	}

	p.mu.Lock()
	p.stats.TotalRequests++
	p.stats.ActiveConnections++
	waitMs := float64(time.Since(start).Milliseconds())
	n := float64(p.stats.TotalRequests)
	p.stats.AvgWaitTimeMs = (p.stats.AvgWaitTimeMs*(n-1) + waitMs) / n
	p.mu.Unlock()

	return conn, nil
}

func (p *Pool) popHealthyIdle(ctx context.Context) Conn {
	for {
		p.mu.Lock()
		front := p.idle.Front()
		if front == nil {
			p.mu.Unlock()
			return nil
		}
		p.idle.Remove(front)
		p.stats.IdleConnections = p.idle.Len()
		p.mu.Unlock()

		entry := front.Value.(*idleEntry)
		if entry.conn.HealthCheck(ctx) == Healthy {
			return entry.conn
		}
		entry.conn.Close()
	}
}

// Release health-checks conn and either returns it to the idle deque's tail
// or closes it, always freeing the semaphore permit (spec.md §4.17).
func (p *Pool) Release(ctx context.Context, conn Conn) {
	health := conn.HealthCheck(ctx)

	p.mu.Lock()
	if health == Healthy && p.idle.Len() < p.cfg.MaxConnections {
		p.idle.PushBack(&idleEntry{conn: conn, lastActive: time.Now()})
		p.stats.IdleConnections = p.idle.Len()
	} else {
		conn.Close()
	}
	if p.stats.ActiveConnections > 0 {
		p.stats.ActiveConnections--
	}
	p.mu.Unlock()

	<-p.sem
}

// Statistics returns a snapshot of pool counters.
func (p *Pool) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// CleanupIdle closes idle connections whose last-active time precedes
// now - idleTimeout, walking the deque front-to-back as spec.md §4.17
// requires, and returns the number removed.
func (p *Pool) CleanupIdle(idleTimeout time.Duration) int {
	cutoff := time.Now().Add(-idleTimeout)
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	var next *list.Element
	for e := p.idle.Front(); e != nil; e = next {
		next = e.Next()
		entry := e.Value.(*idleEntry)
		if entry.lastActive.Before(cutoff) {
			entry.conn.Close()
			p.idle.Remove(e)
			removed++
		}
	}
	p.stats.IdleConnections = p.idle.Len()
	return removed
}

// StartReaper launches the background idle-reaper; callers stop it via ctx.
func (p *Pool) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.CleanupIdle(p.cfg.IdleTimeout)
			}
		}
	}()
}
