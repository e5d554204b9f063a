// Package balancer implements C18, selecting among healthy backend
// endpoints under one of four strategies, grounded on
// original_source/src/transport/websocket/balancer.rs's Endpoint/
// EndpointStats shape and its health-overrides-strategy design.
package balancer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Strategy is the closed set of selection algorithms.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	Random             Strategy = "random"
)

// Endpoint is a single backend target.
type Endpoint struct {
	ID             string
	URL            string
	Weight         int
	MaxConnections int
}

// endpointState is the mutable per-endpoint bookkeeping the balancer owns.
type endpointState struct {
	endpoint           Endpoint
	activeConns        atomic.Int64
	totalRequests      atomic.Int64
	totalFailures      atomic.Int64
	consecutiveFailure atomic.Int32
	healthy            atomic.Bool
	lastHealthCheck    atomic.Int64
}

// Config tunes balancer behavior.
type Config struct {
	Strategy          Strategy
	FailoverThreshold int
	SessionAffinity   bool
}

// DefaultConfig matches BalancerConfig::default in balancer.rs.
func DefaultConfig() Config {
	return Config{Strategy: RoundRobin, FailoverThreshold: 3}
}

// Balancer selects among registered endpoints per its configured strategy,
// filtering to the healthy subset first (spec.md §4.18).
type Balancer struct {
	cfg Config

	mu     sync.RWMutex
	order  []string // insertion order, for deterministic RoundRobin/tie-break
	states map[string]*endpointState

	rrCounter atomic.Uint64
}

// New creates a balancer with the given configuration.
func New(cfg Config) *Balancer {
	if cfg.Strategy == "" {
		cfg = DefaultConfig()
	}
	return &Balancer{cfg: cfg, states: make(map[string]*endpointState)}
}

// Add registers an endpoint as healthy.
func (b *Balancer) Add(ep Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.states[ep.ID]; exists {
		return
	}
	st := &endpointState{endpoint: ep}
	st.healthy.Store(true)
	b.states[ep.ID] = st
	b.order = append(b.order, ep.ID)
}

func (b *Balancer) healthySnapshotLocked() []*endpointState {
	out := make([]*endpointState, 0, len(b.order))
	for _, id := range b.order {
		st := b.states[id]
		if st.healthy.Load() {
			out = append(out, st)
		}
	}
	return out
}

// Select picks an endpoint under the configured strategy, or reports false
// if no endpoint is currently healthy.
func (b *Balancer) Select() (Endpoint, bool) {
	b.mu.RLock()
	healthy := b.healthySnapshotLocked()
	b.mu.RUnlock()

	if len(healthy) == 0 {
		return Endpoint{}, false
	}

	switch b.cfg.Strategy {
	case LeastConnections:
		return b.selectLeastConnections(healthy), true
	case WeightedRoundRobin:
		return b.selectWeightedRoundRobin(healthy), true
	case Random:
		return b.selectRandom(healthy), true
	default:
		return b.selectRoundRobin(healthy), true
	}
}

func (b *Balancer) selectRoundRobin(healthy []*endpointState) Endpoint {
	idx := b.rrCounter.Add(1) - 1
	return healthy[idx%uint64(len(healthy))].endpoint
}

func (b *Balancer) selectLeastConnections(healthy []*endpointState) Endpoint {
	best := healthy[0]
	bestConns := best.activeConns.Load()
	for _, st := range healthy[1:] {
		if c := st.activeConns.Load(); c < bestConns {
			best, bestConns = st, c
		}
	}
	return best.endpoint
}

func (b *Balancer) selectWeightedRoundRobin(healthy []*endpointState) Endpoint {
	total := 0
	for _, st := range healthy {
		w := st.endpoint.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total == 0 {
		return healthy[0].endpoint
	}
	pick := int(b.rrCounter.Add(1)-1) % total
	cumulative := 0
	for _, st := range healthy {
		w := st.endpoint.Weight
		if w <= 0 {
			w = 1
		}
		cumulative += w
		if pick < cumulative {
			return st.endpoint
		}
	}
	return healthy[len(healthy)-1].endpoint
}

// selectRandom uses a hash of the current wall clock modulo N, matching
// balancer.rs's "deterministic given a fixed time" semantics rather than a
// PRNG, so it needs no seeded source.
func (b *Balancer) selectRandom(healthy []*endpointState) Endpoint {
	now := uint64(time.Now().UnixNano())
	h := now*2654435761 + 1
	return healthy[h%uint64(len(healthy))].endpoint
}

// ReportHealth updates the consecutive-failure counter and flips health
// status once it crosses failover_threshold; a success resets the counter.
func (b *Balancer) ReportHealth(endpointID string, healthy bool) {
	b.mu.RLock()
	st, ok := b.states[endpointID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	st.lastHealthCheck.Store(time.Now().UnixNano())
	if healthy {
		st.consecutiveFailure.Store(0)
		st.healthy.Store(true)
		return
	}
	n := st.consecutiveFailure.Add(1)
	if int(n) >= b.cfg.FailoverThreshold {
		st.healthy.Store(false)
	}
}

// IncrementConnections records a new connection to an endpoint.
func (b *Balancer) IncrementConnections(endpointID string) {
	b.mu.RLock()
	st, ok := b.states[endpointID]
	b.mu.RUnlock()
	if ok {
		st.activeConns.Add(1)
		st.totalRequests.Add(1)
	}
}

// DecrementConnections records a connection closing against an endpoint.
func (b *Balancer) DecrementConnections(endpointID string) {
	b.mu.RLock()
	st, ok := b.states[endpointID]
	b.mu.RUnlock()
	if ok && st.activeConns.Load() > 0 {
		st.activeConns.Add(-1)
	}
}

// RecordFailure increments an endpoint's failure counter for error-rate
// reporting, independent of the health-check-driven consecutive counter.
func (b *Balancer) RecordFailure(endpointID string) {
	b.mu.RLock()
	st, ok := b.states[endpointID]
	b.mu.RUnlock()
	if ok {
		st.totalFailures.Add(1)
	}
}

// IsHealthy reports an endpoint's current health status.
func (b *Balancer) IsHealthy(endpointID string) bool {
	b.mu.RLock()
	st, ok := b.states[endpointID]
	b.mu.RUnlock()
	return ok && st.healthy.Load()
}
