// Package network implements the traffic-pattern / DDoS detector (spec C7)
// and a kill-chain stage tracker supplementing it, grounded in the
// Glossary's "kill chain" definition and the original_source network
// monitoring hints that spec.md's distillation summarized as "traffic
// pattern + DDoS detection" without further detail.
package network

import (
	"sync"
	"time"

	"mcpruntime/internal/ids/common"
)

// Stage is one step of the reconnaissance -> exfiltration kill chain.
type Stage string

const (
	StageReconnaissance Stage = "reconnaissance"
	StageAccess         Stage = "access"
	StagePrivilege      Stage = "privilege"
	StageExfiltration   Stage = "exfiltration"
)

var stageOrder = []Stage{StageReconnaissance, StageAccess, StagePrivilege, StageExfiltration}

func stageRank(s Stage) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Config tunes DDoS thresholds.
type Config struct {
	RequestsPerSecondThreshold int
	WindowSeconds              int
	DistinctPathThreshold      int
}

func DefaultConfig() Config {
	return Config{RequestsPerSecondThreshold: 50, WindowSeconds: 1, DistinctPathThreshold: 20}
}

type identityState struct {
	mu        sync.Mutex
	hits      []time.Time
	paths     map[string]bool
	stage     Stage
	stageSeen map[Stage]time.Time
}

// Monitor tracks per-source traffic and kill-chain progression.
type Monitor struct {
	cfg   Config
	mu    sync.RWMutex
	bySrc map[string]*identityState
}

func NewMonitor(cfg Config) *Monitor {
	d := DefaultConfig()
	if cfg.RequestsPerSecondThreshold > 0 {
		d.RequestsPerSecondThreshold = cfg.RequestsPerSecondThreshold
	}
	if cfg.WindowSeconds > 0 {
		d.WindowSeconds = cfg.WindowSeconds
	}
	if cfg.DistinctPathThreshold > 0 {
		d.DistinctPathThreshold = cfg.DistinctPathThreshold
	}
	return &Monitor{cfg: d, bySrc: make(map[string]*identityState)}
}

// Result is the outcome of Analyze.
type Result struct {
	Suspicious    bool
	DetectionType string
	Severity      common.Severity
	Stage         Stage
}

func (m *Monitor) getState(ip string) *identityState {
	m.mu.RLock()
	s, ok := m.bySrc[ip]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.bySrc[ip]; ok {
		return s
	}
	s = &identityState{paths: make(map[string]bool), stageSeen: make(map[Stage]time.Time)}
	m.bySrc[ip] = s
	return s
}

// Analyze classifies traffic from req.SourceIP as a DDoS-style burst and/or
// a kill-chain stage advance.
func (m *Monitor) Analyze(req common.Request) Result {
	s := m.getState(req.SourceIP)
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-time.Duration(m.cfg.WindowSeconds) * time.Second)
	kept := s.hits[:0]
	for _, t := range s.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.hits = append(kept, now)
	s.paths[req.Path] = true

	res := Result{}
	if len(s.hits) > m.cfg.RequestsPerSecondThreshold {
		res.Suspicious = true
		res.DetectionType = "ddos_burst"
		res.Severity = common.SeverityHigh
	} else if len(s.paths) > m.cfg.DistinctPathThreshold {
		res.Suspicious = true
		res.DetectionType = "scan_behavior"
		res.Severity = common.SeverityMedium
		m.advanceStage(s, StageReconnaissance, now)
	}

	res.Stage = s.stage
	return res
}

// AdvanceStage records an observed kill-chain stage for a source, never
// regressing to an earlier stage.
func (m *Monitor) AdvanceStage(ip string, stage Stage) {
	s := m.getState(ip)
	s.mu.Lock()
	defer s.mu.Unlock()
	m.advanceStage(s, stage, time.Now())
}

func (m *Monitor) advanceStage(s *identityState, stage Stage, now time.Time) {
	s.stageSeen[stage] = now
	if stageRank(stage) > stageRank(s.stage) {
		s.stage = stage
	}
}

// StageOf returns the highest kill-chain stage observed for a source.
func (m *Monitor) StageOf(ip string) Stage {
	s := m.getState(ip)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}
