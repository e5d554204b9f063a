// Package failover implements C19, tracking primary-to-backup endpoint
// mappings and restoring session state across a failover, grounded on
// original_source/src/transport/websocket/failover.rs's FailoverManager
// shape.
package failover

import (
	"math"
	"sync"
	"time"

	"mcpruntime/internal/mcperr"
	"mcpruntime/internal/transport/balancer"
)

// Status is the closed set of failover states.
type Status string

const (
	StatusNormal     Status = "normal"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event records a single failover attempt.
type Event struct {
	Timestamp    time.Time
	FromEndpoint string
	ToEndpoint   string
	Status       Status
	ErrorMessage string
}

// SessionState is the subset of session data preserved across a failover.
type SessionState struct {
	SessionID       string
	LastActivity    time.Time
	PendingMessages []string
	Metadata        map[string]string
}

// Config tunes retry backoff, grounded on FailoverConfig::default.
type Config struct {
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
}

// DefaultConfig matches failover.rs's defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialRetryDelay: time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

type mapping struct {
	primary           string
	backups           []balancer.Endpoint
	activeBackupIndex int
	retryCount        int
}

// Manager is the failover manager.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	mappings map[string]*mapping
	active   map[string]Status
	sessions map[string]*SessionState
	history  []Event
}

// NewManager creates a failover manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:      cfg,
		mappings: make(map[string]*mapping),
		active:   make(map[string]Status),
		sessions: make(map[string]*SessionState),
	}
}

// RegisterBackup appends backup to primary's ordered backup list.
func (m *Manager) RegisterBackup(primary string, backup balancer.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[primary]
	if !ok {
		mp = &mapping{primary: primary}
		m.mappings[primary] = mp
	}
	mp.backups = append(mp.backups, backup)
}

// RetryDelay returns initial * multiplier^attempt, capped at max_retry_delay.
func (m *Manager) RetryDelay(attempt int) time.Duration {
	delaySecs := m.cfg.InitialRetryDelay.Seconds() * math.Pow(m.cfg.BackoffMultiplier, float64(attempt))
	capped := math.Min(delaySecs, m.cfg.MaxRetryDelay.Seconds())
	return time.Duration(capped * float64(time.Second))
}

// TriggerFailover advances primary to its next backup (round-robin,
// wrapping) and records a completed FailoverEvent, per spec.md §4.19.
func (m *Manager) TriggerFailover(primary string) (balancer.Endpoint, error) {
	m.mu.Lock()
	mp, ok := m.mappings[primary]
	if !ok || len(mp.backups) == 0 {
		m.mu.Unlock()
		return balancer.Endpoint{}, mcperr.New(mcperr.KindTransportError, "no backup endpoints registered for "+primary)
	}
	m.active[primary] = StatusInProgress

	if mp.retryCount >= m.cfg.MaxRetries {
		m.active[primary] = StatusFailed
		m.history = append(m.history, Event{
			Timestamp: time.Now(), FromEndpoint: primary, Status: StatusFailed,
			ErrorMessage: "max_retries exceeded",
		})
		m.mu.Unlock()
		return balancer.Endpoint{}, mcperr.New(mcperr.KindTransportError, "failover exhausted max_retries for "+primary)
	}

	backup := mp.backups[mp.activeBackupIndex]
	mp.activeBackupIndex = (mp.activeBackupIndex + 1) % len(mp.backups)
	mp.retryCount++

	m.active[primary] = StatusCompleted
	m.history = append(m.history, Event{
		Timestamp: time.Now(), FromEndpoint: primary, ToEndpoint: backup.ID, Status: StatusCompleted,
	})
	m.mu.Unlock()
	return backup, nil
}

// IsFailoverActive reports whether a primary endpoint currently has a
// failover in progress.
func (m *Manager) IsFailoverActive(primary string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[primary] == StatusInProgress
}

// ResetRetryCount clears a primary's retry counter after a successful
// reconnection to it, allowing future failovers their full retry budget.
func (m *Manager) ResetRetryCount(primary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.mappings[primary]; ok {
		mp.retryCount = 0
	}
	m.active[primary] = StatusNormal
}

// History returns up to limit most-recent failover events, newest first.
func (m *Manager) History(limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.history[n-1-i]
	}
	return out
}

// SaveSession stores session state ahead of a failover.
func (m *Manager) SaveSession(state SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := state
	m.sessions[state.SessionID] = &s
}

// RestoreSession returns the saved state for a session, or NotFound.
func (m *Manager) RestoreSession(sessionID string) (SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return SessionState{}, mcperr.SessionError(mcperr.SessionNotFound, "no saved session state for "+sessionID)
	}
	return *s, nil
}
