// Package identity implements session store + RBAC (spec C10) and token
// revocation (spec C11). The in-memory map-behind-RWMutex pattern is
// grounded in internal/session.MemoryStore; the Redis-backed revocation
// list is grounded in internal/session.RedisStore's go-redis/v9 usage.
package identity

import (
	"sync"
	"time"

	"mcpruntime/internal/mcperr"
)

// SessionState is the closed set of session states (spec.md §3).
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionIdle       SessionState = "idle"
	SessionExpired    SessionState = "expired"
	SessionTerminated SessionState = "terminated"
)

// Session is the entity owned by C10.
type Session struct {
	ID         string
	UserID     string
	State      SessionState
	CreatedAt  time.Time
	LastActive time.Time
	ExpiresAt  time.Time
	Metadata   map[string]string
}

// Role is an RBAC role; Permission is a (resource, action) capability
// string, e.g. "plugin:restart". This supplements C10 per SPEC_FULL.md,
// grounded on original_source/src/session/access_control.rs.
type Role string

// ACL maps roles to permission sets.
type ACL struct {
	mu    sync.RWMutex
	roles map[Role]map[string]bool
}

// NewACL creates an empty ACL.
func NewACL() *ACL {
	return &ACL{roles: make(map[Role]map[string]bool)}
}

// Grant adds a permission to a role.
func (a *ACL) Grant(role Role, permission string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roles[role] == nil {
		a.roles[role] = make(map[string]bool)
	}
	a.roles[role][permission] = true
}

// Can reports whether role has permission.
func (a *ACL) Can(role Role, permission string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.roles[role][permission]
}

// Store manages sessions with a per-user concurrent-session cap. Only
// Active sessions count toward the cap; expired sessions are evicted
// before the cap check (spec.md §3 invariant).
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxPerUser  int
	idleTimeout time.Duration
	userRoles   map[string]Role
	acl         *ACL
}

// NewStore creates a session store with the given per-user concurrency cap.
func NewStore(maxPerUser int, idleTimeout time.Duration, acl *ACL) *Store {
	if maxPerUser <= 0 {
		maxPerUser = 5
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if acl == nil {
		acl = NewACL()
	}
	return &Store{
		sessions:    make(map[string]*Session),
		maxPerUser:  maxPerUser,
		idleTimeout: idleTimeout,
		userRoles:   make(map[string]Role),
		acl:         acl,
	}
}

// SetUserRole assigns a role to a user for ACL checks.
func (s *Store) SetUserRole(userID string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRoles[userID] = role
}

// Can checks whether a session's user is permitted an action.
func (s *Store) Can(sessionID, permission string) bool {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.RUnlock()
		return false
	}
	role := s.userRoles[sess.UserID]
	s.mu.RUnlock()
	return s.acl.Can(role, permission)
}

// evictExpiredLocked marks timed-out active sessions as Expired, in place.
func (s *Store) evictExpiredLocked(now time.Time) {
	for _, sess := range s.sessions {
		if sess.State != SessionActive {
			continue
		}
		if (!sess.ExpiresAt.IsZero() && now.After(sess.ExpiresAt)) || now.Sub(sess.LastActive) > s.idleTimeout {
			sess.State = SessionExpired
		}
	}
}

func (s *Store) countActive(userID string) int {
	n := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.State == SessionActive {
			n++
		}
	}
	return n
}

// Create opens a new session for userID, rejecting if the per-user
// concurrent-session cap would be exceeded after evicting expired sessions.
func (s *Store) Create(id, userID string, ttl time.Duration) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.evictExpiredLocked(now)

	if s.countActive(userID) >= s.maxPerUser {
		return nil, mcperr.New(mcperr.KindSecurity, "concurrent session limit exceeded")
	}

	sess := &Session{
		ID:         id,
		UserID:     userID,
		State:      SessionActive,
		CreatedAt:  now,
		LastActive: now,
		ExpiresAt:  now.Add(ttl),
		Metadata:   make(map[string]string),
	}
	s.sessions[id] = sess
	return sess, nil
}

// Touch refreshes LastActive, moving an Idle session back to Active.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return mcperr.SessionError(mcperr.SessionNotFound, "session not found: "+id)
	}
	if sess.State == SessionExpired || sess.State == SessionTerminated {
		return mcperr.SessionError(mcperr.SessionInvalidState, "session is not active: "+string(sess.State))
	}
	sess.State = SessionActive
	sess.LastActive = time.Now()
	return nil
}

// Terminate ends a session explicitly.
func (s *Store) Terminate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return mcperr.SessionError(mcperr.SessionNotFound, "session not found: "+id)
	}
	sess.State = SessionTerminated
	return nil
}

// Get returns a copy of a session, refreshing its state first.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(time.Now())
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, mcperr.SessionError(mcperr.SessionNotFound, "session not found: "+id)
	}
	return *sess, nil
}

// ActiveCountForUser reports the current concurrent-session count.
func (s *Store) ActiveCountForUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(time.Now())
	return s.countActive(userID)
}
