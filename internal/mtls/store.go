package mtls

import (
	"sync"
	"time"

	"mcpruntime/internal/mcperr"
)

// Store tracks issued certificates, their expiry, and revocation, grounded
// on original_source/src/security/mtls/cert_store.rs's grace-period-aware
// expiry and revocation tracking.
type Store struct {
	mu          sync.RWMutex
	byserial    map[string]*Record
	gracePeriod time.Duration
}

// NewStore creates a store with the given grace period applied to
// certificates that are rotated rather than revoked outright.
func NewStore(gracePeriod time.Duration) *Store {
	if gracePeriod <= 0 {
		gracePeriod = 24 * time.Hour
	}
	return &Store{byserial: make(map[string]*Record), gracePeriod: gracePeriod}
}

// Add registers a newly issued certificate.
func (s *Store) Add(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byserial[rec.Serial] = rec
}

// Find returns the record for a serial, refreshing its status against now.
func (s *Store) Find(serial string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byserial[serial]
	if !ok {
		return nil, mcperr.New(mcperr.KindInvalidInput, "certificate not found: "+serial)
	}
	s.refreshLocked(rec)
	return rec, nil
}

func (s *Store) refreshLocked(rec *Record) {
	if rec.Status == StatusRevoked {
		return
	}
	now := time.Now()
	if rec.Status == StatusGracePeriod && now.After(rec.GraceEnd) {
		rec.Status = StatusExpired
		return
	}
	if now.After(rec.NotAfter) && rec.Status != StatusGracePeriod {
		rec.Status = StatusExpired
	}
}

// Revoke marks a certificate as permanently revoked. A revoked certificate
// can never transition back to active (spec.md §3 invariant).
func (s *Store) Revoke(serial string, reason RevocationReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byserial[serial]
	if !ok {
		return mcperr.New(mcperr.KindInvalidInput, "certificate not found: "+serial)
	}
	rec.Status = StatusRevoked
	rec.RevokedAt = time.Now()
	rec.RevocationReason = reason
	return nil
}

// StartGracePeriod transitions a certificate (typically one about to be
// rotated out) into grace period, acceptable until GraceEnd.
func (s *Store) StartGracePeriod(serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byserial[serial]
	if !ok {
		return mcperr.New(mcperr.KindInvalidInput, "certificate not found: "+serial)
	}
	if rec.Status == StatusRevoked {
		return mcperr.New(mcperr.KindInvalidInput, "cannot grace-period a revoked certificate")
	}
	rec.Status = StatusGracePeriod
	rec.GraceEnd = time.Now().Add(s.gracePeriod)
	return nil
}

// CountByStatus returns the number of tracked certificates in each status.
func (s *Store) CountByStatus() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int)
	for _, rec := range s.byserial {
		s.refreshLocked(rec)
		counts[rec.Status]++
	}
	return counts
}

// ExpiringWithin returns records whose not_after falls within the window
// and that are still active — used by the rotation scheduler.
func (s *Store) ExpiringWithin(window time.Duration) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(window)
	var out []*Record
	for _, rec := range s.byserial {
		s.refreshLocked(rec)
		if rec.Status == StatusActive && rec.NotAfter.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}
