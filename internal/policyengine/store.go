package policyengine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpruntime/internal/mcperr"
)

// Snapshot is an immutable, timestamped copy of a PolicyConfig, the unit
// of storage and restoration for C3.
type Snapshot struct {
	ID          string
	Sequence    uint64
	Timestamp   time.Time
	Config      PolicyConfig
	Description string
	Tags        []string
}

// Store is a stack of policy snapshots with restore-by-id and restore-by-N,
// grounded on original_source/src/policy/rollback.rs's VecDeque<RollbackPoint>
// (the simpler of the two Rust rollback managers; the canary-coupled one in
// rollback/types.rs is out of scope — canary deployment traffic splitting is
// not part of this runtime's component list).
type Store struct {
	mu           sync.RWMutex
	maxSnapshots int
	nextSeq      uint64
	snapshots    []*Snapshot // oldest first; index 0 is the earliest retained
	active       PolicyConfig
}

// NewStore creates a store seeded with an initial active policy.
func NewStore(initial PolicyConfig, maxSnapshots int) *Store {
	if maxSnapshots <= 0 {
		maxSnapshots = 20
	}
	s := &Store{maxSnapshots: maxSnapshots, active: initial}
	s.snapshot("initial", nil)
	return s
}

// Active returns a copy of the currently active policy.
func (s *Store) Active() PolicyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Update replaces the active policy and records a new snapshot of the
// *previous* active value before swapping, matching the invariant exercised
// by update_with_rollback_point/rollback_to_point in the original: rolling
// back to the point created by Update restores what was active before it.
func (s *Store) Update(next PolicyConfig, description string, tags []string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	point := s.snapshotLocked(description, tags)
	next.UpdatedAt = time.Now().UTC()
	s.active = next
	return point
}

func (s *Store) snapshot(description string, tags []string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(description, tags)
}

func (s *Store) snapshotLocked(description string, tags []string) *Snapshot {
	s.nextSeq++
	point := &Snapshot{
		ID:          uuid.NewString(),
		Sequence:    s.nextSeq,
		Timestamp:   time.Now().UTC(),
		Config:      s.active,
		Description: description,
		Tags:        append([]string(nil), tags...),
	}
	s.snapshots = append(s.snapshots, point)
	// The latest snapshot is never evicted; evict oldest first.
	for len(s.snapshots) > s.maxSnapshots {
		s.snapshots = s.snapshots[1:]
	}
	slog.Info("policy snapshot recorded", "id", point.ID, "sequence", point.Sequence, "description", description)
	return point
}

// Snapshots returns all retained snapshots, oldest first.
func (s *Store) Snapshots() []*Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

// RollbackToPoint restores the active policy to the snapshot with the given id.
func (s *Store) RollbackToPoint(id string) (PolicyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.snapshots {
		if sp.ID == id {
			s.active = sp.Config
			slog.Info("policy rolled back", "id", id, "sequence", sp.Sequence)
			return s.active, nil
		}
	}
	return PolicyConfig{}, mcperr.New(mcperr.KindInvalidInput, "rollback point not found: "+id)
}

// RollbackToLatest restores the most recently recorded snapshot.
func (s *Store) RollbackToLatest() (PolicyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return PolicyConfig{}, mcperr.New(mcperr.KindInvalidInput, "no rollback points available")
	}
	latest := s.snapshots[len(s.snapshots)-1]
	s.active = latest.Config
	return s.active, nil
}

// RollbackNSteps walks back n snapshots from the most recent and restores
// that point (n=1 restores the state just before the most recent Update).
func (s *Store) RollbackNSteps(n int) (PolicyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 || n > len(s.snapshots) {
		return PolicyConfig{}, mcperr.New(mcperr.KindInvalidInput, "rollback step count out of range")
	}
	idx := len(s.snapshots) - n
	s.active = s.snapshots[idx].Config
	return s.active, nil
}

// FindByTag returns all snapshots carrying the given tag, newest first.
func (s *Store) FindByTag(tag string) []*Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Snapshot
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		for _, t := range s.snapshots[i].Tags {
			if t == tag {
				out = append(out, s.snapshots[i])
				break
			}
		}
	}
	return out
}

// CleanupOlderThan evicts snapshots older than the cutoff, always keeping
// at least the latest one.
func (s *Store) CleanupOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) <= 1 {
		return 0
	}
	last := s.snapshots[len(s.snapshots)-1]
	kept := make([]*Snapshot, 0, len(s.snapshots))
	removed := 0
	for _, sp := range s.snapshots[:len(s.snapshots)-1] {
		if sp.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, sp)
	}
	kept = append(kept, last)
	s.snapshots = kept
	return removed
}
