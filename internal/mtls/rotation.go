package mtls

import (
	"context"
	"log/slog"
	"time"
)

// RotationScheduler periodically re-issues certificates nearing expiry and
// moves the superseded one into grace period, supplementing C9 per
// SPEC_FULL.md (original_source/src/security/mtls/rotation_scheduler.rs).
type RotationScheduler struct {
	ca       *CA
	store    *Store
	window   time.Duration
	interval time.Duration
}

// NewRotationScheduler builds a scheduler that checks every interval for
// certificates expiring within window.
func NewRotationScheduler(ca *CA, store *Store, window, interval time.Duration) *RotationScheduler {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RotationScheduler{ca: ca, store: store, window: window, interval: interval}
}

// Run blocks, rotating certificates until ctx is cancelled. Callers launch
// it in its own goroutine.
func (rs *RotationScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.tick()
		}
	}
}

func (rs *RotationScheduler) tick() {
	for _, rec := range rs.store.ExpiringWithin(rs.window) {
		newRec, _, err := rs.ca.Issue(IssueRequest{
			Subject:  rec.Subject,
			DNSNames: rec.SANs,
			Validity: 365 * 24 * time.Hour,
		})
		if err != nil {
			slog.Error("certificate rotation failed", "serial", rec.Serial, "error", err)
			continue
		}
		rs.store.Add(newRec)
		if err := rs.store.StartGracePeriod(rec.Serial); err != nil {
			slog.Error("failed to grace-period rotated certificate", "serial", rec.Serial, "error", err)
			continue
		}
		slog.Info("certificate rotated", "old_serial", rec.Serial, "new_serial", newRec.Serial)
	}
}
