package behavioral

import (
	"testing"
	"time"

	"mcpruntime/internal/ids/common"
)

func TestLearningPeriodSuppressesAnomalies(t *testing.T) {
	d := NewDetector(Config{MinSampleSize: 5})
	for i := 0; i < 5; i++ {
		res := d.Analyze(common.Request{UserID: "u1", Path: "/a", Timestamp: time.Now()}, 100)
		if res.IsAnomalous {
			t.Errorf("expected no anomaly while learning (sample %d)", i)
		}
		if !res.Learning {
			t.Errorf("expected Learning=true for sample %d (count below threshold)", i)
		}
	}
}

func TestScoreIsClampedToUnitInterval(t *testing.T) {
	d := NewDetector(Config{MinSampleSize: 2})
	for i := 0; i < 10; i++ {
		res := d.Analyze(common.Request{UserID: "u2", Path: "/a", Timestamp: time.Now()}, 100)
		if res.Score < 0 || res.Score > 1 {
			t.Fatalf("score out of [0,1]: %f", res.Score)
		}
	}
}

func TestIdentitySelectionPrefersUserIDThenIP(t *testing.T) {
	r1 := identity(common.Request{UserID: "alice", SourceIP: "1.2.3.4"})
	if r1 != "user:alice" {
		t.Errorf("expected user-id to take priority, got %s", r1)
	}
	r2 := identity(common.Request{SourceIP: "1.2.3.4"})
	if r2 != "ip:1.2.3.4" {
		t.Errorf("expected source-ip fallback, got %s", r2)
	}
}
