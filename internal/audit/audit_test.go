package audit

import "testing"

func TestRingEvictsOldestWhenFull(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Record(Entry{Level: LevelInfo, Category: CategoryError, Message: "x"})
	}
	all := l.Query(Filter{})
	if len(all) != 3 {
		t.Fatalf("expected ring capped at 3 entries, got %d", len(all))
	}
}

func TestQueryFiltersByLevelAndCategory(t *testing.T) {
	l := NewLog(100)
	l.Record(Entry{Level: LevelInfo, Category: CategoryAuthentication, Message: "login"})
	l.Record(Entry{Level: LevelCritical, Category: CategorySecurityAttack, Message: "sqli"})

	res := l.Query(Filter{Level: LevelCritical})
	if len(res) != 1 || res[0].Message != "sqli" {
		t.Errorf("expected to find only the critical entry, got %v", res)
	}

	res = l.Query(Filter{Category: CategoryAuthentication})
	if len(res) != 1 || res[0].Message != "login" {
		t.Errorf("expected to find only the authentication entry, got %v", res)
	}
}

func TestQueryReturnsNewestFirst(t *testing.T) {
	l := NewLog(100)
	l.Record(Entry{Message: "first"})
	l.Record(Entry{Message: "second"})
	res := l.Query(Filter{})
	if res[0].Message != "second" {
		t.Errorf("expected newest-first ordering, got %v", res)
	}
}
