package bus

import "testing"

func TestSendWithoutRuleIsDenied(t *testing.T) {
	b := NewBus(DefaultConfig())
	if _, err := b.Send("a", "b", "ping", nil, 1); err == nil {
		t.Error("expected send with no matching rule to be rejected")
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	b := NewBus(DefaultConfig())
	b.AllowRule(Rule{Source: "a", Target: "b", AllowedType: map[string]bool{"ping": true}, Status: RuleActive})

	id, err := b.Send("a", "b", "ping", "hello", 1)
	if err != nil {
		t.Fatal(err)
	}
	msg, ok := b.Receive("b")
	if !ok {
		t.Fatal("expected a message to be delivered")
	}
	if msg.ID != id {
		t.Errorf("expected delivered message id %s, got %s", id, msg.ID)
	}
	if _, ok := b.Receive("b"); ok {
		t.Error("expected queue to be empty after single delivery")
	}
}

func TestDisallowedTypeIsRejected(t *testing.T) {
	b := NewBus(DefaultConfig())
	b.AllowRule(Rule{Source: "a", Target: "b", AllowedType: map[string]bool{"ping": true}, Status: RuleActive})
	if _, err := b.Send("a", "b", "shutdown", nil, 1); err == nil {
		t.Error("expected a message type outside the allowed set to be rejected")
	}
}

func TestSuspendedRuleDeniesDelivery(t *testing.T) {
	b := NewBus(DefaultConfig())
	b.AllowRule(Rule{Source: "a", Target: "b", AllowedType: map[string]bool{"ping": true}, Status: RuleSuspended})
	if _, err := b.Send("a", "b", "ping", nil, 1); err == nil {
		t.Error("expected a suspended rule to deny delivery")
	}
}

func TestHighestPriorityMessageReceivedFirst(t *testing.T) {
	b := NewBus(DefaultConfig())
	b.AllowRule(Rule{Source: "a", Target: "b", AllowedType: map[string]bool{"x": true}, Status: RuleActive})

	lowID, _ := b.Send("a", "b", "x", nil, 1)
	highID, _ := b.Send("a", "b", "x", nil, 9)

	first, ok := b.Receive("b")
	if !ok || first.ID != highID {
		t.Error("expected the higher-priority message to be received first")
	}
	second, ok := b.Receive("b")
	if !ok || second.ID != lowID {
		t.Error("expected the lower-priority message to be received second")
	}
}

func TestRateLimitExceededRejectsSend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRateLimit = 2
	b := NewBus(cfg)
	b.AllowRule(Rule{Source: "a", Target: "b", AllowedType: map[string]bool{"x": true}, Status: RuleActive})

	if _, err := b.Send("a", "b", "x", nil, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Send("a", "b", "x", nil, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Send("a", "b", "x", nil, 1); err == nil {
		t.Error("expected the third send within the window to be rate-limited")
	}
}

func TestMaxQueueSizeRejectsSend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 1
	cfg.DefaultRateLimit = 10
	b := NewBus(cfg)
	b.AllowRule(Rule{Source: "a", Target: "b", AllowedType: map[string]bool{"x": true}, Status: RuleActive})

	if _, err := b.Send("a", "b", "x", nil, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Send("a", "b", "x", nil, 1); err == nil {
		t.Error("expected send to be rejected once the queue reaches max_queue_size")
	}
}
