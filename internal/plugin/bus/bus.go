// Package bus implements the inter-plugin message bus (C13): a rule-gated,
// rate-limited, priority-ordered delivery queue between plugins. The
// sliding-window rate limiter is hand-rolled rather than built on a
// token-bucket library because spec.md requires exact timestamp-pruning
// semantics (a log of recent sends per plugin, not an averaged rate), which
// no package in the pack's dependency surface provides.
package bus

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpruntime/internal/mcperr"
)

// RuleStatus is the closed set of states a communication rule can be in.
type RuleStatus string

const (
	RuleActive    RuleStatus = "active"
	RuleDisabled  RuleStatus = "disabled"
	RuleSuspended RuleStatus = "suspended"
)

// Rule gates which message types may flow from Source to Target.
type Rule struct {
	Source      string
	Target      string
	AllowedType map[string]bool
	Priority    int
	Status      RuleStatus
}

// EventKind names the events recorded in communication history.
type EventKind string

const (
	EventMessageSent     EventKind = "message_sent"
	EventMessageReceived EventKind = "message_received"
	EventMessageRejected EventKind = "message_rejected"
)

// HistoryEvent is a single communication-history record.
type HistoryEvent struct {
	Kind      EventKind
	MessageID string
	From      string
	To        string
	Result    string
	Timestamp time.Time
}

// Message is a unit of inter-plugin communication.
type Message struct {
	ID       string
	From     string
	To       string
	Type     string
	Payload  any
	Priority int
	SentAt   time.Time
}

// messageHeap is a max-heap on Priority, implementing container/heap.Interface.
type messageHeap []*Message

func (h messageHeap) Len() int            { return len(h) }
func (h messageHeap) Less(i, j int) bool  { return h[i].Priority > h[j].Priority }
func (h messageHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x any)         { *h = append(*h, x.(*Message)) }
func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Config tunes rate limiting and queue bounds.
type Config struct {
	RateLimitWindow  time.Duration
	DefaultRateLimit int
	MaxQueueSize     int
	HistoryRetention time.Duration
}

// DefaultConfig matches spec.md §4.13's defaults.
func DefaultConfig() Config {
	return Config{
		RateLimitWindow:  time.Second,
		DefaultRateLimit: 100,
		MaxQueueSize:     10000,
		HistoryRetention: 24 * time.Hour,
	}
}

// Bus is the inter-plugin message bus.
type Bus struct {
	mu        sync.Mutex
	cfg       Config
	rules     map[ruleKey]*Rule
	queue     messageHeap
	sendTimes map[string][]time.Time // per-source sliding window log
	history   []HistoryEvent
}

type ruleKey struct{ source, target string }

// NewBus creates an empty bus. Callers add rules with AllowRule before any
// traffic is permitted — the default for any (source, target) pair absent
// from the rule map is deny.
func NewBus(cfg Config) *Bus {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Second
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = 100
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 24 * time.Hour
	}
	b := &Bus{
		cfg:       cfg,
		rules:     make(map[ruleKey]*Rule),
		sendTimes: make(map[string][]time.Time),
	}
	heap.Init(&b.queue)
	return b
}

// AllowRule installs or replaces a communication rule.
func (b *Bus) AllowRule(rule Rule) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := rule
	b.rules[ruleKey{rule.Source, rule.Target}] = &r
}

func (b *Bus) pruneWindowLocked(from string, now time.Time) {
	times := b.sendTimes[from]
	cutoff := now.Add(-b.cfg.RateLimitWindow)
	kept := times[:0:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.sendTimes[from] = kept
}

func (b *Bus) recordLocked(kind EventKind, messageID, from, to, result string) {
	b.history = append(b.history, HistoryEvent{
		Kind: kind, MessageID: messageID, From: from, To: to, Result: result, Timestamp: time.Now(),
	})
}

// Send enqueues a message from `from` to `to`, enforcing the per-source rate
// limit, the rule map, and the queue capacity, in that order (spec.md
// §4.13). It returns the new message's ID.
func (b *Bus) Send(from, to, msgType string, payload any, priority int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.pruneWindowLocked(from, now)
	if len(b.sendTimes[from]) >= b.cfg.DefaultRateLimit {
		b.recordLocked(EventMessageRejected, "", from, to, "rate_limit_exceeded")
		return "", mcperr.Security(mcperr.SecurityRateLimitExceeded, "plugin exceeded message rate limit")
	}

	rule, ok := b.rules[ruleKey{from, to}]
	if !ok || rule.Status != RuleActive || !rule.AllowedType[msgType] {
		b.recordLocked(EventMessageRejected, "", from, to, "rule_denied")
		return "", mcperr.New(mcperr.KindSecurity, "communication from "+from+" to "+to+" is not permitted")
	}

	if b.queue.Len() >= b.cfg.MaxQueueSize {
		b.recordLocked(EventMessageRejected, "", from, to, "queue_full")
		return "", mcperr.New(mcperr.KindInternal, "message queue is full")
	}

	msg := &Message{
		ID:       uuid.NewString(),
		From:     from,
		To:       to,
		Type:     msgType,
		Payload:  payload,
		Priority: priority,
		SentAt:   now,
	}
	heap.Push(&b.queue, msg)
	b.sendTimes[from] = append(b.sendTimes[from], now)
	b.recordLocked(EventMessageSent, msg.ID, from, to, "pending")
	return msg.ID, nil
}

// Receive pops the highest-priority message addressed to plugin, if any.
// The queue is cooperative: receivers poll rather than being pushed to.
func (b *Bus) Receive(plugin string) (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stash []*Message
	var found *Message
	for b.queue.Len() > 0 {
		msg := heap.Pop(&b.queue).(*Message)
		if msg.To == plugin && found == nil {
			found = msg
			continue
		}
		stash = append(stash, msg)
	}
	for _, msg := range stash {
		heap.Push(&b.queue, msg)
	}
	if found == nil {
		return nil, false
	}
	b.recordLocked(EventMessageReceived, found.ID, found.From, found.To, "delivered")
	return found, true
}

// QueueDepth reports the number of messages currently queued.
func (b *Bus) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// History returns communication-history events newer than the retention
// window, pruning older entries as a side effect.
func (b *Bus) History() []HistoryEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-b.cfg.HistoryRetention)
	kept := b.history[:0:0]
	for _, ev := range b.history {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	b.history = kept
	out := make([]HistoryEvent, len(kept))
	copy(out, kept)
	return out
}
