// Package errors implements the plugin error handler (C14): category and
// severity classification, a static recovery-strategy map, and the
// threshold logic that escalates repeated or critical errors toward
// quarantine or shutdown.
package errors

import (
	"sync"
	"time"
)

// Category is the closed set of plugin error categories.
type Category string

const (
	CategoryOutOfMemory          Category = "out_of_memory"
	CategoryCPULimitExceeded     Category = "cpu_limit_exceeded"
	CategoryNetworkError         Category = "network_error"
	CategoryFileSystemError      Category = "file_system_error"
	CategoryPermissionDenied     Category = "permission_denied"
	CategoryTimeout              Category = "timeout"
	CategoryCrash                Category = "crash"
	CategoryInitializationFailed Category = "initialization_failed"
	CategoryExecutionError       Category = "execution_error"
	CategoryCommunicationError   Category = "communication_error"
	CategorySecurityViolation    Category = "security_violation"
	CategoryUnknown              Category = "unknown"
)

// Severity is the closed set of error severities.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// classify assigns severity deterministically per spec.md §4.14: categories
// with a fixed severity ignore the caller's critical flag; every other
// category is Low, or Critical when the caller asserts a critical context.
func classify(cat Category, critical bool) Severity {
	switch cat {
	case CategorySecurityViolation, CategoryCrash:
		return SeverityCritical
	case CategoryOutOfMemory, CategoryInitializationFailed:
		return SeverityHigh
	case CategoryCPULimitExceeded, CategoryTimeout:
		return SeverityMedium
	default:
		if critical {
			return SeverityCritical
		}
		return SeverityLow
	}
}

// ActionKind is the closed set of recovery actions a handler can return.
type ActionKind string

const (
	ActionNone          ActionKind = "none"
	ActionResourceReset ActionKind = "resource_reset"
	ActionRestart       ActionKind = "restart"
	ActionQuarantine    ActionKind = "quarantine"
	ActionShutdown      ActionKind = "shutdown"
)

// Strategy describes how a category is recovered from absent escalation.
type Strategy struct {
	Action     ActionKind
	MaxRetries int
	Backoff    time.Duration
}

// RecoveryAction is the decision handle returns to its caller.
type RecoveryAction struct {
	Kind       ActionKind
	MaxRetries int
	Backoff    time.Duration
}

// defaultStrategies is the static category → strategy table from spec.md
// §4.14, overridable at construction.
func defaultStrategies() map[Category]Strategy {
	return map[Category]Strategy{
		CategoryOutOfMemory:          {Action: ActionResourceReset},
		CategoryCPULimitExceeded:     {Action: ActionResourceReset},
		CategoryNetworkError:         {Action: ActionRestart, MaxRetries: 3, Backoff: 5 * time.Second},
		CategoryTimeout:              {Action: ActionRestart, MaxRetries: 2, Backoff: 3 * time.Second},
		CategoryCrash:                {Action: ActionRestart, MaxRetries: 3, Backoff: 10 * time.Second},
		CategorySecurityViolation:    {Action: ActionQuarantine},
		CategoryInitializationFailed: {Action: ActionShutdown},
	}
}

// Record is one entry in the error history.
type Record struct {
	Plugin    string
	Category  Category
	Severity  Severity
	Code      string
	Message   string
	Trace     string
	Timestamp time.Time
}

type pluginCounters struct {
	total       int
	byCategory  map[Category]int
	consecutive int
}

// Config tunes thresholds and history bounds.
type Config struct {
	MaxHistorySize            int
	HistoryRetention          time.Duration
	ConsecutiveErrorThreshold int
	CriticalErrorThreshold    int
	AutoRecoveryEnabled       bool
	Strategies                map[Category]Strategy
}

// DefaultConfig matches spec.md §4.14's defaults with auto-recovery on.
func DefaultConfig() Config {
	return Config{
		MaxHistorySize:            1000,
		HistoryRetention:          time.Hour,
		ConsecutiveErrorThreshold: 5,
		CriticalErrorThreshold:    3,
		AutoRecoveryEnabled:       true,
		Strategies:                defaultStrategies(),
	}
}

// Handler implements C14.
type Handler struct {
	mu       sync.Mutex
	cfg      Config
	history  []Record
	counters map[string]*pluginCounters
}

// NewHandler creates a handler. A zero-value Config.Strategies falls back
// to defaultStrategies().
func NewHandler(cfg Config) *Handler {
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = 1000
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = time.Hour
	}
	if cfg.ConsecutiveErrorThreshold <= 0 {
		cfg.ConsecutiveErrorThreshold = 5
	}
	if cfg.CriticalErrorThreshold <= 0 {
		cfg.CriticalErrorThreshold = 3
	}
	if cfg.Strategies == nil {
		cfg.Strategies = defaultStrategies()
	}
	return &Handler{cfg: cfg, counters: make(map[string]*pluginCounters)}
}

func (h *Handler) counterFor(plugin string) *pluginCounters {
	c, ok := h.counters[plugin]
	if !ok {
		c = &pluginCounters{byCategory: make(map[Category]int)}
		h.counters[plugin] = c
	}
	return c
}

func (h *Handler) evictLocked() {
	cutoff := time.Now().Add(-h.cfg.HistoryRetention)
	kept := h.history[:0:0]
	for _, r := range h.history {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	if len(kept) > h.cfg.MaxHistorySize {
		kept = kept[len(kept)-h.cfg.MaxHistorySize:]
	}
	h.history = kept
}

func (h *Handler) criticalCountLocked() int {
	n := 0
	for _, r := range h.history {
		if r.Severity == SeverityCritical {
			n++
		}
	}
	return n
}

// Handle classifies and records an error, then computes the recovery
// action per the five-step decision order in spec.md §4.14.
func (h *Handler) Handle(plugin string, cat Category, code, message, trace string, critical bool) RecoveryAction {
	h.mu.Lock()
	defer h.mu.Unlock()

	sev := classify(cat, critical)
	h.history = append(h.history, Record{
		Plugin: plugin, Category: cat, Severity: sev, Code: code,
		Message: message, Trace: trace, Timestamp: time.Now(),
	})
	h.evictLocked()

	c := h.counterFor(plugin)
	c.total++
	c.byCategory[cat]++
	c.consecutive++

	if !h.cfg.AutoRecoveryEnabled {
		return RecoveryAction{Kind: ActionNone}
	}
	if c.consecutive >= h.cfg.ConsecutiveErrorThreshold {
		return RecoveryAction{Kind: ActionQuarantine}
	}
	if sev == SeverityCritical {
		return RecoveryAction{Kind: ActionQuarantine}
	}
	if h.criticalCountLocked() >= h.cfg.CriticalErrorThreshold {
		return RecoveryAction{Kind: ActionShutdown}
	}

	strat, ok := h.cfg.Strategies[cat]
	if !ok {
		return RecoveryAction{Kind: ActionNone}
	}
	return RecoveryAction{Kind: strat.Action, MaxRetries: strat.MaxRetries, Backoff: strat.Backoff}
}

// ResetConsecutiveErrors clears a plugin's consecutive-error counter. A
// successful lifecycle recovery must call this, per spec.md §4.14.
func (h *Handler) ResetConsecutiveErrors(plugin string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.counters[plugin]; ok {
		c.consecutive = 0
	}
}

// TotalErrors returns a plugin's all-time error count.
func (h *Handler) TotalErrors(plugin string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.counters[plugin]; ok {
		return c.total
	}
	return 0
}

// CategoryCount returns a plugin's error count for a specific category.
func (h *Handler) CategoryCount(plugin string, cat Category) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.counters[plugin]; ok {
		return c.byCategory[cat]
	}
	return 0
}

// History returns a copy of the retained error history.
func (h *Handler) History() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked()
	out := make([]Record, len(h.history))
	copy(out, h.history)
	return out
}
