// Package alert implements the alert manager (spec C8): bounded history,
// per-(source_ip, detection_type) aggregation with threshold-driven
// notification, and channel fan-out.
package alert

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpruntime/internal/ids/common"
)

// Channel is the closed set of notification channel kinds.
type Channel string

const (
	ChannelEmail         Channel = "email"
	ChannelSlack         Channel = "slack"
	ChannelLog           Channel = "log"
	ChannelCustomWebhook Channel = "custom_webhook"
)

// Sink delivers an alert to one channel. Implementations wrap whatever
// transport a channel uses (SMTP, Slack webhook POST, slog, arbitrary
// HTTP webhook); a failure is returned, never panics.
type Sink interface {
	Send(a Alert) error
}

// ChannelConfig pairs a sink with the minimum level it should receive.
type ChannelConfig struct {
	Channel  Channel
	MinLevel common.Severity
	Sink     Sink
}

// Alert is a single security event surfaced to the alert manager.
type Alert struct {
	ID                string
	Level             common.Severity
	DetectionType     string
	Confidence        float64
	SourceIP          string
	Description       string
	RecommendedAction common.RecommendedAction
	Timestamp         time.Time
}

type aggregateKey struct {
	sourceIP      string
	detectionType string
}

type aggregate struct {
	count          int
	lastOccurrence time.Time
	affectedIPs    map[string]bool
}

// Config tunes aggregation and rate limiting.
type Config struct {
	MaxHistory                int
	AggregationWindowSeconds  int
	AggregationThreshold      int
	NotificationRateLimitSecs int
}

func DefaultConfig() Config {
	return Config{
		MaxHistory:                10000,
		AggregationWindowSeconds:  300,
		AggregationThreshold:      10,
		NotificationRateLimitSecs: 60,
	}
}

// Manager is the alert manager.
type Manager struct {
	cfg      Config
	mu       sync.Mutex
	history  []Alert
	aggs     map[aggregateKey]*aggregate
	channels []ChannelConfig
	// notificationTotal is the monotonically increasing count of
	// threshold/critical-driven notifications, per the invariant in
	// spec.md §4.7.
	notificationTotal uint64
}

// NewManager builds a manager with zero-value cfg fields defaulted.
func NewManager(cfg Config) *Manager {
	d := DefaultConfig()
	if cfg.MaxHistory > 0 {
		d.MaxHistory = cfg.MaxHistory
	}
	if cfg.AggregationWindowSeconds > 0 {
		d.AggregationWindowSeconds = cfg.AggregationWindowSeconds
	}
	if cfg.AggregationThreshold > 0 {
		d.AggregationThreshold = cfg.AggregationThreshold
	}
	if cfg.NotificationRateLimitSecs > 0 {
		d.NotificationRateLimitSecs = cfg.NotificationRateLimitSecs
	}
	return &Manager{cfg: d, aggs: make(map[aggregateKey]*aggregate)}
}

// AddChannel registers a notification channel.
func (m *Manager) AddChannel(cc ChannelConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, cc)
}

// SendResult reports per-channel delivery outcomes.
type SendResult struct {
	Alert    Alert
	Notified bool
	Failures map[Channel]error
}

// SendAlert pushes to history, aggregates by (source_ip, detection_type),
// and notifies channels when the aggregation threshold is crossed or the
// alert is Critical (which bypasses aggregation entirely).
func (m *Manager) SendAlert(a Alert) SendResult {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.history = append(m.history, a)
	if len(m.history) > m.cfg.MaxHistory {
		m.history = m.history[len(m.history)-m.cfg.MaxHistory:]
	}

	key := aggregateKey{sourceIP: a.SourceIP, detectionType: a.DetectionType}
	agg, ok := m.aggs[key]
	if !ok {
		agg = &aggregate{affectedIPs: make(map[string]bool)}
		m.aggs[key] = agg
	}
	agg.count++
	agg.lastOccurrence = a.Timestamp
	agg.affectedIPs[a.SourceIP] = true

	notify := false
	if a.Level == common.SeverityCritical {
		notify = true
	} else if agg.count >= m.cfg.AggregationThreshold {
		notify = true
		agg.count = 0
	}
	if notify {
		m.notificationTotal++
	}
	m.mu.Unlock()

	result := SendResult{Alert: a, Notified: notify, Failures: map[Channel]error{}}
	if !notify {
		return result
	}

	m.mu.Lock()
	channels := append([]ChannelConfig(nil), m.channels...)
	m.mu.Unlock()

	for _, cc := range channels {
		if cc.Sink == nil {
			continue
		}
		if a.Level.Rank() < cc.MinLevel.Rank() {
			continue
		}
		if err := cc.Sink.Send(a); err != nil {
			slog.Error("alert channel delivery failed", "channel", cc.Channel, "error", err)
			result.Failures[cc.Channel] = err
		}
	}
	return result
}

// NotificationTotal returns the monotonically increasing notification count.
func (m *Manager) NotificationTotal() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notificationTotal
}

// History returns a copy of the retained alert history.
func (m *Manager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.history))
	copy(out, m.history)
	return out
}

// LogSink is the always-available channel writing through slog, matching
// the teacher's ambient logging convention.
type LogSink struct{}

func (LogSink) Send(a Alert) error {
	slog.Warn("security alert", "id", a.ID, "level", a.Level, "type", a.DetectionType,
		"source_ip", a.SourceIP, "confidence", a.Confidence, "action", a.RecommendedAction)
	return nil
}

// SlackColor maps severity to the Slack attachment colour convention in
// spec.md §6.
func SlackColor(s common.Severity) string {
	switch s {
	case common.SeverityCritical:
		return "danger"
	case common.SeverityHigh:
		return "warning"
	case common.SeverityMedium:
		return "#FFA500"
	default:
		return "good"
	}
}

// SlackPayload is the wire shape posted to a Slack incoming webhook.
type SlackPayload struct {
	Text        string             `json:"text"`
	Attachments []SlackAttachment  `json:"attachments"`
}

type SlackAttachment struct {
	Color  string            `json:"color"`
	Fields []SlackField      `json:"fields"`
	Footer string            `json:"footer"`
	TS     int64             `json:"ts"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// BuildSlackPayload renders an alert into the standard Slack shape.
func BuildSlackPayload(a Alert) SlackPayload {
	return SlackPayload{
		Text: a.Description,
		Attachments: []SlackAttachment{{
			Color: SlackColor(a.Level),
			Fields: []SlackField{
				{Title: "Detection Type", Value: a.DetectionType, Short: true},
				{Title: "Source IP", Value: a.SourceIP, Short: true},
				{Title: "Recommended Action", Value: string(a.RecommendedAction), Short: true},
			},
			Footer: "mcp-server-runtime",
			TS:     a.Timestamp.Unix(),
		}},
	}
}
