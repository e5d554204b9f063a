// Package ids implements the intrusion-detection orchestrator (spec C21):
// it fans a request out to the signature, behavioral, and network
// detectors concurrently, merges their verdicts into a single
// DetectionResult, and hands off to the alert manager when the merged
// verdict is an intrusion. Grounded in internal/alert.Manager's own
// aggregation shape for the EWMA-metrics bookkeeping style.
package ids

import (
	"sync"
	"time"

	"mcpruntime/internal/alert"
	"mcpruntime/internal/ids/behavioral"
	"mcpruntime/internal/ids/common"
	"mcpruntime/internal/ids/network"
	"mcpruntime/internal/ids/signature"
)

// Config enables/disables subsystems and tunes the metrics EWMA.
type Config struct {
	EnableSignature       bool
	EnableBehavioral      bool
	EnableNetwork         bool
	AnalysisTimeEWMAAlpha float64
}

// DefaultConfig enables every subsystem.
func DefaultConfig() Config {
	return Config{
		EnableSignature:       true,
		EnableBehavioral:      true,
		EnableNetwork:         true,
		AnalysisTimeEWMAAlpha: 0.2,
	}
}

// Metrics is the orchestrator's self-reported operational state, per
// spec.md §4.21 ("updates its own metrics: EWMA on analysis time,
// per-type counters, last-update timestamp").
type Metrics struct {
	AnalysisTimeEWMAMS float64
	TotalAnalyzed      uint64
	IntrusionsDetected uint64
	ByDetectionType    map[string]uint64
	LastUpdate         time.Time
}

// Orchestrator fans requests to the signature/behavioral/network
// detectors and merges their verdicts.
type Orchestrator struct {
	cfg Config

	sig    *signature.Detector
	behav  *behavioral.Detector
	netmon *network.Monitor
	alerts *alert.Manager

	mu      sync.Mutex
	metrics Metrics
}

// New builds an orchestrator wired to the given detectors and alert
// manager. alerts may be nil to disable the C8 hand-off.
func New(cfg Config, sig *signature.Detector, behav *behavioral.Detector, netmon *network.Monitor, alerts *alert.Manager) *Orchestrator {
	if cfg.AnalysisTimeEWMAAlpha <= 0 {
		cfg.AnalysisTimeEWMAAlpha = 0.2
	}
	return &Orchestrator{
		cfg:    cfg,
		sig:    sig,
		behav:  behav,
		netmon: netmon,
		alerts: alerts,
		metrics: Metrics{
			ByDetectionType: make(map[string]uint64),
		},
	}
}

type subsystemVerdict struct {
	isIntrusion   bool
	detectionType string
	confidence    float64
	severity      common.Severity
	details       []common.AttackDetail
}

// Analyze fans req to every enabled subsystem concurrently, merges the
// verdicts, decides a recommended action, updates this orchestrator's own
// metrics, and hands the merged result off to the alert manager when it
// represents an intrusion.
func (o *Orchestrator) Analyze(req common.Request) common.DetectionResult {
	start := time.Now()

	var wg sync.WaitGroup
	var sigVerdict, behavVerdict, netVerdict subsystemVerdict

	if o.cfg.EnableSignature && o.sig != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := o.sig.Detect(req)
			sigVerdict = subsystemVerdict{
				isIntrusion:   res.Matched,
				detectionType: string(res.DetectionType),
				confidence:    res.Confidence,
				severity:      res.Severity,
				details:       res.Details,
			}
		}()
	}

	if o.cfg.EnableBehavioral && o.behav != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := o.behav.Analyze(req, len(req.Body))
			if res.IsAnomalous {
				behavVerdict = subsystemVerdict{
					isIntrusion:   true,
					detectionType: "AnomalousBehavior",
					confidence:    res.Score,
					severity:      scoreToSeverity(res.Score),
				}
			}
		}()
	}

	if o.cfg.EnableNetwork && o.netmon != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := o.netmon.Analyze(req)
			if res.Suspicious {
				netVerdict = subsystemVerdict{
					isIntrusion:   true,
					detectionType: res.DetectionType,
					confidence:    severityToConfidence(res.Severity),
					severity:      res.Severity,
				}
			}
		}()
	}

	wg.Wait()

	merged := merge(req, sigVerdict, behavVerdict, netVerdict)
	merged.RecommendedAction = recommendAction(merged.Severity(), merged.Confidence)
	merged.Timestamp = time.Now()
	merged.AnalysisTimeMS = time.Since(start).Milliseconds()

	o.updateMetrics(merged)

	if merged.IsIntrusion && o.alerts != nil {
		o.alerts.SendAlert(alert.Alert{
			Level:             merged.Severity(),
			DetectionType:     merged.DetectionType,
			Confidence:        merged.Confidence,
			SourceIP:          req.SourceIP,
			Description:       "intrusion detected: " + merged.DetectionType,
			RecommendedAction: merged.RecommendedAction,
			Timestamp:         merged.Timestamp,
		})
	}

	return merged.DetectionResult
}

// mergedResult carries the merged severity alongside the public
// DetectionResult shape, since common.DetectionResult has no severity
// field of its own (severity is folded into the recommended-action
// decision and not otherwise exposed).
type mergedResult struct {
	common.DetectionResult
	severity common.Severity
}

func (m mergedResult) Severity() common.Severity { return m.severity }

func merge(req common.Request, sig, behav, netw subsystemVerdict) mergedResult {
	isIntrusion := sig.isIntrusion || behav.isIntrusion || netw.isIntrusion

	detectionType := "Other"
	switch {
	case sig.isIntrusion:
		detectionType = sig.detectionType
	case behav.isIntrusion:
		detectionType = behav.detectionType
	case netw.isIntrusion:
		detectionType = netw.detectionType
	}

	confidence := sig.confidence
	if behav.confidence > confidence {
		confidence = behav.confidence
	}
	if netw.confidence > confidence {
		confidence = netw.confidence
	}

	severity := common.MaxSeverity(sig.severity, common.MaxSeverity(behav.severity, netw.severity))

	var details []common.AttackDetail
	details = append(details, sig.details...)
	details = append(details, behav.details...)
	details = append(details, netw.details...)

	return mergedResult{
		DetectionResult: common.DetectionResult{
			IsIntrusion:   isIntrusion,
			Confidence:    confidence,
			DetectionType: detectionType,
			AttackDetails: details,
			Source: common.SourceInfo{
				IP:        req.SourceIP,
				UserID:    req.UserID,
				SessionID: req.SessionID,
				UserAgent: req.UserAgent,
				Referer:   req.Referer,
			},
		},
		severity: severity,
	}
}

// recommendAction applies the decision table from spec.md §4.21.
func recommendAction(severity common.Severity, confidence float64) common.RecommendedAction {
	switch {
	case severity == common.SeverityCritical && confidence >= 0.8:
		return common.ActionEmergencyResponse
	case severity == common.SeverityHigh && confidence >= 0.7:
		return common.ActionBlocklistIP
	case severity == common.SeverityHigh && confidence >= 0.5:
		return common.ActionBlock
	case severity == common.SeverityMedium && confidence >= 0.6:
		return common.ActionInvalidateSession
	case confidence >= 0.5:
		return common.ActionWarn
	default:
		return common.ActionMonitor
	}
}

// scoreToSeverity maps the behavioral detector's continuous anomaly score
// onto the shared severity scale for merge purposes.
func scoreToSeverity(score float64) common.Severity {
	switch {
	case score >= 0.9:
		return common.SeverityCritical
	case score >= 0.8:
		return common.SeverityHigh
	case score >= 0.7:
		return common.SeverityMedium
	default:
		return common.SeverityLow
	}
}

// severityToConfidence reuses C5's fixed severity-to-confidence mapping
// for subsystems (C7) that report severity but not a confidence score.
func severityToConfidence(s common.Severity) float64 {
	return common.SeverityConfidence(s)
}

func (o *Orchestrator) updateMetrics(m mergedResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.metrics.TotalAnalyzed++
	if m.IsIntrusion {
		o.metrics.IntrusionsDetected++
		o.metrics.ByDetectionType[m.DetectionType]++
	}

	elapsed := float64(m.AnalysisTimeMS)
	if o.metrics.TotalAnalyzed == 1 {
		o.metrics.AnalysisTimeEWMAMS = elapsed
	} else {
		a := o.cfg.AnalysisTimeEWMAAlpha
		o.metrics.AnalysisTimeEWMAMS = a*elapsed + (1-a)*o.metrics.AnalysisTimeEWMAMS
	}
	o.metrics.LastUpdate = m.Timestamp
}

// Metrics returns a snapshot of the orchestrator's operational metrics.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	byType := make(map[string]uint64, len(o.metrics.ByDetectionType))
	for k, v := range o.metrics.ByDetectionType {
		byType[k] = v
	}
	m := o.metrics
	m.ByDetectionType = byType
	return m
}
