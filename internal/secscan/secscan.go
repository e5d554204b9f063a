// Package secscan implements the security validation composite scan
// (spec C22): a static pattern scan of plugin source, a dynamic
// resource-usage check, a permission-vs-manifest diff, and a
// known-vulnerable-version lookup, merged into one scored ScanResult.
// Grounded on plugin_isolation/security_validation.rs's
// calculate_overall_assessment deduction table, and on
// internal/ids/signature's compiled-regex catalogue for the static pass.
package secscan

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpruntime/internal/sandbox"
)

// Severity is the five-point scale security_validation.rs's IssueSeverity
// uses; it carries an Info tier that the rest of the security analytics
// core's four-point Severity scale (common.Severity) does not need.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Type is the kind of scan requested, mirroring ValidationType.
type Type string

const (
	TypeBasic         Type = "basic"
	TypeStandard      Type = "standard"
	TypeComprehensive Type = "comprehensive"
	TypeCustom        Type = "custom"
)

// Status is the closed set of scan outcomes.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// FindingType classifies where a Finding originated.
type FindingType string

const (
	FindingSecurityIssue     FindingType = "security_issue"
	FindingAnomalousBehavior FindingType = "anomalous_behavior"
	FindingVulnerability     FindingType = "vulnerability"
	FindingPermissionIssue   FindingType = "permission_issue"
)

// Finding is one issue surfaced by any of the four checks.
type Finding struct {
	ID             string
	Type           FindingType
	Severity       Severity
	Title          string
	Description    string
	Recommendation string
	Confidence     int
	DetectedAt     time.Time
}

// StaticPattern is one entry in the static-analysis catalogue.
type StaticPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Severity    Severity
	Description string
}

// SecurityIssue is a single static-pattern hit against plugin source.
type SecurityIssue struct {
	PatternName string
	Severity    Severity
	Description string
}

// StaticResult is the outcome of the static source scan.
type StaticResult struct {
	IssuesFound      int
	SecurityScore    int
	CodeQualityScore int
	Issues           []SecurityIssue
}

// ResourceUsage is a caller-supplied snapshot of a plugin's observed
// runtime resource consumption, standing in for the original's live
// process tracing — the dynamic check compares it against the plugin's
// sandbox resource policy rather than instrumenting execution itself.
type ResourceUsage struct {
	CPUPercent          int
	MemoryMB            int
	ExternalConnections int
	UnexpectedFileWrite bool
}

// AnomalousBehavior is one resource-usage deviation found by the
// dynamic check.
type AnomalousBehavior struct {
	Description string
	Severity    Severity
}

// DynamicResult is the outcome of the dynamic resource-usage check.
type DynamicResult struct {
	AnomalousBehaviors  []AnomalousBehavior
	ExternalConnections int
}

// Vulnerability is a known-vulnerable dependency hit.
type Vulnerability struct {
	Component    string
	Version      string
	Title        string
	Description  string
	Severity     Severity
	FixedVersion string
}

// VulnerabilityResult is the outcome of the dependency version lookup.
type VulnerabilityResult struct {
	Vulnerabilities []Vulnerability
}

// PermissionViolationType classifies a permission mismatch.
type PermissionViolationType string

const (
	ViolationInsufficientPermission PermissionViolationType = "insufficient_permission"
	ViolationExplicitlyDenied       PermissionViolationType = "explicitly_denied"
	ViolationUndeclared             PermissionViolationType = "undeclared"
)

// PermissionViolation is one mismatch between requested and declared
// permissions.
type PermissionViolation struct {
	Type   PermissionViolationType
	Reason string
}

// PermissionResult is the outcome of the permission-vs-manifest diff.
type PermissionResult struct {
	Violations      []PermissionViolation
	PermissionScore int
}

// ScanResult is the composite outcome of validating one plugin.
type ScanResult struct {
	PluginID        string
	ScanID          string
	Type            Type
	OverallScore    int
	SecurityLevel   sandbox.Level
	Status          Status
	Static          *StaticResult
	Dynamic         *DynamicResult
	Vulnerability   *VulnerabilityResult
	Permission      *PermissionResult
	Findings        []Finding
	Recommendations []string
	StartedAt       time.Time
	CompletedAt     time.Time
	Duration        time.Duration
}

// Request bundles everything a scan needs about one plugin.
type Request struct {
	PluginID             string
	Type                 Type
	CustomChecks         []string
	Source               []byte
	ManifestPermissions  []sandbox.Permission
	RequestedPermissions []sandbox.Permission
	ResourcePolicy       sandbox.ResourcePolicy
	Usage                ResourceUsage
	Dependencies         map[string]string // component -> installed version
}

// VulnerabilityEntry is one dependency-version advisory in the database.
type VulnerabilityEntry struct {
	Title              string
	Description        string
	Severity           Severity
	VulnerableVersions map[string]bool
	FixedVersion       string
}

// Config tunes the scanner's catalogues.
type Config struct {
	StaticPatterns  []StaticPattern
	VulnerabilityDB map[string]VulnerabilityEntry
}

// DefaultConfig installs the built-in static pattern catalogue and a
// small seed vulnerability database.
func DefaultConfig() Config {
	return Config{
		StaticPatterns:  defaultStaticPatterns(),
		VulnerabilityDB: defaultVulnerabilityDB(),
	}
}

// Scanner runs composite security validation scans.
type Scanner struct {
	cfg Config
}

// New builds a scanner from cfg; zero-value fields fall back to defaults.
func New(cfg Config) *Scanner {
	d := DefaultConfig()
	if cfg.StaticPatterns != nil {
		d.StaticPatterns = cfg.StaticPatterns
	}
	if cfg.VulnerabilityDB != nil {
		d.VulnerabilityDB = cfg.VulnerabilityDB
	}
	return &Scanner{cfg: d}
}

func wants(req Request, check string) bool {
	switch req.Type {
	case TypeBasic:
		return check == "static"
	case TypeStandard:
		return check == "static" || check == "vulnerability"
	case TypeCustom:
		for _, c := range req.CustomChecks {
			if c == check {
				return true
			}
		}
		return false
	default: // Comprehensive
		return true
	}
}

// Scan runs the checks req.Type selects, concurrently, and merges them
// into a scored ScanResult.
func (s *Scanner) Scan(ctx context.Context, req Request) ScanResult {
	start := time.Now()
	result := ScanResult{
		PluginID:  req.PluginID,
		ScanID:    uuid.NewString(),
		Type:      req.Type,
		Status:    StatusCompleted,
		StartedAt: start,
	}

	var wg sync.WaitGroup
	var static *StaticResult
	var dynamic *DynamicResult
	var vuln *VulnerabilityResult
	var perm *PermissionResult

	if wants(req, "static") {
		wg.Add(1)
		go func() { defer wg.Done(); r := s.scanStatic(req.Source); static = &r }()
	}
	if wants(req, "dynamic") {
		wg.Add(1)
		go func() { defer wg.Done(); r := s.checkDynamic(req.ResourcePolicy, req.Usage); dynamic = &r }()
	}
	if wants(req, "vulnerability") {
		wg.Add(1)
		go func() { defer wg.Done(); r := s.scanVulnerabilities(req.Dependencies); vuln = &r }()
	}
	if wants(req, "permission") {
		wg.Add(1)
		go func() { defer wg.Done(); r := checkPermissions(req.ManifestPermissions, req.RequestedPermissions); perm = &r }()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		result.Status = StatusTimedOut
	}

	result.Static = static
	result.Dynamic = dynamic
	result.Vulnerability = vuln
	result.Permission = perm

	assess(&result)

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(start)
	return result
}

// scanStatic matches the pattern catalogue against plugin source, the
// same compiled-once-matched-many-times shape as internal/ids/signature.
func (s *Scanner) scanStatic(source []byte) StaticResult {
	src := string(source)
	res := StaticResult{SecurityScore: 100, CodeQualityScore: 100}
	for _, p := range s.cfg.StaticPatterns {
		if p.Regex.MatchString(src) {
			res.IssuesFound++
			res.Issues = append(res.Issues, SecurityIssue{
				PatternName: p.Name,
				Severity:    p.Severity,
				Description: p.Description,
			})
			res.SecurityScore -= severityDeduction(p.Severity, staticDeductions)
		}
	}
	if res.SecurityScore < 0 {
		res.SecurityScore = 0
	}
	if res.IssuesFound > 5 {
		res.CodeQualityScore = 60
	}
	return res
}

// checkDynamic compares an observed resource-usage sample against the
// plugin's sandbox resource policy.
func (s *Scanner) checkDynamic(policy sandbox.ResourcePolicy, usage ResourceUsage) DynamicResult {
	res := DynamicResult{ExternalConnections: usage.ExternalConnections}
	if policy.CPUPercent > 0 && usage.CPUPercent > policy.CPUPercent {
		res.AnomalousBehaviors = append(res.AnomalousBehaviors, AnomalousBehavior{
			Description: "cpu usage exceeded sandbox policy limit",
			Severity:    SeverityHigh,
		})
	}
	if policy.MemoryMB > 0 && usage.MemoryMB > policy.MemoryMB {
		res.AnomalousBehaviors = append(res.AnomalousBehaviors, AnomalousBehavior{
			Description: "memory usage exceeded sandbox policy limit",
			Severity:    SeverityHigh,
		})
	}
	if usage.ExternalConnections > 10 {
		res.AnomalousBehaviors = append(res.AnomalousBehaviors, AnomalousBehavior{
			Description: "unusually high number of external connections",
			Severity:    SeverityMedium,
		})
	}
	if usage.UnexpectedFileWrite {
		res.AnomalousBehaviors = append(res.AnomalousBehaviors, AnomalousBehavior{
			Description: "file write observed outside declared policy",
			Severity:    SeverityCritical,
		})
	}
	return res
}

// scanVulnerabilities looks up each declared dependency's installed
// version against the vulnerability database's exact-version set.
func (s *Scanner) scanVulnerabilities(deps map[string]string) VulnerabilityResult {
	var res VulnerabilityResult
	for component, version := range deps {
		entry, ok := s.cfg.VulnerabilityDB[component]
		if !ok || !entry.VulnerableVersions[version] {
			continue
		}
		res.Vulnerabilities = append(res.Vulnerabilities, Vulnerability{
			Component:    component,
			Version:      version,
			Title:        entry.Title,
			Description:  entry.Description,
			Severity:     entry.Severity,
			FixedVersion: entry.FixedVersion,
		})
	}
	return res
}

// checkPermissions diffs a plugin's requested permissions against both
// the closed permission set and its manifest's declared permissions.
func checkPermissions(declared, requested []sandbox.Permission) PermissionResult {
	declaredSet := make(map[sandbox.Permission]bool, len(declared))
	for _, p := range declared {
		declaredSet[p] = true
	}

	res := PermissionResult{PermissionScore: 100}
	for _, p := range requested {
		if !sandbox.IsValidPermission(p) {
			res.Violations = append(res.Violations, PermissionViolation{
				Type:   ViolationInsufficientPermission,
				Reason: "requested permission is not in the closed permission set: " + string(p),
			})
			res.PermissionScore -= 5
			continue
		}
		if !declaredSet[p] {
			res.Violations = append(res.Violations, PermissionViolation{
				Type:   ViolationUndeclared,
				Reason: "requested permission not declared in plugin manifest: " + string(p),
			})
			res.PermissionScore -= 15
		}
	}
	if res.PermissionScore < 0 {
		res.PermissionScore = 0
	}
	return res
}

var staticDeductions = map[Severity]int{
	SeverityCritical: 30, SeverityHigh: 20, SeverityMedium: 10, SeverityLow: 5, SeverityInfo: 1,
}
var dynamicDeductions = map[Severity]int{
	SeverityCritical: 30, SeverityHigh: 20, SeverityMedium: 10, SeverityLow: 5, SeverityInfo: 1,
}
var vulnerabilityDeductions = map[Severity]int{
	SeverityCritical: 40, SeverityHigh: 25, SeverityMedium: 15, SeverityLow: 5, SeverityInfo: 1,
}

func severityDeduction(sev Severity, table map[Severity]int) int {
	return table[sev]
}

// assess folds the four checks' results into an overall 0-100 score,
// a security level, and a findings/recommendations list, matching
// calculate_overall_assessment's deduct-from-100 scoring.
func assess(result *ScanResult) {
	score := 100
	var findings []Finding
	var recommendations []string

	if result.Static != nil {
		score -= (100 - result.Static.SecurityScore)
		for _, issue := range result.Static.Issues {
			findings = append(findings, Finding{
				ID: uuid.NewString(), Type: FindingSecurityIssue, Severity: issue.Severity,
				Title: issue.PatternName, Description: issue.Description,
				Recommendation: "review and remediate the flagged source pattern",
				Confidence:     90, DetectedAt: time.Now(),
			})
		}
		if result.Static.CodeQualityScore < 70 {
			recommendations = append(recommendations, "improve code quality and reduce complexity")
		}
	}

	if result.Dynamic != nil {
		for _, b := range result.Dynamic.AnomalousBehaviors {
			score -= severityDeduction(b.Severity, dynamicDeductions)
			findings = append(findings, Finding{
				ID: uuid.NewString(), Type: FindingAnomalousBehavior, Severity: b.Severity,
				Title: "anomalous runtime behavior", Description: b.Description,
				Recommendation: "review and fix suspicious runtime behavior",
				Confidence:     85, DetectedAt: time.Now(),
			})
		}
		if result.Dynamic.ExternalConnections > 10 {
			recommendations = append(recommendations, "review network communication patterns")
		}
	}

	if result.Vulnerability != nil {
		for _, v := range result.Vulnerability.Vulnerabilities {
			score -= severityDeduction(v.Severity, vulnerabilityDeductions)
			fixed := v.FixedVersion
			if fixed == "" {
				fixed = "latest"
			}
			findings = append(findings, Finding{
				ID: uuid.NewString(), Type: FindingVulnerability, Severity: v.Severity,
				Title: v.Title, Description: v.Description,
				Recommendation: "update " + v.Component + " to version " + fixed + " or later",
				Confidence:     95, DetectedAt: time.Now(),
			})
		}
		if len(result.Vulnerability.Vulnerabilities) > 0 {
			recommendations = append(recommendations, "address all identified vulnerabilities")
		}
	}

	if result.Permission != nil {
		for _, v := range result.Permission.Violations {
			switch v.Type {
			case ViolationInsufficientPermission:
				score -= 5
			case ViolationExplicitlyDenied:
				score -= 15
			case ViolationUndeclared:
				score -= 15
			}
			findings = append(findings, Finding{
				ID: uuid.NewString(), Type: FindingPermissionIssue, Severity: SeverityMedium,
				Title: string(v.Type), Description: v.Reason,
				Recommendation: "review and fix permission configuration",
				Confidence:     80, DetectedAt: time.Now(),
			})
		}
		if result.Permission.PermissionScore < 80 {
			recommendations = append(recommendations, "review permission requirements and configuration")
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	result.OverallScore = score
	result.SecurityLevel = levelForScore(score)
	result.Findings = findings
	result.Recommendations = recommendations
}

// levelForScore maps a 0-100 overall score onto sandbox's risk-tier
// levels, matching calculate_overall_assessment's 90/70/50/20 bands.
func levelForScore(score int) sandbox.Level {
	switch {
	case score >= 90:
		return sandbox.LevelSafe
	case score >= 70:
		return sandbox.LevelLowRisk
	case score >= 50:
		return sandbox.LevelMediumRisk
	case score >= 20:
		return sandbox.LevelHighRisk
	default:
		return sandbox.LevelDangerous
	}
}

func re(pattern string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + pattern)
}

// defaultStaticPatterns is a small catalogue of risky source constructs,
// distinct from internal/ids/signature's web-attack catalogue since it
// targets plugin source code rather than inbound HTTP traffic.
func defaultStaticPatterns() []StaticPattern {
	return []StaticPattern{
		{Name: "hardcoded-secret", Regex: re(`(api[_-]?key|secret|password)\s*[:=]\s*["'][A-Za-z0-9+/=]{12,}["']`), Severity: SeverityHigh, Description: "hardcoded credential literal"},
		{Name: "shell-exec", Regex: re(`\bos\.system\s*\(|exec\.Command\s*\(`), Severity: SeverityHigh, Description: "direct shell command execution"},
		{Name: "eval-usage", Regex: re(`\beval\s*\(`), Severity: SeverityCritical, Description: "dynamic code evaluation"},
		{Name: "insecure-tls", Regex: re(`InsecureSkipVerify\s*:\s*true`), Severity: SeverityCritical, Description: "TLS certificate verification disabled"},
		{Name: "world-writable", Regex: re(`chmod\s+0?777\b`), Severity: SeverityMedium, Description: "overly permissive file mode"},
		{Name: "raw-sql-concat", Regex: re(`"\s*\+\s*\w+\s*\+\s*"|fmt\.Sprintf\(["'].*select.*["']`), Severity: SeverityMedium, Description: "string-concatenated SQL query"},
	}
}

// defaultVulnerabilityDB is a small seed advisory database keyed by
// component name, matching VulnerabilityEntry's detection-pattern shape.
func defaultVulnerabilityDB() map[string]VulnerabilityEntry {
	return map[string]VulnerabilityEntry{
		"log4j": {
			Title: "remote code execution via JNDI lookup", Severity: SeverityCritical,
			VulnerableVersions: map[string]bool{"2.14.0": true, "2.14.1": true, "2.15.0": true},
			FixedVersion:       "2.17.1",
		},
		"openssl": {
			Title: "heartbeat buffer over-read", Severity: SeverityHigh,
			VulnerableVersions: map[string]bool{"1.0.1": true, "1.0.1a": true, "1.0.1f": true},
			FixedVersion:       "1.0.1g",
		},
	}
}
