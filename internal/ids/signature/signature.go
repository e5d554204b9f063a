// Package signature implements the signature-based intrusion detector
// (spec C5): a preloaded catalogue of compiled-regex attack patterns
// matched against a check-string set extracted from each request.
//
// Pattern families and counts are grounded in
// original_source/src/security/signature.rs (SQLi/XSS/path-traversal/
// command-injection categories); regex literal style follows
// internal/config.go's OWASP preset rules (case-insensitive, compiled once
// at construction).
package signature

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"mcpruntime/internal/ids/common"
)

// DetectionType is the closed set of attack categories this detector knows.
type DetectionType string

const (
	TypeSQLInjection     DetectionType = "sql_injection"
	TypeXSS              DetectionType = "xss"
	TypePathTraversal    DetectionType = "path_traversal"
	TypeCommandInjection DetectionType = "command_injection"
)

// Pattern is one entry in the catalogue.
type Pattern struct {
	ID            string
	Name          string
	DetectionType DetectionType
	Regex         *regexp.Regexp
	Severity      common.Severity
	Description   string
	CVEs          []string
	Enabled       bool
}

// CustomRule lets callers extend detection beyond the built-in catalogue;
// it runs after pattern matching and may only raise severity, never lower
// it, matching spec.md's "custom rules ... may raise severity".
type CustomRule func(checkStrings []string) (matched bool, severity common.Severity, name string)

// Result is the outcome of Detect.
type Result struct {
	Matched       bool
	Confidence    float64
	DetectionType DetectionType
	PatternNames  []string
	Severity      common.Severity
	Details       []common.AttackDetail
}

// Detector holds the compiled catalogue and optional custom rules.
type Detector struct {
	patterns []Pattern
	custom   []CustomRule
}

// NewDetector builds a detector with the default catalogue installed.
func NewDetector() *Detector {
	return &Detector{patterns: defaultCatalogue()}
}

// Register adds or replaces a pattern by ID.
func (d *Detector) Register(p Pattern) {
	for i, existing := range d.patterns {
		if existing.ID == p.ID {
			d.patterns[i] = p
			return
		}
	}
	d.patterns = append(d.patterns, p)
}

// RegisterCustomRule adds a custom closure-based rule evaluated after the
// built-in catalogue.
func (d *Detector) RegisterCustomRule(r CustomRule) {
	d.custom = append(d.custom, r)
}

// checkStrings assembles the set of byte sequences to match against: the
// URL path, each query key=value, each header value for cookie/referer/
// user-agent headers, and the decoded body.
func checkStrings(req common.Request) []string {
	var out []string
	out = append(out, req.Path)
	for k, v := range req.Query {
		out = append(out, k+"="+v)
	}
	for name, v := range req.Headers {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "cookie") || strings.Contains(lower, "referer") || strings.Contains(lower, "user-agent") {
			out = append(out, v)
		}
	}
	if len(req.Body) > 0 {
		out = append(out, string(req.Body))
	}
	return out
}

// Detect matches every enabled pattern against every check-string, records
// the first hit per pattern, and returns the highest-severity match.
func (d *Detector) Detect(req common.Request) Result {
	strs := checkStrings(req)

	var matchedPatterns []Pattern
	for _, p := range d.patterns {
		if !p.Enabled {
			continue
		}
		for _, s := range strs {
			if p.Regex.MatchString(s) {
				matchedPatterns = append(matchedPatterns, p)
				break
			}
		}
	}

	res := Result{}
	if len(matchedPatterns) == 0 {
		res = applyCustomRules(res, strs, d.custom)
		return res
	}

	sort.SliceStable(matchedPatterns, func(i, j int) bool {
		return matchedPatterns[i].Severity.Rank() > matchedPatterns[j].Severity.Rank()
	})
	top := matchedPatterns[0]

	res.Matched = true
	res.DetectionType = top.DetectionType
	res.Severity = top.Severity
	res.Confidence = common.SeverityConfidence(top.Severity)
	for _, p := range matchedPatterns {
		res.PatternNames = append(res.PatternNames, p.Name)
		res.Details = append(res.Details, common.AttackDetail{
			PatternName: p.Name,
			Description: p.Description,
			Severity:    p.Severity,
			CVEs:        p.CVEs,
		})
	}

	return applyCustomRules(res, strs, d.custom)
}

func applyCustomRules(res Result, strs []string, custom []CustomRule) Result {
	for _, rule := range custom {
		matched, severity, name := rule(strs)
		if !matched {
			continue
		}
		if !res.Matched {
			res.Matched = true
			res.DetectionType = "custom"
			res.Severity = severity
			res.Confidence = common.SeverityConfidence(severity)
			res.PatternNames = append(res.PatternNames, name)
			continue
		}
		if severity.Rank() > res.Severity.Rank() {
			res.Severity = severity
			res.Confidence = common.SeverityConfidence(severity)
		}
		res.PatternNames = append(res.PatternNames, name)
	}
	return res
}

func re(pattern string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + pattern)
}

// defaultCatalogue returns the built-in 50-pattern catalogue: 15 SQL
// injection, 15 XSS, 10 path traversal, 10 command injection.
func defaultCatalogue() []Pattern {
	var cat []Pattern
	add := func(id, name string, t DetectionType, pattern string, sev common.Severity, desc string) {
		cat = append(cat, Pattern{
			ID: id, Name: name, DetectionType: t, Regex: re(pattern),
			Severity: sev, Description: desc, Enabled: true,
		})
	}

	// SQL injection (15)
	add("sqli-001", "union-select", TypeSQLInjection, `\bunion\b\s+(all\s+)?\bselect\b`, common.SeverityHigh, "UNION SELECT stacking")
	add("sqli-002", "or-1-equals-1", TypeSQLInjection, `\bor\b\s+['"]?1['"]?\s*=\s*['"]?1`, common.SeverityHigh, "tautology injection")
	add("sqli-003", "comment-terminator", TypeSQLInjection, `(--|#|/\*)\s*$`, common.SeverityMedium, "SQL comment terminator")
	add("sqli-004", "stacked-drop-table", TypeSQLInjection, `;\s*drop\s+table`, common.SeverityCritical, "stacked DROP TABLE")
	add("sqli-005", "insert-into", TypeSQLInjection, `\binsert\b\s+into\b.+\bvalues\b`, common.SeverityMedium, "INSERT statement injection")
	add("sqli-006", "sleep-timing", TypeSQLInjection, `\bsleep\s*\(\s*\d+\s*\)`, common.SeverityHigh, "time-based blind SQLi")
	add("sqli-007", "benchmark-timing", TypeSQLInjection, `\bbenchmark\s*\(`, common.SeverityHigh, "benchmark-based blind SQLi")
	add("sqli-008", "xp-cmdshell", TypeSQLInjection, `\bxp_cmdshell\b`, common.SeverityCritical, "MSSQL command shell extended proc")
	add("sqli-009", "waitfor-delay", TypeSQLInjection, `\bwaitfor\s+delay\b`, common.SeverityHigh, "MSSQL time-based injection")
	add("sqli-010", "information-schema", TypeSQLInjection, `\binformation_schema\b`, common.SeverityMedium, "schema enumeration")
	add("sqli-011", "concat-chr-injection", TypeSQLInjection, `\bconcat\s*\(.*\bchr\s*\(`, common.SeverityMedium, "obfuscated string concatenation")
	add("sqli-012", "hex-encoded-payload", TypeSQLInjection, `0x[0-9a-f]{10,}`, common.SeverityLow, "hex-encoded SQL literal")
	add("sqli-013", "having-1-equals-1", TypeSQLInjection, `\bhaving\b\s+1\s*=\s*1`, common.SeverityMedium, "HAVING tautology")
	add("sqli-014", "order-by-probe", TypeSQLInjection, `\border\s+by\s+\d{2,}`, common.SeverityLow, "column-count probing")
	add("sqli-015", "exec-sp", TypeSQLInjection, `\bexec(ute)?\s*\(?\s*sp_`, common.SeverityCritical, "stored procedure execution")

	// XSS (15)
	add("xss-001", "script-tag", TypeXSS, `<script[^>]*>`, common.SeverityHigh, "inline script tag")
	add("xss-002", "javascript-protocol", TypeXSS, `javascript:`, common.SeverityMedium, "javascript: URI scheme")
	add("xss-003", "onerror-handler", TypeXSS, `on\w+\s*=\s*["']?[^"'>]*`, common.SeverityMedium, "inline event handler attribute")
	add("xss-004", "iframe-injection", TypeXSS, `<iframe[^>]*>`, common.SeverityMedium, "iframe injection")
	add("xss-005", "img-onerror", TypeXSS, `<img[^>]+onerror`, common.SeverityHigh, "image onerror payload")
	add("xss-006", "svg-onload", TypeXSS, `<svg[^>]+onload`, common.SeverityHigh, "SVG onload payload")
	add("xss-007", "document-cookie", TypeXSS, `document\.cookie`, common.SeverityMedium, "cookie theft attempt")
	add("xss-008", "eval-call", TypeXSS, `\beval\s*\(`, common.SeverityHigh, "eval() invocation")
	add("xss-009", "data-uri-html", TypeXSS, `data:text/html`, common.SeverityMedium, "data URI HTML payload")
	add("xss-010", "style-expression", TypeXSS, `expression\s*\(`, common.SeverityLow, "CSS expression() (legacy IE)")
	add("xss-011", "base64-script", TypeXSS, `data:.*base64.*script`, common.SeverityMedium, "base64-smuggled script")
	add("xss-012", "object-embed", TypeXSS, `<(object|embed)[^>]*>`, common.SeverityMedium, "plugin object/embed injection")
	add("xss-013", "unicode-escape-bypass", TypeXSS, `\\u00(3c|3e)`, common.SeverityLow, "unicode-escaped angle bracket")
	add("xss-014", "meta-refresh", TypeXSS, `<meta[^>]+http-equiv\s*=\s*["']?refresh`, common.SeverityLow, "meta refresh redirect")
	add("xss-015", "template-injection", TypeXSS, `\{\{.*constructor.*\}\}`, common.SeverityHigh, "client template injection")

	// Path traversal (10)
	add("path-001", "dot-dot-slash", TypePathTraversal, `\.\./`, common.SeverityMedium, "relative path traversal")
	add("path-002", "dot-dot-backslash", TypePathTraversal, `\.\.\\`, common.SeverityMedium, "windows-style path traversal")
	add("path-003", "encoded-dot-dot", TypePathTraversal, `%2e%2e(%2f|%5c|/)`, common.SeverityMedium, "url-encoded traversal")
	add("path-004", "double-encoded-dot-dot", TypePathTraversal, `%252e%252e`, common.SeverityHigh, "double url-encoded traversal")
	add("path-005", "etc-passwd", TypePathTraversal, `/etc/passwd`, common.SeverityCritical, "unix passwd file probe")
	add("path-006", "windows-system32", TypePathTraversal, `[wW][iI][nN][nN][tT]|system32`, common.SeverityHigh, "windows system directory probe")
	add("path-007", "null-byte-truncation", TypePathTraversal, `%00`, common.SeverityHigh, "null-byte path truncation")
	add("path-008", "proc-self-environ", TypePathTraversal, `/proc/self/environ`, common.SeverityCritical, "proc environ disclosure")
	add("path-009", "absolute-root-path", TypePathTraversal, `^/(etc|var|root|home)/`, common.SeverityLow, "absolute sensitive path")
	add("path-010", "web-inf-probe", TypePathTraversal, `WEB-INF/web\.xml`, common.SeverityHigh, "java WEB-INF disclosure")

	// Command injection (10)
	add("cmd-001", "shell-metachar-chain", TypeCommandInjection, `[;&|]\s*(cat|ls|whoami|id|uname)\b`, common.SeverityHigh, "shell metacharacter command chaining")
	add("cmd-002", "backtick-substitution", TypeCommandInjection, "`[^`]+`", common.SeverityHigh, "backtick command substitution")
	add("cmd-003", "dollar-paren-substitution", TypeCommandInjection, `\$\([^)]+\)`, common.SeverityHigh, "$() command substitution")
	add("cmd-004", "netcat-reverse-shell", TypeCommandInjection, `\bnc\s+-e\b`, common.SeverityCritical, "netcat reverse shell")
	add("cmd-005", "wget-curl-pipe-sh", TypeCommandInjection, `(wget|curl)\b.*\|\s*(ba)?sh`, common.SeverityCritical, "download-and-execute pipeline")
	add("cmd-006", "python-os-system", TypeCommandInjection, `os\.system\s*\(`, common.SeverityHigh, "python os.system call")
	add("cmd-007", "powershell-encodedcommand", TypeCommandInjection, `-enc(odedcommand)?\s+[A-Za-z0-9+/=]{20,}`, common.SeverityHigh, "powershell encoded command")
	add("cmd-008", "chmod-777", TypeCommandInjection, `chmod\s+(-[rRf]+\s+)?777`, common.SeverityMedium, "overly permissive chmod")
	add("cmd-009", "base64-decode-pipe-sh", TypeCommandInjection, `base64\s+-d.*\|\s*(ba)?sh`, common.SeverityCritical, "base64-obfuscated execution")
	add("cmd-010", "env-variable-injection", TypeCommandInjection, `\benv\s+[A-Z_]+=.*\b(bash|sh)\b`, common.SeverityMedium, "environment-variable command injection")

	return cat
}

// AnalysisTimestamp is a seam allowing tests to inject a fixed time.
var AnalysisTimestamp = time.Now
