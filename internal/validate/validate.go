// Package validate implements the rule-engine input validator (spec C4):
// registration of named rules, ordered application with sanitisation
// chaining, and the validate_security shorthand.
package validate

import (
	"fmt"
	"html"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"mcpruntime/internal/mcperr"
)

// Kind is the closed set of validator rule kinds.
type Kind string

const (
	KindSQLInjection  Kind = "sql_injection"
	KindXSSAttack     Kind = "xss_attack"
	KindURLFormat     Kind = "url_format"
	KindEmailFormat   Kind = "email_format"
	KindHTMLTags      Kind = "html_tags"
	KindLengthLimit   Kind = "length_limit"
	KindCustomPattern Kind = "custom_pattern"
)

// Rule is a single named validation step.
type Rule struct {
	Name         string
	Kind         Kind
	Pattern      *regexp.Regexp // for CustomPattern / SqlInjection / XssAttack overrides
	MaxLength    int            // for LengthLimit; 0 means unset
	AllowedTags  map[string]bool
	Required     bool
	ErrorMessage string
}

// Result is the outcome of validate().
type Result struct {
	Valid     bool
	Errors    []string
	Sanitized string
	Applied   []string
}

var defaultSQLPattern = regexp.MustCompile(`(?i)(\bunion\b.*\bselect\b|\bselect\b.*\bfrom\b|\binsert\b.*\binto\b|\bdrop\b\s+\btable\b|\bor\b\s+1\s*=\s*1|--|;--|/\*|\*/|\bxp_cmdshell\b)`)
var defaultXSSPattern = regexp.MustCompile(`(?i)(<script[^>]*>|javascript:|on\w+\s*=|<iframe|<object|<embed|document\.cookie|eval\()`)

// Engine registers and applies rules. Compilation failures surface at
// Register time (a startup error), never at Validate time, matching
// spec.md's "compile eagerly when the rule is registered" contract.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewEngine returns an engine with no rules registered.
func NewEngine() *Engine {
	return &Engine{rules: make(map[string]Rule)}
}

// DefaultEngine returns an engine with the standard sql_injection,
// xss_attack and length_limit rules registered, so ValidateSecurity has
// something to run without the caller hand-assembling the default patterns.
func DefaultEngine() *Engine {
	e := NewEngine()
	_ = e.Register(Rule{Name: "sql_injection", Kind: KindSQLInjection, Pattern: defaultSQLPattern})
	_ = e.Register(Rule{Name: "xss_attack", Kind: KindXSSAttack, Pattern: defaultXSSPattern})
	_ = e.Register(Rule{Name: "length_limit", Kind: KindLengthLimit, MaxLength: 1 << 20})
	return e
}

// Register compiles and stores a rule under its name, overwriting any
// existing rule of the same name (additive per spec, last write wins).
func (e *Engine) Register(r Rule) error {
	if r.Kind == KindCustomPattern && r.Pattern == nil {
		return mcperr.New(mcperr.KindInvalidConfiguration, "custom_pattern rule requires a compiled pattern: "+r.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.Name] = r
	return nil
}

// Validate runs named rules in order, threading the sanitized value of rule
// N into rule N+1.
func (e *Engine) Validate(input string, ruleNames []string) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	res := &Result{Valid: true, Sanitized: input}
	current := input

	for _, name := range ruleNames {
		rule, ok := e.rules[name]
		if !ok {
			return nil, mcperr.New(mcperr.KindInvalidParams, "unknown validation rule: "+name)
		}
		res.Applied = append(res.Applied, name)

		if current == "" {
			if rule.Required {
				res.Valid = false
				res.Errors = append(res.Errors, "Required field")
			}
			continue
		}

		switch rule.Kind {
		case KindSQLInjection:
			pat := rule.Pattern
			if pat == nil {
				pat = defaultSQLPattern
			}
			if pat.MatchString(current) {
				res.Valid = false
				res.Errors = append(res.Errors, errMsg(rule, "input contains SQL injection pattern"))
			}
		case KindXSSAttack:
			pat := rule.Pattern
			if pat == nil {
				pat = defaultXSSPattern
			}
			if pat.MatchString(current) {
				res.Valid = false
				res.Errors = append(res.Errors, errMsg(rule, "input contains XSS pattern"))
			}
		case KindURLFormat:
			if _, err := url.ParseRequestURI(current); err != nil {
				res.Valid = false
				res.Errors = append(res.Errors, errMsg(rule, "invalid URL format"))
			}
		case KindEmailFormat:
			if _, err := mail.ParseAddress(current); err != nil {
				res.Valid = false
				res.Errors = append(res.Errors, errMsg(rule, "invalid email format"))
			}
		case KindHTMLTags:
			current = sanitizeHTMLTags(current, rule.AllowedTags)
			res.Sanitized = current
		case KindLengthLimit:
			if rule.MaxLength > 0 && len(current) > rule.MaxLength {
				res.Valid = false
				res.Errors = append(res.Errors, errMsg(rule, fmt.Sprintf("exceeds max length %d", rule.MaxLength)))
			}
		case KindCustomPattern:
			if rule.Pattern != nil && !rule.Pattern.MatchString(current) {
				res.Valid = false
				res.Errors = append(res.Errors, errMsg(rule, "input does not match required pattern"))
			}
		}
	}

	res.Sanitized = current
	return res, nil
}

// ValidateSecurity runs every registered rule whose kind is one of
// SqlInjection, XssAttack, LengthLimit (spec.md §4.4 shorthand).
func (e *Engine) ValidateSecurity(input string) (*Result, error) {
	e.mu.RLock()
	var names []string
	for name, r := range e.rules {
		if r.Kind == KindSQLInjection || r.Kind == KindXSSAttack || r.Kind == KindLengthLimit {
			names = append(names, name)
		}
	}
	e.mu.RUnlock()
	return e.Validate(input, names)
}

func errMsg(r Rule, fallback string) string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return fallback
}

var tagPattern = regexp.MustCompile(`(?i)</?([a-zA-Z][a-zA-Z0-9]*)[^>]*>`)

// sanitizeHTMLTags strips tags not present in allowed, HTML-escaping the rest.
func sanitizeHTMLTags(input string, allowed map[string]bool) string {
	if len(allowed) == 0 {
		return html.EscapeString(input)
	}
	return tagPattern.ReplaceAllStringFunc(input, func(tag string) string {
		m := tagPattern.FindStringSubmatch(tag)
		if len(m) < 2 {
			return ""
		}
		name := strings.ToLower(m[1])
		if allowed[name] {
			return tag
		}
		return ""
	})
}

// EncodeContext is a deterministic pure output-encoding function keyed by
// wire context, used to neutralise content before it is written back into
// html/text/js/css/url/attribute sinks (spec.md §4.4).
type EncodeContext string

const (
	ContextHTML      EncodeContext = "html"
	ContextText      EncodeContext = "text"
	ContextJS        EncodeContext = "js"
	ContextCSS       EncodeContext = "css"
	ContextURL       EncodeContext = "url"
	ContextAttribute EncodeContext = "attribute"
)

// Encode applies the context-appropriate escaping rules.
func Encode(ctx EncodeContext, input string) string {
	switch ctx {
	case ContextHTML, ContextText:
		return html.EscapeString(input)
	case ContextAttribute:
		var b strings.Builder
		for _, r := range input {
			switch r {
			case '&':
				b.WriteString("&amp;")
			case '"':
				b.WriteString("&quot;")
			case '\'':
				b.WriteString("&#39;")
			case '<':
				b.WriteString("&lt;")
			case '>':
				b.WriteString("&gt;")
			default:
				b.WriteRune(r)
			}
		}
		return b.String()
	case ContextJS:
		var b strings.Builder
		for _, r := range input {
			switch {
			case r == '<' || r == '>' || r == '"' || r == '\'' || r == '&' || r == '\\' || r < 0x20:
				fmt.Fprintf(&b, `\u%04x`, r)
			default:
				b.WriteRune(r)
			}
		}
		return b.String()
	case ContextCSS:
		var b strings.Builder
		for _, r := range input {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
				continue
			}
			fmt.Fprintf(&b, `\%06x`, r)
		}
		return b.String()
	case ContextURL:
		return url.QueryEscape(input)
	default:
		return input
	}
}
