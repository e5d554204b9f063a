// Package mcperr defines the unified error taxonomy shared across the
// plugin isolation, security analytics and transport components, and the
// mapping from that taxonomy onto JSON-RPC error codes.
package mcperr

import "fmt"

// Kind is the closed set of top-level error categories. Components return
// *Error rather than ad-hoc error types so the JSON-RPC edge can map any
// surfaced failure to a wire code without per-component translation.
type Kind string

const (
	KindInvalidRequest        Kind = "invalid_request"
	KindMethodNotFound        Kind = "method_not_found"
	KindInvalidParams         Kind = "invalid_params"
	KindInternal              Kind = "internal"
	KindParse                 Kind = "parse"
	KindNetwork               Kind = "network"
	KindJSON                  Kind = "json"
	KindIO                    Kind = "io"
	KindNotSupported          Kind = "not_supported"
	KindConfig                Kind = "config"
	KindInvalidConfiguration  Kind = "invalid_configuration"
	KindTransportError        Kind = "transport_error"
	KindSecurity              Kind = "security"
	KindPlugin                Kind = "plugin"
	KindIsolation             Kind = "isolation"
	KindNotImplemented        Kind = "not_implemented"
	KindCanaryDeployment      Kind = "canary_deployment"
	KindInvalidInput          Kind = "invalid_input"
	KindMetrics               Kind = "metrics"
	KindTrafficSplitting      Kind = "traffic_splitting"
)

// SecurityKind further classifies a KindSecurity error.
type SecurityKind string

const (
	SecurityEncryption        SecurityKind = "encryption"
	SecurityRateLimitExceeded SecurityKind = "rate_limit_exceeded"
	SecurityTLS               SecurityKind = "tls"
	SecurityValidation        SecurityKind = "validation"
	SecurityAuthentication    SecurityKind = "authentication"
	SecurityAuthorization     SecurityKind = "authorization"
	SecurityPolicyViolation   SecurityKind = "policy_violation"
	SecurityConfiguration     SecurityKind = "configuration"
	SecuritySession           SecurityKind = "session"
)

// SessionKind further classifies a SecuritySession error.
type SessionKind string

const (
	SessionNotFound      SessionKind = "not_found"
	SessionExpired       SessionKind = "expired"
	SessionInvalidState  SessionKind = "invalid_state"
	SessionStorage       SessionKind = "storage"
	SessionSerialization SessionKind = "serialization"
	SessionInternal      SessionKind = "internal"
)

// Error is the core error type. Free-form detail rides in Data, matching
// spec's "collapse the sprawling error enums into a core kind + free-form
// string data" design note; JSON-RPC code assignment happens only at the
// protocol edge via Code().
type Error struct {
	Kind         Kind
	SecurityKind SecurityKind // set only when Kind == KindSecurity
	SessionKind  SessionKind  // set only when SecurityKind == SecuritySession
	Message      string
	Data         string
	Wrapped      error
}

func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Data)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs a plain error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a plain error with formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying error as Data/Wrapped while keeping Kind.
func Wrap(kind Kind, message string, err error) *Error {
	data := ""
	if err != nil {
		data = err.Error()
	}
	return &Error{Kind: kind, Message: message, Data: data, Wrapped: err}
}

// Security builds a KindSecurity error with a sub-kind.
func Security(sub SecurityKind, message string) *Error {
	return &Error{Kind: KindSecurity, SecurityKind: sub, Message: message}
}

// SessionError builds a KindSecurity/SecuritySession error with a session sub-kind.
func SessionError(sub SessionKind, message string) *Error {
	return &Error{Kind: KindSecurity, SecurityKind: SecuritySession, SessionKind: sub, Message: message}
}

// JSONRPCCode maps a Kind to the wire code table in spec.md §6. Every kind
// not explicitly listed — including all Security sub-kinds — maps to the
// shared -32000 "server error" bucket, matching "Security (any) | -32000"
// and "default | -32000".
func (e *Error) JSONRPCCode() int {
	switch e.Kind {
	case KindParse:
		return -32700
	case KindInvalidRequest:
		return -32600
	case KindMethodNotFound:
		return -32601
	case KindInvalidParams:
		return -32602
	case KindInternal:
		return -32603
	default:
		return -32000
	}
}

// JSONRPCError is the wire shape returned to JSON-RPC clients.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// ToJSONRPC converts any error into the wire shape, classifying non-*Error
// values as KindInternal.
func ToJSONRPC(err error) JSONRPCError {
	if err == nil {
		return JSONRPCError{}
	}
	var me *Error
	if e, ok := err.(*Error); ok {
		me = e
	} else {
		me = &Error{Kind: KindInternal, Message: err.Error()}
	}
	return JSONRPCError{
		Code:    me.JSONRPCCode(),
		Message: me.Message,
		Data:    me.Data,
	}
}

// Is implements errors.Is matching on Kind, so callers can do
// errors.Is(err, mcperr.New(mcperr.KindSecurity, "")) style checks if desired;
// primarily components compare Kind directly via a type assertion.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
