package websocket

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"mcpruntime/internal/audit"
	"mcpruntime/internal/config"
	"mcpruntime/internal/session"
)

func newTestHandler() *Handler {
	return NewHandler(&config.WebSocketConfig{}, "X-Session-ID", nil, nil)
}

func TestWithAuditLogReturnsSameHandler(t *testing.T) {
	h := newTestHandler()
	log := audit.NewLog(10)

	if got := h.WithAuditLog(log); got != h {
		t.Fatal("WithAuditLog should return the same handler for chaining")
	}
	if h.auditLog != log {
		t.Fatal("WithAuditLog did not attach the audit log")
	}
}

func TestRecordControlAudit_NoopWithoutAuditLog(t *testing.T) {
	h := newTestHandler()
	sess := session.NewSession("sess-1", "backend-a", "127.0.0.1")

	// Must not panic when no audit log is wired in.
	h.recordControlAudit(sess, audit.LevelInfo, "realtime session established", map[string]string{"protocol": "openai-realtime"})
}

func TestRecordControlAudit_RecordsEstablishAndTeardown(t *testing.T) {
	h := newTestHandler()
	log := audit.NewLog(10)
	h.WithAuditLog(log)

	sess := session.NewSession("sess-1", "backend-a", "127.0.0.1")

	h.recordControlAudit(sess, audit.LevelInfo, "realtime session established", map[string]string{
		"protocol": "openai-realtime",
		"event":    "session.created",
	})
	h.recordControlAudit(sess, audit.LevelInfo, "realtime session ended", map[string]string{
		"protocol": "openai-realtime",
		"reason":   "client_hangup",
	})

	entries := log.Query(audit.Filter{SessionID: "sess-1", Category: audit.CategoryNetworkActivity})
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries for the session, got %d", len(entries))
	}

	messages := map[string]bool{}
	for _, e := range entries {
		messages[e.Message] = true
		if e.SessionID != "sess-1" {
			t.Errorf("entry session id = %q, want sess-1", e.SessionID)
		}
	}
	if !messages["realtime session established"] || !messages["realtime session ended"] {
		t.Fatalf("expected both establish and teardown messages, got %+v", entries)
	}
}

func TestIsWebSocketRequest(t *testing.T) {
	cases := []struct {
		name       string
		connection string
		upgrade    string
		want       bool
	}{
		{"valid upgrade", "Upgrade", "websocket", true},
		{"case-insensitive", "upgrade", "WebSocket", true},
		{"multi-value connection header", "keep-alive, Upgrade", "websocket", true},
		{"missing upgrade header", "Upgrade", "", false},
		{"missing connection header", "", "websocket", false},
		{"plain http request", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.connection != "" {
				req.Header.Set("Connection", tc.connection)
			}
			if tc.upgrade != "" {
				req.Header.Set("Upgrade", tc.upgrade)
			}
			if got := IsWebSocketRequest(req); got != tc.want {
				t.Errorf("IsWebSocketRequest() = %v, want %v", got, tc.want)
			}
		})
	}
}
