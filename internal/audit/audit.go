// Package audit implements the append-only audit log (spec C2): an
// in-memory ring buffer with level/category filters, optionally mirrored
// to a SQLite file sink. Grounded in internal/storage's events.go/sqlite.go
// SQLite-backed event table (WAL mode, JSON payload column) generalised
// from proxy session events to the closed security-event taxonomy in
// spec.md §3.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Level is the closed severity scale for audit entries.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Category is the closed set of audit categories.
type Category string

const (
	CategoryAuthentication  Category = "authentication"
	CategoryAuthorization   Category = "authorization"
	CategoryDataAccess      Category = "data_access"
	CategorySecurityAttack  Category = "security_attack"
	CategoryConfigChange    Category = "config_change"
	CategoryNetworkActivity Category = "network_activity"
	CategoryError           Category = "error"
)

// Entry is an immutable audit record (spec.md §3 "Audit Entry").
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Category  Category          `json:"category"`
	Message   string            `json:"message"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Action    string            `json:"action,omitempty"`
	Result    string            `json:"result,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Filter narrows a Query.
type Filter struct {
	Level    Level
	Category Category
	UserID   string
	SessionID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

// Log is the audit log: a bounded in-memory ring plus an optional SQLite
// mirror. Writers never mutate past entries (append-only).
type Log struct {
	mu         sync.RWMutex
	maxEntries int
	entries    []Entry
	db         *sql.DB
}

// NewLog creates an in-memory-only audit log.
func NewLog(maxEntries int) *Log {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	return &Log{maxEntries: maxEntries}
}

// NewFileBackedLog creates an audit log mirrored to a SQLite file, matching
// the teacher's WAL-mode SQLiteStore construction pattern.
func NewFileBackedLog(maxEntries int, path string) (*Log, error) {
	l := NewLog(maxEntries)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		user_id TEXT,
		session_id TEXT,
		ip TEXT,
		user_agent TEXT,
		resource TEXT,
		action TEXT,
		result TEXT,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_entries(category);
	CREATE INDEX IF NOT EXISTS idx_audit_level ON audit_entries(level);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run audit migrations: %w", err)
	}
	l.db = db
	slog.Info("audit log file sink initialized", "path", path)
	return l, nil
}

// Record appends an entry, evicting the oldest when the ring is full, and
// mirrors it to the file sink if configured.
func (l *Log) Record(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	l.mu.Unlock()

	if l.db != nil {
		if err := l.persist(e); err != nil {
			slog.Error("failed to persist audit entry", "error", err)
		}
	}
	return e
}

func (l *Log) persist(e Entry) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(context.Background(), `
		INSERT INTO audit_entries
		(id, timestamp, level, category, message, user_id, session_id, ip, user_agent, resource, action, result, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, string(e.Level), string(e.Category), e.Message,
		e.UserID, e.SessionID, e.IP, e.UserAgent, e.Resource, e.Action, e.Result, string(metaJSON))
	return err
}

// Query returns entries matching filter, newest first, from the in-memory
// ring (the authoritative read path; the file sink is write-mirror only).
func (l *Log) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Close releases the file sink, if any.
func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
