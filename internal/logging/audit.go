package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditEvent is a single tool execution recorded in the audit trail.
// Events carry correlation IDs so a task's activity can be reconstructed
// after the fact.
type AuditEvent struct {
	Timestamp time.Time      `json:"ts"`
	TaskID    string         `json:"task_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Kind      string         `json:"kind"`
	Params    map[string]any `json:"params,omitempty"`
	Outcome   string         `json:"outcome"` // "ok" or the error kind
	Detail    string         `json:"detail,omitempty"`
	Duration  int64          `json:"duration_ms"`
}

// AuditLog appends events to a JSONL file. Writes are serialized; a failed
// write is reported to the component logger but never fails the caller.
// Audit is diagnostic, not transactional.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// NewAuditLog creates the audit file's directory if needed and returns the
// appender. An empty path yields a disabled log that drops all events.
func NewAuditLog(path string) (*AuditLog, error) {
	if path == "" {
		return &AuditLog{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &AuditLog{path: path}, nil
}

// Append writes one event. Each line is a self-contained JSON object.
func (a *AuditLog) Append(ev AuditEvent) {
	if a.path == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		Named("audit").Warn("drop unmarshalable audit event", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		Named("audit").Warn("audit append failed", zap.Error(err))
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}

// Path returns the backing file path, empty when disabled.
func (a *AuditLog) Path() string {
	return a.path
}

// ReadAuditEvents loads every event from an audit file, oldest first.
// Used by status reporting and tests; tolerant of a missing file.
func ReadAuditEvents(path string) ([]AuditEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []AuditEvent
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("corrupt audit line: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
