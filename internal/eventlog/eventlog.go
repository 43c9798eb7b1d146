package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/pepper/internal/ndjson"
	"github.com/iambrandonn/pepper/internal/secrets"
)

// Record is one line of an event log
type Record struct {
	At   time.Time      `json:"at"`
	Key  string         `json:"key,omitempty"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// EventLog writes progress events to an NDJSON file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
}

// PathFor returns the log path for a run
func PathFor(workspaceRoot, runID string) string {
	return filepath.Join(workspaceRoot, "events", runID+".ndjson")
}

// NewEventLog creates a new event log
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	// Ensure directory exists
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open file for appending (create if not exists)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Write appends one event. Credential-shaped values in data are redacted.
func (l *EventLog) Write(key, eventType string, data map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("event log is closed")
	}

	return l.encoder.Encode(Record{
		At:   time.Now().UTC(),
		Key:  key,
		Type: eventType,
		Data: secrets.RedactFields(data),
	})
}

// Sink returns a progress sink that records events under key. Write errors
// are logged and otherwise ignored.
func (l *EventLog) Sink(key string) func(string, map[string]any) {
	return func(eventType string, data map[string]any) {
		if err := l.Write(key, eventType, data); err != nil {
			l.logger.Warn("failed to write event log", "key", key, "type", eventType, "error", err)
		}
	}
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
