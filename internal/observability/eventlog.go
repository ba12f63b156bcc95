package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valter-silva-au/digital-fte/internal/core"
)

// Event types written by the audit log.
const (
	EventTransition = "item.transition"
)

// Event represents a single audit record.
type Event struct {
	ID      string         `json:"id"`
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"` // INFO, WARN, ERROR
	Type    string         `json:"type"`  // e.g. "item.transition", "driver.finished"
	ItemID  string         `json:"item_id,omitempty"`
	Actor   string         `json:"actor,omitempty"`
	From    string         `json:"from,omitempty"`
	To      string         `json:"to,omitempty"`
	Outcome string         `json:"outcome,omitempty"`
	Message string         `json:"msg,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// EventFilter specifies criteria for reading events.
type EventFilter struct {
	Since   *time.Time
	Until   *time.Time
	Type    string
	Level   string
	ItemID  string
	Outcome string
}

// EventLog defines the interface for writing and reading events.
type EventLog interface {
	Write(event Event) error
	Read(filter EventFilter) ([]Event, error)
	Close() error
}

// jsonlEventLog implements EventLog using append-only JSONL files.
type jsonlEventLog struct {
	path string
	file *os.File
	mu   sync.Mutex
	now  func() time.Time
}

// NewJSONLEventLog creates a new EventLog backed by a JSONL file at the
// given path, creating its directory if needed.
func NewJSONLEventLog(path string) (EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &jsonlEventLog{
		path: path,
		file: f,
		now:  time.Now,
	}, nil
}

// Write appends a JSON-encoded event followed by a newline to the log file.
// Each event is a single write so concurrent processes appending to the
// same file do not interleave lines.
func (l *jsonlEventLog) Write(event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = l.now().UTC()
	}
	if event.Level == "" {
		event.Level = "INFO"
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Read opens the log file for reading, scans line by line, decodes each event,
// and returns those matching the given filter.
func (l *jsonlEventLog) Read(filter EventFilter) ([]Event, error) {
	return ReadEvents(l.path, filter)
}

// ReadEvents reads a JSONL audit file without opening it for writing.
// A missing file yields no events.
func ReadEvents(path string, filter EventFilter) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log for reading: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue // skip malformed lines
		}

		if matchesEventFilter(event, filter) {
			events = append(events, event)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning event log: %w", err)
	}

	return events, nil
}

// Close closes the underlying log file.
func (l *jsonlEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}

// matchesEventFilter checks whether an event satisfies all filter criteria.
func matchesEventFilter(event Event, filter EventFilter) bool {
	if filter.Since != nil && event.Time.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && event.Time.After(*filter.Until) {
		return false
	}
	if filter.Type != "" && event.Type != filter.Type {
		return false
	}
	if filter.Level != "" && event.Level != filter.Level {
		return false
	}
	if filter.ItemID != "" && event.ItemID != filter.ItemID {
		return false
	}
	if filter.Outcome != "" && event.Outcome != filter.Outcome {
		return false
	}
	return true
}

// AuditLog adapts an EventLog to core.EventLogger.
type AuditLog struct {
	log EventLog
}

var _ core.EventLogger = (*AuditLog)(nil)

// NewAuditLog wraps an EventLog.
func NewAuditLog(log EventLog) *AuditLog {
	return &AuditLog{log: log}
}

// LogTransition records a stage change or an attempt at one. Conflicts are
// logged at WARN and failures at ERROR.
func (a *AuditLog) LogTransition(t core.Transition) error {
	level := "INFO"
	switch t.Outcome {
	case core.OutcomeConflict:
		level = "WARN"
	case core.OutcomeFailed:
		level = "ERROR"
	}
	return a.log.Write(Event{
		Time:    t.Time.UTC(),
		Level:   level,
		Type:    EventTransition,
		ItemID:  t.ItemID,
		Actor:   t.Actor,
		From:    string(t.From),
		To:      string(t.To),
		Outcome: t.Outcome,
		Message: t.Message,
		Data:    t.Data,
	})
}

// LogEvent records a non-transition event such as driver progress.
func (a *AuditLog) LogEvent(eventType string, data map[string]any) error {
	ev := Event{Type: eventType, Data: data}
	if id, ok := data["item_id"].(string); ok {
		ev.ItemID = id
	}
	if status, ok := data["status"].(string); ok && status == "aborted" {
		ev.Level = "ERROR"
	}
	return a.log.Write(ev)
}

// Close closes the underlying event log.
func (a *AuditLog) Close() error {
	return a.log.Close()
}
