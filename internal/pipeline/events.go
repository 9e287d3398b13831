package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventLog is an append-only JSONL timeline per job.
type EventLog struct {
	mu      sync.Mutex
	baseDir string
}

// NewEventLog creates an EventLog rooted at baseDir.
func NewEventLog(baseDir string) *EventLog {
	return &EventLog{baseDir: baseDir}
}

// DefaultEventLog returns an EventLog under stateDir/events.
func DefaultEventLog(stateDir string) (*EventLog, error) {
	dir := filepath.Join(stateDir, "events")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &EventLog{baseDir: dir}, nil
}

func (l *EventLog) eventsPath(id string) string {
	return filepath.Join(l.baseDir, id+".jsonl")
}

// Append durably adds ev to the end of its job's timeline. A zero timestamp is
// filled with the current time. Any failure is returned.
func (l *EventLog) Append(ev Event) error {
	if err := ValidateJobID(ev.JobID); err != nil {
		return err
	}
	if ev.EventType == "" {
		return fmt.Errorf("event for job %s: event_type is required", ev.JobID)
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := AppendLine(l.eventsPath(ev.JobID), line); err != nil {
		return fmt.Errorf("append event for job %s: %w", ev.JobID, err)
	}
	return nil
}

// Read returns the job's events in append order. A job with no events yields
// an empty list. A line that fails to decode is returned as a parse_error
// event carrying the raw text so the list keeps its positions. A trailing
// line without a newline is an append still in flight and is left out.
func (l *EventLog) Read(id string) ([]Event, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("read events for job %s: %w", id, err)
	}
	return decodeEvents(id, data), nil
}

func decodeEvents(id string, data []byte) []Event {
	events := []Event{}
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := bytes.TrimSpace(data[:nl])
		data = data[nl+1:]
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			events = append(events, Event{
				JobID:     id,
				EventType: EventParseError,
				Message:   "unreadable event line",
				Raw:       string(line),
			})
			continue
		}
		events = append(events, ev)
	}
	return events
}
