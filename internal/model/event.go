package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a domain event received from the message broker.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	ContextKey string         `json:"context_key"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

// ParseEvent decodes a broker message body into an Event and applies defaults.
// A missing context_key falls back to the event type so every event lands in
// some context window.
func ParseEvent(body []byte) (*Event, error) {
	var raw struct {
		EventID    string         `json:"event_id"`
		EventType  string         `json:"event_type"`
		ContextKey string         `json:"context_key"`
		Timestamp  *time.Time     `json:"timestamp"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid event JSON: %w", err)
	}
	if raw.EventType == "" {
		return nil, fmt.Errorf("event missing event_type")
	}
	if raw.EventID == "" {
		return nil, fmt.Errorf("event missing event_id")
	}

	event := &Event{
		EventID:    raw.EventID,
		EventType:  raw.EventType,
		ContextKey: raw.ContextKey,
		Data:       raw.Data,
	}
	if event.ContextKey == "" {
		event.ContextKey = raw.EventType
	}
	if event.Data == nil {
		event.Data = map[string]any{}
	}
	if raw.Timestamp != nil {
		event.Timestamp = raw.Timestamp.UTC()
	} else {
		event.Timestamp = time.Now().UTC()
	}
	return event, nil
}

// ContextEntry is the compact form stored in a context window. The context key
// is the window key itself and is not repeated per entry.
type ContextEntry struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// ToContextEntry converts the event to its window storage form.
func (e *Event) ToContextEntry() ContextEntry {
	return ContextEntry{
		EventID:   e.EventID,
		EventType: e.EventType,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	}
}

// EventFromContextEntry reconstitutes an event read back from a window.
func EventFromContextEntry(entry ContextEntry, contextKey string) *Event {
	data := entry.Data
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		EventID:    entry.EventID,
		EventType:  entry.EventType,
		ContextKey: contextKey,
		Timestamp:  entry.Timestamp.UTC(),
		Data:       data,
	}
}
