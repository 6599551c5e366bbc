// Package testutil holds shared test helpers.
package testutil

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// SSEEvent is one parsed Server-Sent Event.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// ParseSSE parses an SSE stream into individual events. Events are separated
// by blank lines; multi-line data fields are joined with newlines.
func ParseSSE(body io.Reader) ([]SSEEvent, error) {
	var events []SSEEvent
	scanner := bufio.NewScanner(body)

	var current SSEEvent
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 && current.Event == "" && current.ID == "" {
			return
		}
		current.Data = strings.Join(dataLines, "\n")
		events = append(events, current)
		current = SSEEvent{}
		dataLines = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			current.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, "id:"):
			current.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
		// Comment lines (leading colon) are ignored.
	}
	flush()

	return events, scanner.Err()
}

// ParseSSEString parses an SSE stream held in a string.
func ParseSSEString(body string) ([]SSEEvent, error) {
	return ParseSSE(strings.NewReader(body))
}

// JSON unmarshals the event's data payload.
func (e *SSEEvent) JSON(v any) error {
	return json.Unmarshal([]byte(e.Data), v)
}

// Last returns the final event of a stream, or nil when empty.
func Last(events []SSEEvent) *SSEEvent {
	if len(events) == 0 {
		return nil
	}
	return &events[len(events)-1]
}

// ByType filters events whose JSON data carries the given "type" field.
func ByType(events []SSEEvent, eventType string) []SSEEvent {
	var out []SSEEvent
	for _, e := range events {
		var payload struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(e.Data), &payload); err != nil {
			continue
		}
		if payload.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
