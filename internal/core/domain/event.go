package domain

import "time"

type EventType string

const (
	EventLog           EventType = "log"
	EventProgress      EventType = "progress"
	EventStatusChange  EventType = "status_change"
	EventResourceFreed EventType = "resource_freed"
)

// Event is the structured observer payload delivered to sinks
// (websocket hub, Redis channel, MQTT). Delivery is best-effort.
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id,omitempty"`
	Name     string    `json:"name,omitempty"`
	Display  int       `json:"display,omitempty"`
	Status   string    `json:"status,omitempty"`
	Line     string    `json:"line,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}
