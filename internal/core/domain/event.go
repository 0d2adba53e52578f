package domain

import "time"

type EventType string

const (
	EventStreamReset         EventType = "stream.reset"
	EventStreamModeChanged   EventType = "stream.mode_changed"
	EventStreamStatusChanged EventType = "stream.status_changed"
)

// StreamEvent records an admin action or connection state change on a stream.
type StreamEvent struct {
	Type      EventType `json:"type"`
	Index     int       `json:"index"`
	Name      string    `json:"name"`
	TeamID    string    `json:"team_id,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
